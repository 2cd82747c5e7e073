package shortener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/minibackends/internal/events"
	"github.com/kjstillabower/minibackends/internal/models"
	"github.com/kjstillabower/minibackends/internal/observability"
	"github.com/kjstillabower/minibackends/internal/storage"
	"github.com/kjstillabower/minibackends/internal/validation"
)

// ErrInvalidTarget is returned when the target is not an http(s) URL. It wraps the validation error.
var ErrInvalidTarget = errors.New("invalid target")

// ErrNotFound is returned when no link exists for a code.
var ErrNotFound = errors.New("link not found")

// ErrCodeSpaceExhausted is returned when every generated code collided with an existing one.
var ErrCodeSpaceExhausted = errors.New("could not allocate a unique code")

// Service creates and resolves short links.
type Service struct {
	store       storage.URLStore
	publisher   events.Publisher
	generate    CodeGenerator
	maxAttempts int
	logger      *zap.Logger
	now         func() time.Time
}

// NewService creates a Service. A nil publisher disables events.
func NewService(store storage.URLStore, publisher events.Publisher, generate CodeGenerator, maxAttempts int, logger *zap.Logger) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Service{
		store:       store,
		publisher:   publisher,
		generate:    generate,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
	}
}

// Shorten validates target and stores it under a fresh code.
// Collisions are retried up to maxAttempts times.
func (s *Service) Shorten(ctx context.Context, target string) (*models.URL, error) {
	clean, err := validation.ValidateTarget(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		code, err := s.generate()
		if err != nil {
			return nil, fmt.Errorf("generate code: %w", err)
		}
		createdAt := s.now().UTC()
		inserted, err := s.store.InsertURLIfAbsent(ctx, code, clean, createdAt)
		if err != nil {
			return nil, fmt.Errorf("store link: %w", err)
		}
		if !inserted {
			s.requestLogger(ctx).Debug("code collision, retrying", zap.String("code", code), zap.Int("attempt", attempt))
			continue
		}

		observability.LinksCreatedTotal.Inc()
		s.publish(ctx, events.TypeLinkCreated, code, clean)
		return &models.URL{Code: code, Target: clean, CreatedAt: createdAt}, nil
	}
	return nil, ErrCodeSpaceExhausted
}

// Resolve returns the link for code and records a resolution event.
func (s *Service) Resolve(ctx context.Context, code string) (*models.URL, error) {
	u, err := s.Lookup(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			observability.LinksResolvedTotal.WithLabelValues("not_found").Inc()
		}
		return nil, err
	}
	observability.LinksResolvedTotal.WithLabelValues("found").Inc()
	s.publish(ctx, events.TypeLinkResolved, u.Code, u.Target)
	return u, nil
}

// Lookup returns the link for code without side effects. Malformed codes are reported as ErrNotFound.
func (s *Service) Lookup(ctx context.Context, code string) (*models.URL, error) {
	if err := validation.ValidateCode(code); err != nil {
		return nil, ErrNotFound
	}
	u, err := s.store.GetURLByCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup link: %w", err)
	}
	return u, nil
}

func (s *Service) publish(ctx context.Context, typ, code, target string) {
	corrID, _ := ctx.Value("correlation_id").(string)
	s.publisher.Publish(ctx, events.LinkEvent{
		Type:          typ,
		Code:          code,
		Target:        target,
		OccurredAt:    s.now().UTC(),
		CorrelationID: corrID,
	})
}

func (s *Service) requestLogger(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value("logger").(*zap.Logger); ok && logger != nil {
		return logger
	}
	return s.logger
}
