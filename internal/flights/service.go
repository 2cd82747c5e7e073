package flights

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/minibackends/internal/models"
	"github.com/kjstillabower/minibackends/internal/observability"
	"github.com/kjstillabower/minibackends/internal/storage"
	"github.com/kjstillabower/minibackends/internal/xmlfeed"
)

// Source maps a vendor XML file to the short name stored in source_file.
type Source struct {
	File string
	Name string
}

// Service loads vendor itineraries into the store and answers comparison queries.
type Service struct {
	store   storage.FlightStore
	dataDir string
	sources []Source
	route   xmlfeed.Route
	logger  *zap.Logger
}

// NewService creates a flight Service. The first two sources are the diff pair.
func NewService(store storage.FlightStore, dataDir string, sources []Source, route xmlfeed.Route, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   store,
		dataDir: dataDir,
		sources: sources,
		route:   route,
		logger:  logger,
	}
}

// Route returns the origin and destination every stored itinerary matches.
func (s *Service) Route() xmlfeed.Route {
	return s.route
}

// Load parses every configured source and replaces the stored rows in one
// transaction. Missing files are skipped with a warning; malformed files fail the load.
func (s *Service) Load(ctx context.Context) (int, error) {
	start := time.Now()
	var all []models.FlightResult
	counts := make(map[string]int, len(s.sources))

	for _, src := range s.sources {
		path := filepath.Join(s.dataDir, src.File)
		results, err := xmlfeed.ParseFile(path, src.Name, s.route)
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("flight source missing, skipping", zap.String("source", src.Name), zap.String("path", path))
			counts[src.Name] = 0
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("loading %s: %w", src.Name, err)
		}
		counts[src.Name] = len(results)
		all = append(all, results...)
	}

	n, err := s.store.ReplaceFlights(ctx, all)
	if err != nil {
		observability.StorageErrorsTotal.WithLabelValues("replace_flights").Inc()
		return 0, fmt.Errorf("storing flights: %w", err)
	}
	for name, c := range counts {
		observability.FlightRowsLoaded.WithLabelValues(name).Set(float64(c))
	}
	s.logger.Info("flight data loaded",
		zap.Int("rows", n),
		zap.Any("per_source", counts),
		zap.Duration("duration", time.Since(start)))
	return n, nil
}

// List returns every itinerary ordered by price.
func (s *Service) List(ctx context.Context) ([]models.FlightResult, error) {
	return s.store.ListFlightsByPrice(ctx)
}

// Extremes holds the notable itineraries of the stored set. Fields are nil when it is empty.
type Extremes struct {
	Cheapest      *models.FlightResult `json:"cheapest"`
	MostExpensive *models.FlightResult `json:"most_expensive"`
	Fastest       *models.FlightResult `json:"fastest"`
	Slowest       *models.FlightResult `json:"slowest"`
	Optimal       *models.FlightResult `json:"optimal"`
}

// Extremes scans rows in id order: ties pick the first minimum and the last maximum.
func (s *Service) Extremes(ctx context.Context) (Extremes, error) {
	all, err := s.store.ListFlightsByID(ctx, "")
	if err != nil {
		return Extremes{}, err
	}
	return computeExtremes(all), nil
}

func computeExtremes(all []models.FlightResult) Extremes {
	if len(all) == 0 {
		return Extremes{}
	}
	var cheap, dear, fast, slow int
	for i, f := range all {
		if f.Price < all[cheap].Price {
			cheap = i
		}
		if f.Price >= all[dear].Price {
			dear = i
		}
		if f.DurationMinutes < all[fast].DurationMinutes {
			fast = i
		}
		if f.DurationMinutes >= all[slow].DurationMinutes {
			slow = i
		}
	}
	return Extremes{
		Cheapest:      &all[cheap],
		MostExpensive: &all[dear],
		Fastest:       &all[fast],
		Slowest:       &all[slow],
		Optimal:       optimal(all),
	}
}

// optimal min-max normalises price and duration and returns the first item
// with the smallest sum. A zero range is treated as 1.
func optimal(all []models.FlightResult) *models.FlightResult {
	if len(all) == 0 {
		return nil
	}
	minP, maxP := all[0].Price, all[0].Price
	minD, maxD := all[0].DurationMinutes, all[0].DurationMinutes
	for _, f := range all[1:] {
		minP = min(minP, f.Price)
		maxP = max(maxP, f.Price)
		minD = min(minD, f.DurationMinutes)
		maxD = max(maxD, f.DurationMinutes)
	}
	priceRange := maxP - minP
	if priceRange == 0 {
		priceRange = 1
	}
	durRange := float64(maxD - minD)
	if durRange == 0 {
		durRange = 1
	}

	best := 0
	bestScore := 0.0
	for i, f := range all {
		score := (f.Price-minP)/priceRange + float64(f.DurationMinutes-minD)/durRange
		if i == 0 || score < bestScore {
			best, bestScore = i, score
		}
	}
	return &all[best]
}

// Diff compares the first two configured sources.
func (s *Service) Diff(ctx context.Context) (Diff, error) {
	if len(s.sources) < 2 {
		return Diff{}, errors.New("diff needs two flight sources")
	}
	a, b := s.sources[0].Name, s.sources[1].Name
	rowsA, err := s.store.ListFlightsByID(ctx, a)
	if err != nil {
		return Diff{}, err
	}
	rowsB, err := s.store.ListFlightsByID(ctx, b)
	if err != nil {
		return Diff{}, err
	}
	return computeDiff(a, rowsA, b, rowsB), nil
}
