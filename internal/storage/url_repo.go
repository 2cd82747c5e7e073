package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kjstillabower/minibackends/internal/models"
)

// URLStore persists short links.
type URLStore interface {
	InsertURLIfAbsent(ctx context.Context, code, target string, createdAt time.Time) (bool, error)
	GetURLByCode(ctx context.Context, code string) (*models.URL, error)
}

var _ URLStore = (*Repository)(nil)

// dbURL represents a short link as stored in the database.
type dbURL struct {
	ID        int64     `db:"id"`
	Code      string    `db:"code"`
	Target    string    `db:"target"`
	CreatedAt time.Time `db:"created_at"`
}

func toDomainURL(u *dbURL) *models.URL {
	return &models.URL{
		ID:        u.ID,
		Code:      u.Code,
		Target:    u.Target,
		CreatedAt: u.CreatedAt,
	}
}

// InsertURLIfAbsent stores code -> target unless code already exists.
// It reports false, without error, when the code was taken.
func (repo *Repository) InsertURLIfAbsent(ctx context.Context, code, target string, createdAt time.Time) (bool, error) {
	query := `INSERT INTO urls(code, target, created_at) VALUES (?, ?, ?) ON CONFLICT(code) DO NOTHING`
	if repo.driver == DriverMySQL {
		query = `INSERT IGNORE INTO urls(code, target, created_at) VALUES (?, ?, ?)`
	}

	result, err := repo.dbConn.ExecContext(ctx, repo.rebind(query), code, target, createdAt.UTC())
	if err != nil {
		return false, fmt.Errorf("inserting url %s: %w", code, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fetching rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// GetURLByCode returns the link for code or ErrNotFound.
func (repo *Repository) GetURLByCode(ctx context.Context, code string) (*models.URL, error) {
	var u dbURL
	query := `SELECT id, code, target, created_at FROM urls WHERE code = ?`

	err := repo.dbConn.GetContext(ctx, &u, repo.rebind(query), code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting url %s: %w", code, err)
	}
	return toDomainURL(&u), nil
}
