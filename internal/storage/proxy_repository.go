package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/harvest-pool/internal/models"
)

// Sentinel errors returned by the proxy repository
var (
	ErrNoProxyAvailable = errors.New("no healthy proxy available")
	ErrProxyNotFound    = errors.New("proxy not found")
)

// ProxyRepository persists egress proxies in Postgres. Rotation is
// least-recently-used: picking a proxy stamps last_used_at, which pushes it
// to the back of the line.
type ProxyRepository struct {
	db *PostgresDB
}

// NewProxyRepository creates a new proxy repository
func NewProxyRepository(db *PostgresDB) *ProxyRepository {
	return &ProxyRepository{db: db}
}

const proxyColumns = `proxy_id, http_url, https_url, tag, provider,
	       success_count, failure_count, fail_streak, last_used_at, created_at`

// Upsert inserts a proxy or refreshes its endpoints. Usage counters and the
// failure streak are preserved on conflict.
func (r *ProxyRepository) Upsert(ctx context.Context, proxy *models.ProxyRecord) error {
	query := `
		INSERT INTO proxies (proxy_id, http_url, https_url, tag, provider)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (proxy_id) DO UPDATE SET
			http_url = EXCLUDED.http_url,
			https_url = EXCLUDED.https_url,
			tag = EXCLUDED.tag,
			provider = EXCLUDED.provider
	`

	_, err := r.db.Pool().Exec(ctx, query,
		proxy.ProxyID,
		proxy.HTTPURL,
		proxy.HTTPSURL,
		proxy.Tag,
		proxy.Provider,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert proxy: %w", err)
	}

	return nil
}

// GetByID retrieves a single proxy by ID
func (r *ProxyRepository) GetByID(ctx context.Context, proxyID string) (*models.ProxyRecord, error) {
	query := `
		SELECT ` + proxyColumns + `
		FROM proxies
		WHERE proxy_id = $1
	`

	var proxy models.ProxyRecord
	err := r.db.Pool().QueryRow(ctx, query, proxyID).Scan(
		&proxy.ProxyID,
		&proxy.HTTPURL,
		&proxy.HTTPSURL,
		&proxy.Tag,
		&proxy.Provider,
		&proxy.SuccessCount,
		&proxy.FailureCount,
		&proxy.FailStreak,
		&proxy.LastUsedAt,
		&proxy.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProxyNotFound
		}
		return nil, fmt.Errorf("failed to get proxy: %w", err)
	}

	return &proxy, nil
}

// NextInRotation picks the least recently used proxy whose failure streak is
// below maxFailStreak and stamps it as used. Never-used proxies go first.
// Returns ErrNoProxyAvailable when every proxy is above the streak limit.
func (r *ProxyRepository) NextInRotation(ctx context.Context, maxFailStreak int) (*models.ProxyRecord, error) {
	query := `
		UPDATE proxies
		SET last_used_at = NOW()
		WHERE proxy_id = (
			SELECT proxy_id
			FROM proxies
			WHERE fail_streak < $1
			ORDER BY last_used_at ASC NULLS FIRST, proxy_id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + proxyColumns + `
	`

	var proxy models.ProxyRecord
	err := r.db.Pool().QueryRow(ctx, query, maxFailStreak).Scan(
		&proxy.ProxyID,
		&proxy.HTTPURL,
		&proxy.HTTPSURL,
		&proxy.Tag,
		&proxy.Provider,
		&proxy.SuccessCount,
		&proxy.FailureCount,
		&proxy.FailStreak,
		&proxy.LastUsedAt,
		&proxy.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoProxyAvailable
		}
		return nil, fmt.Errorf("failed to rotate proxy: %w", err)
	}

	return &proxy, nil
}

// ReportSuccess records a successful request through the proxy and clears
// its failure streak.
func (r *ProxyRepository) ReportSuccess(ctx context.Context, proxyID string) error {
	query := `
		UPDATE proxies
		SET success_count = success_count + 1,
		    fail_streak = 0
		WHERE proxy_id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, proxyID)
	if err != nil {
		return fmt.Errorf("failed to report proxy success: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrProxyNotFound
	}

	return nil
}

// ReportFailure records a failed request through the proxy and returns the
// updated failure streak.
func (r *ProxyRepository) ReportFailure(ctx context.Context, proxyID string) (int, error) {
	query := `
		UPDATE proxies
		SET failure_count = failure_count + 1,
		    fail_streak = fail_streak + 1
		WHERE proxy_id = $1
		RETURNING fail_streak
	`

	var streak int
	err := r.db.Pool().QueryRow(ctx, query, proxyID).Scan(&streak)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrProxyNotFound
		}
		return 0, fmt.Errorf("failed to report proxy failure: %w", err)
	}

	return streak, nil
}

// CountsByHealth reports how many proxies are in rotation and how many are
// sidelined by their failure streak.
func (r *ProxyRepository) CountsByHealth(ctx context.Context, maxFailStreak int) (healthy int, sidelined int, err error) {
	query := `
		SELECT COUNT(*) FILTER (WHERE fail_streak < $1),
		       COUNT(*) FILTER (WHERE fail_streak >= $1)
		FROM proxies
	`

	err = r.db.Pool().QueryRow(ctx, query, maxFailStreak).Scan(&healthy, &sidelined)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count proxies: %w", err)
	}

	return healthy, sidelined, nil
}
