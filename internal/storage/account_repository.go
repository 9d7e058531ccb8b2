package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/harvest-pool/internal/models"
)

// Sentinel errors returned by the account repository. The pool layer maps
// these onto the caller-facing error taxonomy.
var (
	ErrNoEligibleAccount = errors.New("no eligible account")
	ErrStaleLease        = errors.New("lease is no longer valid")
	ErrAccountNotFound   = errors.New("account not found")
	ErrNotQuarantined    = errors.New("account is not quarantined")
)

// AccountRepository persists harvesting accounts in Postgres. Claim and
// release are single UPDATE statements so that two competing workers can
// never both hold the same account; the row's lease_token is the
// compare-and-swap guard.
type AccountRepository struct {
	db *PostgresDB
}

// NewAccountRepository creates a new account repository
func NewAccountRepository(db *PostgresDB) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `account_id, client_id, client_secret, username, password,
	       status, cooldown_until, fail_count, last_error, proxy_id,
	       created_at, updated_at`

// Upsert inserts an account or refreshes its credentials. Health fields
// (status, fail_count, cooldown_until) are preserved on conflict so that
// re-seeding never resurrects a quarantined account.
func (r *AccountRepository) Upsert(ctx context.Context, account *models.AccountRecord) error {
	query := `
		INSERT INTO accounts (account_id, client_id, client_secret, username, password, proxy_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id) DO UPDATE SET
			client_id = EXCLUDED.client_id,
			client_secret = EXCLUDED.client_secret,
			username = EXCLUDED.username,
			password = EXCLUDED.password,
			proxy_id = EXCLUDED.proxy_id,
			updated_at = NOW()
	`

	_, err := r.db.Pool().Exec(ctx, query,
		account.AccountID,
		account.Credential.ClientID,
		account.Credential.ClientSecret,
		account.Credential.Username,
		account.Credential.Password,
		account.ProxyID,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}

	return nil
}

// GetByID retrieves a single account by ID
func (r *AccountRepository) GetByID(ctx context.Context, accountID string) (*models.AccountRecord, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE account_id = $1
	`

	var account models.AccountRecord
	err := r.db.Pool().QueryRow(ctx, query, accountID).Scan(
		&account.AccountID,
		&account.Credential.ClientID,
		&account.Credential.ClientSecret,
		&account.Credential.Username,
		&account.Credential.Password,
		&account.Status,
		&account.CooldownUntil,
		&account.FailCount,
		&account.LastError,
		&account.ProxyID,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return &account, nil
}

// Claim atomically leases the most eligible account: status ready, cooldown
// elapsed, and no live lease on the row. Rows already locked by a competing
// claim are skipped rather than waited on, so contention on one account never
// stalls claims of another. Returns ErrNoEligibleAccount when every account
// is cooling, leased, or quarantined.
func (r *AccountRepository) Claim(ctx context.Context, token uuid.UUID, ttl time.Duration) (*models.AccountRecord, error) {
	query := `
		UPDATE accounts
		SET lease_token = $1,
		    lease_expires_at = NOW() + make_interval(secs => $2),
		    updated_at = NOW()
		WHERE account_id = (
			SELECT account_id
			FROM accounts
			WHERE status = 'ready'
			  AND cooldown_until <= NOW()
			  AND (lease_token IS NULL OR lease_expires_at <= NOW())
			ORDER BY fail_count ASC, account_id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + accountColumns + `
	`

	var account models.AccountRecord
	err := r.db.Pool().QueryRow(ctx, query, token, ttl.Seconds()).Scan(
		&account.AccountID,
		&account.Credential.ClientID,
		&account.Credential.ClientSecret,
		&account.Credential.Username,
		&account.Credential.Password,
		&account.Status,
		&account.CooldownUntil,
		&account.FailCount,
		&account.LastError,
		&account.ProxyID,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoEligibleAccount
		}
		return nil, fmt.Errorf("failed to claim account: %w", err)
	}

	return &account, nil
}

// ClaimByID leases one specific account under the same eligibility rules as
// Claim. Used by the health prober so that probes and harvesters go through
// the same exclusivity machinery.
func (r *AccountRepository) ClaimByID(ctx context.Context, accountID string, token uuid.UUID, ttl time.Duration) (*models.AccountRecord, error) {
	query := `
		UPDATE accounts
		SET lease_token = $2,
		    lease_expires_at = NOW() + make_interval(secs => $3),
		    updated_at = NOW()
		WHERE account_id = $1
		  AND status = 'ready'
		  AND cooldown_until <= NOW()
		  AND (lease_token IS NULL OR lease_expires_at <= NOW())
		RETURNING ` + accountColumns + `
	`

	var account models.AccountRecord
	err := r.db.Pool().QueryRow(ctx, query, accountID, token, ttl.Seconds()).Scan(
		&account.AccountID,
		&account.Credential.ClientID,
		&account.Credential.ClientSecret,
		&account.Credential.Username,
		&account.Credential.Password,
		&account.Status,
		&account.CooldownUntil,
		&account.FailCount,
		&account.LastError,
		&account.ProxyID,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoEligibleAccount
		}
		return nil, fmt.Errorf("failed to claim account %s: %w", accountID, err)
	}

	return &account, nil
}

// ReleaseSuccess returns a leased account to the pool after a healthy run.
// The cooldown clamp only ever moves cooldown_until earlier, and the fail
// count decays by one with a floor of zero. A quarantined account keeps its
// status; release never resurrects it.
func (r *AccountRepository) ReleaseSuccess(ctx context.Context, accountID string, token uuid.UUID) error {
	query := `
		UPDATE accounts
		SET cooldown_until = LEAST(cooldown_until, NOW()),
		    fail_count = GREATEST(fail_count - 1, 0),
		    last_error = NULL,
		    lease_token = NULL,
		    lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE account_id = $1 AND lease_token = $2
	`

	result, err := r.db.Pool().Exec(ctx, query, accountID, token)
	if err != nil {
		return fmt.Errorf("failed to release account: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrStaleLease
	}

	return nil
}

// ReleaseFailure returns a leased account after a failed run: the fail count
// is bumped, the cooldown is extended to at least cooldownSeconds from now
// (a longer explicit cooldown already on the row wins), and the account is
// quarantined once the fail count reaches failThreshold. Returns the updated
// fail count and status.
func (r *AccountRepository) ReleaseFailure(ctx context.Context, accountID string, token uuid.UUID, cooldownSeconds float64, failThreshold int) (int, models.AccountStatus, error) {
	query := `
		UPDATE accounts
		SET fail_count = fail_count + 1,
		    cooldown_until = GREATEST(cooldown_until, NOW() + make_interval(secs => $3)),
		    status = CASE WHEN fail_count + 1 >= $4 THEN 'quarantined' ELSE status END,
		    last_error = CASE WHEN fail_count + 1 >= $4 THEN 'repeated-failures' ELSE last_error END,
		    lease_token = NULL,
		    lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE account_id = $1 AND lease_token = $2
		RETURNING fail_count, status
	`

	var failCount int
	var status models.AccountStatus
	err := r.db.Pool().QueryRow(ctx, query, accountID, token, cooldownSeconds, failThreshold).Scan(&failCount, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, "", ErrStaleLease
		}
		return 0, "", fmt.Errorf("failed to release account: %w", err)
	}

	return failCount, status, nil
}

// SetCooldown rests a leased account for the given number of seconds and
// records why. The lease stays live; callers typically release afterwards.
func (r *AccountRepository) SetCooldown(ctx context.Context, accountID string, token uuid.UUID, seconds float64, reason string) error {
	query := `
		UPDATE accounts
		SET cooldown_until = NOW() + make_interval(secs => $3),
		    last_error = $4,
		    updated_at = NOW()
		WHERE account_id = $1 AND lease_token = $2
	`

	result, err := r.db.Pool().Exec(ctx, query, accountID, token, seconds, reason)
	if err != nil {
		return fmt.Errorf("failed to set cooldown: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrStaleLease
	}

	return nil
}

// QuarantineLeased pulls a leased account out of rotation and drops the
// lease. The account stays quarantined until an operator resets it.
func (r *AccountRepository) QuarantineLeased(ctx context.Context, accountID string, token uuid.UUID, reason string) error {
	query := `
		UPDATE accounts
		SET status = 'quarantined',
		    last_error = $3,
		    lease_token = NULL,
		    lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE account_id = $1 AND lease_token = $2
	`

	result, err := r.db.Pool().Exec(ctx, query, accountID, token, reason)
	if err != nil {
		return fmt.Errorf("failed to quarantine account: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrStaleLease
	}

	return nil
}

// QuarantineByID pulls an account out of rotation regardless of lease state.
// Any lease currently on the row is revoked; the holder's next lease
// operation fails as stale.
func (r *AccountRepository) QuarantineByID(ctx context.Context, accountID string, reason string) error {
	query := `
		UPDATE accounts
		SET status = 'quarantined',
		    last_error = $2,
		    lease_token = NULL,
		    lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE account_id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, accountID, reason)
	if err != nil {
		return fmt.Errorf("failed to quarantine account: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// Reset returns a quarantined account to service with a clean slate.
// Returns ErrNotQuarantined when the account exists but is not quarantined.
func (r *AccountRepository) Reset(ctx context.Context, accountID string) (*models.AccountRecord, error) {
	query := `
		UPDATE accounts
		SET status = 'ready',
		    fail_count = 0,
		    cooldown_until = NOW(),
		    last_error = NULL,
		    lease_token = NULL,
		    lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE account_id = $1 AND status = 'quarantined'
		RETURNING ` + accountColumns + `
	`

	var account models.AccountRecord
	err := r.db.Pool().QueryRow(ctx, query, accountID).Scan(
		&account.AccountID,
		&account.Credential.ClientID,
		&account.Credential.ClientSecret,
		&account.Credential.Username,
		&account.Credential.Password,
		&account.Status,
		&account.CooldownUntil,
		&account.FailCount,
		&account.LastError,
		&account.ProxyID,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := r.GetByID(ctx, accountID); getErr != nil {
				return nil, getErr
			}
			return nil, ErrNotQuarantined
		}
		return nil, fmt.Errorf("failed to reset account: %w", err)
	}

	return &account, nil
}

// CountsByState reports how many accounts sit in each observable state:
// ready, cooling, leased, or quarantined.
func (r *AccountRepository) CountsByState(ctx context.Context) (map[string]int, error) {
	query := `
		SELECT CASE
		         WHEN status = 'quarantined' THEN 'quarantined'
		         WHEN lease_token IS NOT NULL AND lease_expires_at > NOW() THEN 'leased'
		         WHEN cooldown_until > NOW() THEN 'cooling'
		         ELSE 'ready'
		       END AS state,
		       COUNT(*)
		FROM accounts
		GROUP BY state
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count accounts: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{
		models.StateReady:       0,
		models.StateCooling:     0,
		models.StateLeased:      0,
		models.StateQuarantined: 0,
	}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan account count: %w", err)
		}
		counts[state] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating account counts: %w", err)
	}

	return counts, nil
}

// ListIDsByStatus retrieves account IDs with the given persisted status
func (r *AccountRepository) ListIDsByStatus(ctx context.Context, status models.AccountStatus, limit int) ([]string, error) {
	query := `
		SELECT account_id
		FROM accounts
		WHERE status = $1
		ORDER BY account_id ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating account ids: %w", err)
	}

	return ids, nil
}
