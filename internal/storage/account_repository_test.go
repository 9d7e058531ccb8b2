package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/harvest-pool/internal/models"
)

func seedTestAccount(t *testing.T, ctx context.Context, repo *AccountRepository, accountID string) {
	t.Helper()

	err := repo.Upsert(ctx, &models.AccountRecord{
		AccountID: accountID,
		Credential: models.AccountCredential{
			ClientID:     "client-" + accountID,
			ClientSecret: "secret-" + accountID,
			Username:     "user-" + accountID,
			Password:     "pass-" + accountID,
		},
	})
	if err != nil {
		t.Fatalf("failed to seed account %s: %v", accountID, err)
	}
}

func setFailCount(t *testing.T, ctx context.Context, db *PostgresDB, accountID string, failCount int) {
	t.Helper()

	_, err := db.Pool().Exec(ctx, `UPDATE accounts SET fail_count = $2 WHERE account_id = $1`, accountID, failCount)
	if err != nil {
		t.Fatalf("failed to set fail count: %v", err)
	}
}

func TestAccountClaimAndRelease(t *testing.T) {
	db := SetupTestDB(t)
	repo := NewAccountRepository(db)
	ctx := testContext(t)

	seedTestAccount(t, ctx, repo, "acct-1")

	token := uuid.New()
	account, err := repo.Claim(ctx, token, time.Minute)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if account.AccountID != "acct-1" {
		t.Errorf("Claim() account = %s, want acct-1", account.AccountID)
	}
	if account.Credential.Username != "user-acct-1" {
		t.Errorf("Claim() username = %s, want user-acct-1", account.Credential.Username)
	}

	// The only account is leased, so a second claim finds nothing.
	if _, err := repo.Claim(ctx, uuid.New(), time.Minute); !errors.Is(err, ErrNoEligibleAccount) {
		t.Errorf("second Claim() error = %v, want ErrNoEligibleAccount", err)
	}

	if err := repo.ReleaseSuccess(ctx, "acct-1", token); err != nil {
		t.Fatalf("ReleaseSuccess() error = %v", err)
	}

	// Released and cooldown clamped to now: claimable again.
	if _, err := repo.Claim(ctx, uuid.New(), time.Minute); err != nil {
		t.Errorf("Claim() after release error = %v", err)
	}
}

func TestAccountClaimOrdersByFailCount(t *testing.T) {
	db := SetupTestDB(t)
	repo := NewAccountRepository(db)
	ctx := testContext(t)

	seedTestAccount(t, ctx, repo, "shaky")
	seedTestAccount(t, ctx, repo, "solid")
	setFailCount(t, ctx, db, "shaky", 3)

	account, err := repo.Claim(ctx, uuid.New(), time.Minute)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if account.AccountID != "solid" {
		t.Errorf("Claim() picked %s, want solid (lowest fail count)", account.AccountID)
	}
}

func TestAccountClaimSkipsIneligible(t *testing.T) {
	db := SetupTestDB(t)
	repo := NewAccountRepository(db)
	ctx := testContext(t)

	seedTestAccount(t, ctx, repo, "benched")
	seedTestAccount(t, ctx, repo, "cooling")

	if err := repo.QuarantineByID(ctx, "benched", "manual"); err != nil {
		t.Fatalf("QuarantineByID() error = %v", err)
	}

	_, err := db.Pool().Exec(ctx, `UPDATE accounts SET cooldown_until = NOW() + INTERVAL '5 minutes' WHERE account_id = 'cooling'`)
	if err != nil {
		t.Fatalf("failed to set cooldown: %v", err)
	}

	if _, err := repo.Claim(ctx, uuid.New(), time.Minute); !errors.Is(err, ErrNoEligibleAccount) {
		t.Errorf("Claim() error = %v, want ErrNoEligibleAccount with all accounts benched or cooling", err)
	}
}

func TestAccountReleaseWithStaleLease(t *testing.T) {
	db := SetupTestDB(t)
	repo := NewAccountRepository(db)
	ctx := testContext(t)

	seedTestAccount(t, ctx, repo, "acct-1")

	token := uuid.New()
	if _, err := repo.Claim(ctx, token, time.Minute); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	if err := repo.ReleaseSuccess(ctx, "acct-1", uuid.New()); !errors.Is(err, ErrStaleLease) {
		t.Errorf("ReleaseSuccess() with wrong token error = %v, want ErrStaleLease", err)
	}

	if err := repo.ReleaseSuccess(ctx, "acct-1", token); err != nil {
		t.Fatalf("ReleaseSuccess() error = %v", err)
	}

	// The lease is gone; a replayed release is stale.
	if err := repo.ReleaseSuccess(ctx, "acct-1", token); !errors.Is(err, ErrStaleLease) {
		t.Errorf("replayed ReleaseSuccess() error = %v, want ErrStaleLease", err)
	}
}

func TestAccountReleaseFailureQuarantinesAtThreshold(t *testing.T) {
	db := SetupTestDB(t)
	repo := NewAccountRepository(db)
	ctx := testContext(t)

	seedTestAccount(t, ctx, repo, "acct-1")
	setFailCount(t, ctx, db, "acct-1", 4)

	token := uuid.New()
	if _, err := repo.Claim(ctx, token, time.Minute); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	failCount, status, err := repo.ReleaseFailure(ctx, "acct-1", token, 60, 5)
	if err != nil {
		t.Fatalf("ReleaseFailure() error = %v", err)
	}
	if failCount != 5 {
		t.Errorf("ReleaseFailure() failCount = %d, want 5", failCount)
	}
	if status != models.StatusQuarantined {
		t.Errorf("ReleaseFailure() status = %s, want quarantined", status)
	}

	account, err := repo.GetByID(ctx, "acct-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if account.LastError == nil || *account.LastError != "repeated-failures" {
		t.Errorf("last_error = %v, want repeated-failures", account.LastError)
	}
}

func TestAccountReleaseFailureBelowThreshold(t *testing.T) {
	db := SetupTestDB(t)
	repo := NewAccountRepository(db)
	ctx := testContext(t)

	seedTestAccount(t, ctx, repo, "acct-1")

	token := uuid.New()
	if _, err := repo.Claim(ctx, token, time.Minute); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	failCount, status, err := repo.ReleaseFailure(ctx, "acct-1", token, 60, 5)
	if err != nil {
		t.Fatalf("ReleaseFailure() error = %v", err)
	}
	if failCount != 1 {
		t.Errorf("ReleaseFailure() failCount = %d, want 1", failCount)
	}
	if status != models.StatusReady {
		t.Errorf("ReleaseFailure() status = %s, want ready", status)
	}

	account, err := repo.GetByID(ctx, "acct-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	wantAfter := time.Now().Add(50 * time.Second)
	if !account.CooldownUntil.After(wantAfter) {
		t.Errorf("cooldown_until = %v, want roughly 60s out", account.CooldownUntil)
	}
}

func TestAccountReleaseSuccessDecaysFailCount(t *testing.T) {
	db := SetupTestDB(t)
	repo := NewAccountRepository(db)
	ctx := testContext(t)

	seedTestAccount(t, ctx, repo, "acct-1")
	setFailCount(t, ctx, db, "acct-1", 3)

	token := uuid.New()
	if _, err := repo.Claim(ctx, token, time.Minute); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if err := repo.ReleaseSuccess(ctx, "acct-1", token); err != nil {
		t.Fatalf("ReleaseSuccess() error = %v", err)
	}

	account, err := repo.GetByID(ctx, "acct-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if account.FailCount != 2 {
		t.Errorf("fail_count = %d, want 2 after success decay", account.FailCount)
	}
	if account.CooldownUntil.After(time.Now().Add(time.Second)) {
		t.Errorf("cooldown_until = %v, want clamped to now", account.CooldownUntil)
	}

	// The decay floors at zero.
	setFailCount(t, ctx, db, "acct-1", 0)
	token = uuid.New()
	if _, err := repo.Claim(ctx, token, time.Minute); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if err := repo.ReleaseSuccess(ctx, "acct-1", token); err != nil {
		t.Fatalf("ReleaseSuccess() error = %v", err)
	}
	account, err = repo.GetByID(ctx, "acct-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if account.FailCount != 0 {
		t.Errorf("fail_count = %d, want 0 (floor)", account.FailCount)
	}
}

func TestAccountFailureReleaseKeepsLongerCooldown(t *testing.T) {
	db := SetupTestDB(t)
	repo := NewAccountRepository(db)
	ctx := testContext(t)

	seedTestAccount(t, ctx, repo, "acct-1")

	token := uuid.New()
	if _, err := repo.Claim(ctx, token, time.Minute); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	// Rate-limit cooldown of 120s, then a failure release that would only
	// ask for 60s. The longer window must survive.
	if err := repo.SetCooldown(ctx, "acct-1", token, 120, "rate-limit"); err != nil {
		t.Fatalf("SetCooldown() error = %v", err)
	}
	_, status, err := repo.ReleaseFailure(ctx, "acct-1", token, 60, 5)
	if err != nil {
		t.Fatalf("ReleaseFailure() error = %v", err)
	}
	if status != models.StatusReady {
		t.Errorf("status = %s, want ready", status)
	}

	account, err := repo.GetByID(ctx, "acct-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if !account.CooldownUntil.After(time.Now().Add(90 * time.Second)) {
		t.Errorf("cooldown_until = %v, want the 120s window preserved", account.CooldownUntil)
	}
}

func TestAccountQuarantineIsSticky(t *testing.T) {
	db := SetupTestDB(t)
	repo := NewAccountRepository(db)
	ctx := testContext(t)

	seedTestAccount(t, ctx, repo, "acct-1")

	token := uuid.New()
	if _, err := repo.Claim(ctx, token, time.Minute); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if err := repo.QuarantineByID(ctx, "acct-1", "auth"); err != nil {
		t.Fatalf("QuarantineByID() error = %v", err)
	}

	// Quarantine revoked the lease: the old holder's release is stale.
	if err := repo.ReleaseSuccess(ctx, "acct-1", token); !errors.Is(err, ErrStaleLease) {
		t.Errorf("ReleaseSuccess() after quarantine error = %v, want ErrStaleLease", err)
	}

	if _, err := repo.Claim(ctx, uuid.New(), time.Minute); !errors.Is(err, ErrNoEligibleAccount) {
		t.Errorf("Claim() of quarantined account error = %v, want ErrNoEligibleAccount", err)
	}

	account, err := repo.Reset(ctx, "acct-1")
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if account.Status != models.StatusReady {
		t.Errorf("Reset() status = %s, want ready", account.Status)
	}
	if account.FailCount != 0 {
		t.Errorf("Reset() fail_count = %d, want 0", account.FailCount)
	}

	if _, err := repo.Claim(ctx, uuid.New(), time.Minute); err != nil {
		t.Errorf("Claim() after reset error = %v", err)
	}
}

func TestAccountResetErrors(t *testing.T) {
	db := SetupTestDB(t)
	repo := NewAccountRepository(db)
	ctx := testContext(t)

	if _, err := repo.Reset(ctx, "missing"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("Reset() of missing account error = %v, want ErrAccountNotFound", err)
	}

	seedTestAccount(t, ctx, repo, "healthy")
	if _, err := repo.Reset(ctx, "healthy"); !errors.Is(err, ErrNotQuarantined) {
		t.Errorf("Reset() of ready account error = %v, want ErrNotQuarantined", err)
	}
}

func TestAccountUpsertPreservesHealth(t *testing.T) {
	db := SetupTestDB(t)
	repo := NewAccountRepository(db)
	ctx := testContext(t)

	seedTestAccount(t, ctx, repo, "acct-1")
	setFailCount(t, ctx, db, "acct-1", 2)
	if err := repo.QuarantineByID(ctx, "acct-1", "manual"); err != nil {
		t.Fatalf("QuarantineByID() error = %v", err)
	}

	err := repo.Upsert(ctx, &models.AccountRecord{
		AccountID: "acct-1",
		Credential: models.AccountCredential{
			ClientID:     "client-acct-1",
			ClientSecret: "rotated-secret",
			Username:     "user-acct-1",
			Password:     "rotated-pass",
		},
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	account, err := repo.GetByID(ctx, "acct-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if account.Status != models.StatusQuarantined {
		t.Errorf("re-seed changed status to %s, want quarantined preserved", account.Status)
	}
	if account.FailCount != 2 {
		t.Errorf("re-seed changed fail_count to %d, want 2 preserved", account.FailCount)
	}
	if account.Credential.Password != "rotated-pass" {
		t.Errorf("re-seed did not rotate password, got %s", account.Credential.Password)
	}
}

func TestAccountLeaseExpiryReclaim(t *testing.T) {
	db := SetupTestDB(t)
	repo := NewAccountRepository(db)
	ctx := testContext(t)

	seedTestAccount(t, ctx, repo, "acct-1")

	// A zero TTL expires the lease immediately, standing in for a crashed
	// holder.
	deadToken := uuid.New()
	if _, err := repo.Claim(ctx, deadToken, 0); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	liveToken := uuid.New()
	if _, err := repo.Claim(ctx, liveToken, time.Minute); err != nil {
		t.Fatalf("Claim() of expired lease error = %v, want reclaim to succeed", err)
	}

	// The crashed holder's token no longer matches.
	if err := repo.ReleaseSuccess(ctx, "acct-1", deadToken); !errors.Is(err, ErrStaleLease) {
		t.Errorf("ReleaseSuccess() with expired token error = %v, want ErrStaleLease", err)
	}

	if err := repo.ReleaseSuccess(ctx, "acct-1", liveToken); err != nil {
		t.Errorf("ReleaseSuccess() with live token error = %v", err)
	}
}

func TestAccountCountsByState(t *testing.T) {
	db := SetupTestDB(t)
	repo := NewAccountRepository(db)
	ctx := testContext(t)

	for _, id := range []string{"ready-1", "ready-2", "leased-1", "cooling-1", "benched-1"} {
		seedTestAccount(t, ctx, repo, id)
	}

	if _, err := repo.ClaimByID(ctx, "leased-1", uuid.New(), time.Minute); err != nil {
		t.Fatalf("ClaimByID() error = %v", err)
	}
	if err := repo.QuarantineByID(ctx, "benched-1", "manual"); err != nil {
		t.Fatalf("QuarantineByID() error = %v", err)
	}
	_, err := db.Pool().Exec(ctx, `UPDATE accounts SET cooldown_until = NOW() + INTERVAL '5 minutes' WHERE account_id = 'cooling-1'`)
	if err != nil {
		t.Fatalf("failed to set cooldown: %v", err)
	}

	counts, err := repo.CountsByState(ctx)
	if err != nil {
		t.Fatalf("CountsByState() error = %v", err)
	}

	want := map[string]int{
		models.StateReady:       2,
		models.StateLeased:      1,
		models.StateCooling:     1,
		models.StateQuarantined: 1,
	}
	for state, count := range want {
		if counts[state] != count {
			t.Errorf("counts[%s] = %d, want %d", state, counts[state], count)
		}
	}
}

func TestAccountClaimByIDRespectsEligibility(t *testing.T) {
	db := SetupTestDB(t)
	repo := NewAccountRepository(db)
	ctx := testContext(t)

	seedTestAccount(t, ctx, repo, "acct-1")

	token := uuid.New()
	if _, err := repo.ClaimByID(ctx, "acct-1", token, time.Minute); err != nil {
		t.Fatalf("ClaimByID() error = %v", err)
	}

	// Already leased.
	if _, err := repo.ClaimByID(ctx, "acct-1", uuid.New(), time.Minute); !errors.Is(err, ErrNoEligibleAccount) {
		t.Errorf("ClaimByID() of leased account error = %v, want ErrNoEligibleAccount", err)
	}

	if err := repo.QuarantineByID(ctx, "acct-1", "manual"); err != nil {
		t.Fatalf("QuarantineByID() error = %v", err)
	}
	if _, err := repo.ClaimByID(ctx, "acct-1", uuid.New(), time.Minute); !errors.Is(err, ErrNoEligibleAccount) {
		t.Errorf("ClaimByID() of quarantined account error = %v, want ErrNoEligibleAccount", err)
	}
}
