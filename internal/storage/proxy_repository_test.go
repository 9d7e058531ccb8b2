package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/harvest-pool/internal/models"
)

func seedTestProxy(t *testing.T, ctx context.Context, repo *ProxyRepository, proxyID string) {
	t.Helper()

	err := repo.Upsert(ctx, &models.ProxyRecord{
		ProxyID:  proxyID,
		HTTPURL:  "http://" + proxyID + ".example.net:8080",
		HTTPSURL: "http://" + proxyID + ".example.net:8080",
		Tag:      "test",
		Provider: "testprovider",
	})
	if err != nil {
		t.Fatalf("failed to seed proxy %s: %v", proxyID, err)
	}
}

func TestProxyRotationIsLeastRecentlyUsed(t *testing.T) {
	db := SetupTestDB(t)
	repo := NewProxyRepository(db)
	ctx := testContext(t)

	seedTestProxy(t, ctx, repo, "proxy-a")
	seedTestProxy(t, ctx, repo, "proxy-b")
	seedTestProxy(t, ctx, repo, "proxy-c")

	// Never-used proxies come out in ID order, then the rotation wraps.
	var order []string
	for i := 0; i < 4; i++ {
		proxy, err := repo.NextInRotation(ctx, 5)
		if err != nil {
			t.Fatalf("NextInRotation() error = %v", err)
		}
		order = append(order, proxy.ProxyID)
	}

	want := []string{"proxy-a", "proxy-b", "proxy-c", "proxy-a"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("rotation order = %v, want %v", order, want)
		}
	}
}

func TestProxyRotationSkipsSidelined(t *testing.T) {
	db := SetupTestDB(t)
	repo := NewProxyRepository(db)
	ctx := testContext(t)

	seedTestProxy(t, ctx, repo, "proxy-a")
	seedTestProxy(t, ctx, repo, "proxy-b")

	for i := 0; i < 5; i++ {
		if _, err := repo.ReportFailure(ctx, "proxy-a"); err != nil {
			t.Fatalf("ReportFailure() error = %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		proxy, err := repo.NextInRotation(ctx, 5)
		if err != nil {
			t.Fatalf("NextInRotation() error = %v", err)
		}
		if proxy.ProxyID != "proxy-b" {
			t.Errorf("NextInRotation() = %s, want proxy-b while proxy-a is sidelined", proxy.ProxyID)
		}
	}
}

func TestProxySuccessClearsStreak(t *testing.T) {
	db := SetupTestDB(t)
	repo := NewProxyRepository(db)
	ctx := testContext(t)

	seedTestProxy(t, ctx, repo, "proxy-a")

	for i := 0; i < 4; i++ {
		if _, err := repo.ReportFailure(ctx, "proxy-a"); err != nil {
			t.Fatalf("ReportFailure() error = %v", err)
		}
	}
	if err := repo.ReportSuccess(ctx, "proxy-a"); err != nil {
		t.Fatalf("ReportSuccess() error = %v", err)
	}

	proxy, err := repo.GetByID(ctx, "proxy-a")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if proxy.FailStreak != 0 {
		t.Errorf("fail_streak = %d, want 0 after success", proxy.FailStreak)
	}
	if proxy.FailureCount != 4 {
		t.Errorf("failure_count = %d, want 4 (lifetime counter untouched)", proxy.FailureCount)
	}
	if proxy.SuccessCount != 1 {
		t.Errorf("success_count = %d, want 1", proxy.SuccessCount)
	}
}

func TestProxyRotationExhausted(t *testing.T) {
	db := SetupTestDB(t)
	repo := NewProxyRepository(db)
	ctx := testContext(t)

	seedTestProxy(t, ctx, repo, "proxy-a")
	for i := 0; i < 5; i++ {
		if _, err := repo.ReportFailure(ctx, "proxy-a"); err != nil {
			t.Fatalf("ReportFailure() error = %v", err)
		}
	}

	if _, err := repo.NextInRotation(ctx, 5); !errors.Is(err, ErrNoProxyAvailable) {
		t.Errorf("NextInRotation() error = %v, want ErrNoProxyAvailable", err)
	}
}

func TestProxyReportUnknown(t *testing.T) {
	db := SetupTestDB(t)
	repo := NewProxyRepository(db)
	ctx := testContext(t)

	if err := repo.ReportSuccess(ctx, "ghost"); !errors.Is(err, ErrProxyNotFound) {
		t.Errorf("ReportSuccess() error = %v, want ErrProxyNotFound", err)
	}
	if _, err := repo.ReportFailure(ctx, "ghost"); !errors.Is(err, ErrProxyNotFound) {
		t.Errorf("ReportFailure() error = %v, want ErrProxyNotFound", err)
	}
	if _, err := repo.GetByID(ctx, "ghost"); !errors.Is(err, ErrProxyNotFound) {
		t.Errorf("GetByID() error = %v, want ErrProxyNotFound", err)
	}
}

func TestProxyCountsByHealth(t *testing.T) {
	db := SetupTestDB(t)
	repo := NewProxyRepository(db)
	ctx := testContext(t)

	seedTestProxy(t, ctx, repo, "proxy-a")
	seedTestProxy(t, ctx, repo, "proxy-b")
	seedTestProxy(t, ctx, repo, "proxy-c")

	for i := 0; i < 5; i++ {
		if _, err := repo.ReportFailure(ctx, "proxy-c"); err != nil {
			t.Fatalf("ReportFailure() error = %v", err)
		}
	}

	healthy, sidelined, err := repo.CountsByHealth(ctx, 5)
	if err != nil {
		t.Fatalf("CountsByHealth() error = %v", err)
	}
	if healthy != 2 {
		t.Errorf("healthy = %d, want 2", healthy)
	}
	if sidelined != 1 {
		t.Errorf("sidelined = %d, want 1", sidelined)
	}
}
