package storage

import (
	"encoding/json"
	"testing"
)

func TestCheckpointSaveAndLoad(t *testing.T) {
	db := SetupTestDB(t)
	repo := NewCheckpointRepository(db)
	ctx := testContext(t)

	payload := json.RawMessage(`{"cursor":"page-17","seen":412}`)
	if err := repo.Save(ctx, "job-1", payload); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, ok, err := repo.Load(ctx, "job-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !ok {
		t.Fatal("Load() ok = false, want true")
	}

	var decoded struct {
		Cursor string `json:"cursor"`
		Seen   int    `json:"seen"`
	}
	if err := json.Unmarshal(loaded, &decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if decoded.Cursor != "page-17" || decoded.Seen != 412 {
		t.Errorf("payload = %+v, want cursor page-17 / seen 412", decoded)
	}
}

func TestCheckpointSaveReplacesWholesale(t *testing.T) {
	db := SetupTestDB(t)
	repo := NewCheckpointRepository(db)
	ctx := testContext(t)

	if err := repo.Save(ctx, "job-1", json.RawMessage(`{"cursor":"a","extra":true}`)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := repo.Save(ctx, "job-1", json.RawMessage(`{"cursor":"b"}`)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, ok, err := repo.Load(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("Load() = ok %v, err %v", ok, err)
	}

	// The old payload's fields must not leak through: replace, not merge.
	var decoded map[string]interface{}
	if err := json.Unmarshal(loaded, &decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if decoded["cursor"] != "b" {
		t.Errorf("cursor = %v, want b", decoded["cursor"])
	}
	if _, leaked := decoded["extra"]; leaked {
		t.Error("old payload field survived the save, want wholesale replace")
	}
}

func TestCheckpointSaveIsIdempotent(t *testing.T) {
	db := SetupTestDB(t)
	repo := NewCheckpointRepository(db)
	ctx := testContext(t)

	payload := json.RawMessage(`{"cursor":"same"}`)
	for i := 0; i < 3; i++ {
		if err := repo.Save(ctx, "job-1", payload); err != nil {
			t.Fatalf("Save() #%d error = %v", i+1, err)
		}
	}

	loaded, ok, err := repo.Load(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("Load() = ok %v, err %v", ok, err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(loaded, &decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if decoded["cursor"] != "same" {
		t.Errorf("cursor = %v, want same", decoded["cursor"])
	}
}

func TestCheckpointLoadAbsent(t *testing.T) {
	db := SetupTestDB(t)
	repo := NewCheckpointRepository(db)
	ctx := testContext(t)

	payload, ok, err := repo.Load(ctx, "never-saved")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if ok {
		t.Error("Load() ok = true for absent checkpoint, want false")
	}
	if payload != nil {
		t.Errorf("Load() payload = %s, want nil", payload)
	}
}

func TestCheckpointJobsAreIndependent(t *testing.T) {
	db := SetupTestDB(t)
	repo := NewCheckpointRepository(db)
	ctx := testContext(t)

	if err := repo.Save(ctx, "job-1", json.RawMessage(`{"cursor":"one"}`)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := repo.Save(ctx, "job-2", json.RawMessage(`{"cursor":"two"}`)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, ok, err := repo.Load(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("Load(job-1) = ok %v, err %v", ok, err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(loaded, &decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if decoded["cursor"] != "one" {
		t.Errorf("job-1 cursor = %v, want one", decoded["cursor"])
	}
}

func TestCheckpointDelete(t *testing.T) {
	db := SetupTestDB(t)
	repo := NewCheckpointRepository(db)
	ctx := testContext(t)

	if err := repo.Save(ctx, "job-1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := repo.Delete(ctx, "job-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, err := repo.Load(ctx, "job-1"); err != nil || ok {
		t.Errorf("Load() after delete = ok %v, err %v, want absent", ok, err)
	}

	// Deleting again is a no-op.
	if err := repo.Delete(ctx, "job-1"); err != nil {
		t.Errorf("Delete() of absent checkpoint error = %v", err)
	}
}
