package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func sampleEntry(agent, query string) Entry {
	now := time.Now().UTC()
	return Entry{
		Response:     map[string]any{"content": "three day split", "confidence": 0.9},
		Query:        query,
		QueryHash:    "abc123",
		AgentID:      agent,
		UserID:       "u1",
		StoredAt:     now,
		ExpiresAt:    now.Add(time.Minute),
		TTLSeconds:   60,
		QualityScore: 0.9,
		Embedding:    []float64{0.1, 0.2},
		UsageCount:   1,
		LastAccessed: now,
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemory(time.Minute)
	ctx := context.Background()

	entry := sampleEntry("blaze", "create a strength plan")
	if err := store.Set(ctx, "responses", "key1", entry, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, ok, err := store.Get(ctx, "responses", "key1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("expected hit")
	}
	if got.AgentID != "blaze" || got.Query != "create a strength plan" {
		t.Fatalf("unexpected entry: %#v", got)
	}
	if got.Response["content"] != "three day split" {
		t.Fatalf("unexpected response payload: %#v", got.Response)
	}

	// Mutating the returned copy must not leak into the store.
	got.Response["content"] = "mutated"
	again, _, err := store.Get(ctx, "responses", "key1")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.Response["content"] != "three day split" {
		t.Fatalf("store entry mutated through returned copy")
	}

	size, err := store.Size(ctx)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 1 {
		t.Fatalf("expected size 1, got %d", size)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemory(time.Minute)
	ctx := context.Background()

	entry := sampleEntry("luna", "how do cycles affect training")
	entry.ExpiresAt = entry.StoredAt.Add(10 * time.Millisecond)
	if err := store.Set(ctx, "responses", "key", entry, 10*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	_, ok, err := store.Get(ctx, "responses", "key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestMemoryStoreClearNamespace(t *testing.T) {
	store := NewMemory(time.Minute)
	ctx := context.Background()

	if err := store.Set(ctx, "responses", "a", sampleEntry("blaze", "q1"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Set(ctx, "other", "a", sampleEntry("nova", "q2"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	if err := store.ClearNamespace(ctx, "responses"); err != nil {
		t.Fatalf("clear namespace: %v", err)
	}
	_, ok, err := store.Get(ctx, "responses", "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected responses namespace to be cleared")
	}
	_, ok, err = store.Get(ctx, "other", "a")
	if err != nil {
		t.Fatalf("get other: %v", err)
	}
	if !ok {
		t.Fatalf("expected other namespace to survive")
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	store, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	ctx := context.Background()
	defer store.Close(ctx)

	entry := sampleEntry("nova", "design a cutting diet")
	if err := store.Set(ctx, "responses", "key1", entry, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, ok, err := store.Get(ctx, "responses", "key1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("expected hit")
	}
	if got.AgentID != "nova" || got.QualityScore != 0.9 {
		t.Fatalf("unexpected entry: %#v", got)
	}
	if len(got.Embedding) != 2 {
		t.Fatalf("embedding not persisted: %#v", got.Embedding)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check: %v", err)
	}

	if err := store.ClearNamespace(ctx, "responses"); err != nil {
		t.Fatalf("clear namespace: %v", err)
	}
	_, ok, err = store.Get(ctx, "responses", "key1")
	if err != nil {
		t.Fatalf("get after clear: %v", err)
	}
	if ok {
		t.Fatalf("expected cleared namespace")
	}
}

func TestSQLiteStoreExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	store, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	ctx := context.Background()
	defer store.Close(ctx)

	entry := sampleEntry("spark", "keep me motivated")
	entry.ExpiresAt = entry.StoredAt.Add(10 * time.Millisecond)
	if err := store.Set(ctx, "responses", "key", entry, 10*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	_, ok, err := store.Get(ctx, "responses", "key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected sqlite entry to expire")
	}
}
