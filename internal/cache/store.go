package cache

import (
	"context"
	"time"
)

// Entry is a cached agent response together with the metadata the semantic
// layer needs for introspection and later similarity comparisons. The original
// query travels with the payload so fallback matching can re-vectorize it.
type Entry struct {
	Response     map[string]any `json:"response"`
	Query        string         `json:"query"`
	QueryHash    string         `json:"queryHash"`
	AgentID      string         `json:"agentId"`
	UserID       string         `json:"userId,omitempty"`
	ContextHash  string         `json:"contextHash,omitempty"`
	StoredAt     time.Time      `json:"storedAt"`
	ExpiresAt    time.Time      `json:"expiresAt"`
	TTLSeconds   int64          `json:"ttlSeconds"`
	QualityScore float64        `json:"qualityScore"`
	Embedding    []float64      `json:"embedding,omitempty"`
	UsageCount   int64          `json:"usageCount"`
	LastAccessed time.Time      `json:"lastAccessed"`
}

// ResponseStore is the namespaced key/value contract the semantic cache builds
// on. Backends enforce expiry themselves; callers never re-check TTLs beyond
// what Entry carries for introspection.
type ResponseStore interface {
	Get(ctx context.Context, namespace, key string) (Entry, bool, error)
	Set(ctx context.Context, namespace, key string, entry Entry, ttl time.Duration) error
	ClearNamespace(ctx context.Context, namespace string) error
	Size(ctx context.Context) (int64, error)
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

func storageKey(namespace, key string) string {
	return namespace + ":" + key
}

func cloneEntry(in Entry) Entry {
	out := in
	if len(in.Response) > 0 {
		out.Response = make(map[string]any, len(in.Response))
		for k, v := range in.Response {
			out.Response[k] = v
		}
	}
	if len(in.Embedding) > 0 {
		out.Embedding = append([]float64(nil), in.Embedding...)
	}
	return out
}
