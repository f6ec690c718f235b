package cache

import (
	"context"
	"net/http"
	"time"
)

// Entry is a buffered upstream response ready to be replayed.
type Entry struct {
	Status    int         `json:"status"`
	Header    http.Header `json:"header,omitempty"`
	Body      []byte      `json:"body"`
	StoredAt  time.Time   `json:"storedAt"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

// Store holds responses keyed by request identity until they expire.
type Store interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, entry Entry) error
	Len(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

func cloneEntry(entry Entry) Entry {
	out := entry
	out.Header = entry.Header.Clone()
	return out
}
