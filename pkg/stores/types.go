package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when no configuration has been stored yet.
var ErrNotFound = errors.New("config not found")

// ConfigStore is the minimal persistence contract used by the sync layer.
type ConfigStore interface {
	// Get returns the raw snapshot bytes, or ErrNotFound.
	Get(ctx context.Context) ([]byte, error)

	// Put replaces the stored snapshot.
	Put(ctx context.Context, data []byte) error
}

// HistoryStore is a ConfigStore that keeps previous snapshots.
type HistoryStore interface {
	ConfigStore

	History(ctx context.Context, limit int) ([]*Revision, error)
	Revision(ctx context.Context, id string) (*Revision, error)
	Prune(ctx context.Context, keep int) (int64, error)
}

// PersistedConfig is the on-disk snapshot shape.
type PersistedConfig struct {
	Sections     map[string]bool `json:"sections"`
	SectionOrder []string        `json:"section_order"`
	LastJSON     *string         `json:"last_json"`
	LastPreview  *string         `json:"last_preview"`
}

// Revision is one stored snapshot in a history store.
type Revision struct {
	ID        string    `json:"id"`
	Profile   string    `json:"profile"`
	Data      []byte    `json:"-"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEntry records an administrative action against a history store.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"` // restore, prune
	Actor     string    `json:"actor"`
	TargetID  *string   `json:"target_id,omitempty"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// Encode renders a snapshot as indented JSON.
func Encode(cfg *PersistedConfig) ([]byte, error) {
	out := *cfg
	if out.Sections == nil {
		out.Sections = map[string]bool{}
	}
	if out.SectionOrder == nil {
		out.SectionOrder = []string{}
	}

	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses snapshot bytes. It does not check the shape beyond JSON typing.
func Decode(data []byte) (*PersistedConfig, error) {
	var cfg PersistedConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}
