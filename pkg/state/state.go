// Package state persists connector checkpoints: an opaque key/value map read
// once when a connector starts and written as the sync makes progress.
package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

var (
	// ErrInvalidConnector indicates an empty connector name.
	ErrInvalidConnector = errors.New("connector name is required")

	// ErrInvalidSnapshot indicates a stored snapshot that cannot be decoded.
	ErrInvalidSnapshot = errors.New("invalid state snapshot")
)

// Store loads and saves checkpoint snapshots by connector name. Loading an
// unknown connector returns an empty snapshot.
type Store interface {
	Load(ctx context.Context, connector string) (*Snapshot, error)
	Save(ctx context.Context, snapshot *Snapshot) error
	Delete(ctx context.Context, connector string) error
}

// Snapshot is the persisted checkpoint of one connector.
type Snapshot struct {
	Connector string         `json:"connector"`
	Values    map[string]any `json:"values"`

	// Version increments with every save.
	Version int64     `json:"version"`
	SavedAt time.Time `json:"saved_at"`
}

// Key returns the storage key for connector.
func Key(connector string) string {
	return "apifetch:state:" + strings.ToLower(strings.TrimSpace(connector))
}

func validConnector(connector string) error {
	if strings.TrimSpace(connector) == "" {
		return ErrInvalidConnector
	}
	return nil
}

func emptySnapshot(connector string) *Snapshot {
	return &Snapshot{Connector: connector, Values: map[string]any{}}
}

func encode(s *Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if s.Values == nil {
		s.Values = map[string]any{}
	}
	return &s, nil
}

// Checkpoint is a connector's working view of its snapshot. Values set on it
// are persisted immediately so an interrupted sync resumes from the last
// completed step.
type Checkpoint struct {
	store    Store
	snapshot *Snapshot
}

// Open loads the connector's snapshot.
func Open(ctx context.Context, store Store, connector string) (*Checkpoint, error) {
	snap, err := store.Load(ctx, connector)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{store: store, snapshot: snap}, nil
}

// Get returns a checkpoint value.
func (c *Checkpoint) Get(key string) (any, bool) {
	v, ok := c.snapshot.Values[key]
	return v, ok
}

// String returns a checkpoint value as a string, or "" when absent.
func (c *Checkpoint) String(key string) string {
	v, ok := c.snapshot.Values[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Set records a value and saves the snapshot.
func (c *Checkpoint) Set(ctx context.Context, key string, value any) error {
	return c.Update(ctx, map[string]any{key: value})
}

// Update records several values with a single save.
func (c *Checkpoint) Update(ctx context.Context, values map[string]any) error {
	for k, v := range values {
		c.snapshot.Values[k] = v
	}
	return c.store.Save(ctx, c.snapshot)
}

// Version returns the version of the last loaded or saved snapshot.
func (c *Checkpoint) Version() int64 {
	return c.snapshot.Version
}
