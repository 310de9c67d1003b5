// Package cache is the device's merged, queryable view of every known
// session. Only the sync coordinator writes it, through Apply and
// RecordLocal; everything else reads.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/liftsync/internal/kv"
	"github.com/roach88/liftsync/internal/workout"
)

// Entry is one cached record.
type Entry struct {
	ID     string `json:"id"`
	Module string `json:"module"`
	// Payload is the session snapshot as the server stores it.
	Payload json.RawMessage `json:"payload"`
	// ServerUpdatedAt is the server tick of the payload, or zero for a local
	// write the server has not confirmed yet.
	ServerUpdatedAt int64 `json:"serverUpdatedAt"`
}

// Session decodes the payload.
func (e Entry) Session() (workout.Session, error) {
	var s workout.Session
	if err := json.Unmarshal(e.Payload, &s); err != nil {
		return workout.Session{}, fmt.Errorf("decode cached session %s: %w", e.ID, err)
	}
	return s, nil
}

// Pending reports whether the entry is an unconfirmed local write.
func (e Entry) Pending() bool { return e.ServerUpdatedAt == 0 }

// Snapshot is the full cache content, keyed by id.
type Snapshot map[string]Entry

// Merge applies updates and then deletions to cur and returns the result.
// cur is not modified.
//
// An update replaces an existing entry only when its ServerUpdatedAt is at
// least the existing one; ties go to the incoming value. Deletions remove
// their id unconditionally.
func Merge(cur Snapshot, updates []Entry, deleted []string) Snapshot {
	out := make(Snapshot, len(cur)+len(updates))
	for id, e := range cur {
		out[id] = e
	}
	for _, e := range updates {
		if old, ok := out[e.ID]; ok && e.ServerUpdatedAt < old.ServerUpdatedAt {
			continue
		}
		out[e.ID] = e
	}
	for _, id := range deleted {
		delete(out, id)
	}
	return out
}

// Cache is the local read cache of one user.
//
// Thread-safety: safe for concurrent use.
type Cache struct {
	kv   kv.Store
	user string

	mu sync.Mutex
}

// New creates the cache of user over store.
func New(store kv.Store, user string) *Cache {
	return &Cache{kv: store, user: user}
}

// Load returns the current snapshot.
func (c *Cache) Load(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load(ctx)
}

// Apply merges pulled rows into the cache and persists the result.
func (c *Cache) Apply(ctx context.Context, updates []Entry, deleted []string) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	next := Merge(cur, updates, deleted)
	if err := kv.SetJSON(ctx, c.kv, kv.WorkoutsCacheKey(c.user), next); err != nil {
		return nil, fmt.Errorf("write cache: %w", err)
	}
	return next, nil
}

// RecordLocal writes a just-finished session before the server has seen it.
// The entry carries ServerUpdatedAt zero, so any pulled row for the same id
// replaces it.
func (c *Cache) RecordLocal(ctx context.Context, s workout.Session) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, err := c.load(ctx)
	if err != nil {
		return err
	}
	if _, ok := cur[s.ID]; ok {
		// A confirmed or earlier local copy already exists; leave it to LWW.
		return nil
	}
	cur[s.ID] = Entry{ID: s.ID, Module: s.Module, Payload: payload}
	if err := kv.SetJSON(ctx, c.kv, kv.WorkoutsCacheKey(c.user), cur); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	return nil
}

// Get returns one entry.
func (c *Cache) Get(ctx context.Context, id string) (Entry, bool, error) {
	snap, err := c.Load(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := snap[id]
	return e, ok, nil
}

// Sessions decodes every cached session of module (all modules when empty),
// newest start time first. Undecodable payloads are skipped.
func (c *Cache) Sessions(ctx context.Context, module string) ([]workout.Session, error) {
	snap, err := c.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]workout.Session, 0, len(snap))
	for _, e := range snap {
		if module != "" && e.Module != module {
			continue
		}
		s, err := e.Session()
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.After(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Ghosts builds the ghost table from the cached sessions of module,
// ignoring excludeID.
func (c *Cache) Ghosts(ctx context.Context, module, excludeID string) (workout.GhostTable, error) {
	sessions, err := c.Sessions(ctx, module)
	if err != nil {
		return nil, err
	}
	return workout.BuildGhostTable(sessions, excludeID), nil
}

func (c *Cache) load(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{}
	if _, err := kv.GetJSON(ctx, c.kv, kv.WorkoutsCacheKey(c.user), &snap); err != nil {
		return nil, fmt.Errorf("read cache: %w", err)
	}
	if snap == nil {
		snap = Snapshot{}
	}
	return snap, nil
}
