package appstoresync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/apptrack_backend/config"
)

const (
	registryObjectKey       = "appstore/analytics_requests/registry.json"
	registryBackupObjectKey = "appstore/analytics_requests/registry.json.bak"
	registryLockKey         = "appstoresync:registry"

	// Registry entries older than this are re-verified against the API
	// before being trusted.
	defaultMaxEntryAgeDays = 30
)

// RegistryStore persists the mapping of (app, access mode, range) to the
// upstream request id so runs can skip re-discovery entirely.
type RegistryStore interface {
	Lookup(ctx context.Context, appID string, mode AccessMode, dr *DateRange) (*RegistryEntry, error)
	Save(ctx context.Context, entry RegistryEntry) error
	Remove(ctx context.Context, appID string, mode AccessMode, dr *DateRange) error
	All(ctx context.Context) ([]RegistryEntry, error)
}

// Trustable reports whether an entry can be used without a verification
// round trip: continuous-mode requests never expire upstream, so a young
// enough entry is taken at face value.
func Trustable(e *RegistryEntry, maxAgeDays int) bool {
	if e == nil || e.RequestId == "" {
		return false
	}
	if e.AccessMode != AccessModeContinuous {
		return false
	}
	ref := e.CreatedAt
	if e.LastVerified != nil && e.LastVerified.After(ref) {
		ref = *e.LastVerified
	}
	if ref.IsZero() {
		return false
	}
	return time.Since(ref) < time.Duration(maxAgeDays)*24*time.Hour
}

func registryEntryKey(appID string, mode AccessMode, dr *DateRange) string {
	if mode == AccessModeFixedRange && dr != nil {
		return fmt.Sprintf("%s|%s|%s:%s", appID, mode, dr.StartDate, dr.EndDate)
	}
	return fmt.Sprintf("%s|%s", appID, mode)
}

type registryDocument struct {
	Version   int                      `json:"version"`
	UpdatedAt time.Time                `json:"updated_at"`
	Entries   map[string]RegistryEntry `json:"entries"`
}

// objectRegistry keeps the whole registry as one JSON document in the object
// store. Every save rewrites the full snapshot, moving the previous bytes to
// a .bak object first. Writers across instances are serialized through a
// Redis lock; a process-local mutex covers the no-Redis dev path.
type objectRegistry struct {
	store  ObjectStore
	logger *logrus.Logger
	mu     sync.Mutex
}

func newObjectRegistry(store ObjectStore, logger *logrus.Logger) *objectRegistry {
	return &objectRegistry{store: store, logger: logger}
}

func (r *objectRegistry) load(ctx context.Context) *registryDocument {
	raw, err := r.store.Get(ctx, registryObjectKey)
	if err != nil {
		if !errors.Is(err, ErrObjectNotFound) {
			config.LogError(r.logger, "appstoresync", "registryLoad", "read registry document", registryObjectKey, err)
		}
		return &registryDocument{Version: 1, Entries: map[string]RegistryEntry{}}
	}
	var doc registryDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		// A corrupt registry degrades to rediscovery, it never blocks a run.
		config.LogError(r.logger, "appstoresync", "registryLoad", "registry document corrupted, rebuilding empty", registryObjectKey, err)
		return &registryDocument{Version: 1, Entries: map[string]RegistryEntry{}}
	}
	if doc.Entries == nil {
		doc.Entries = map[string]RegistryEntry{}
	}
	return &doc
}

func (r *objectRegistry) Lookup(ctx context.Context, appID string, mode AccessMode, dr *DateRange) (*RegistryEntry, error) {
	doc := r.load(ctx)
	if e, ok := doc.Entries[registryEntryKey(appID, mode, dr)]; ok {
		return &e, nil
	}
	return nil, nil
}

func (r *objectRegistry) All(ctx context.Context) ([]RegistryEntry, error) {
	doc := r.load(ctx)
	out := make([]RegistryEntry, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AppId != out[j].AppId {
			return out[i].AppId < out[j].AppId
		}
		return out[i].AccessMode < out[j].AccessMode
	})
	return out, nil
}

func (r *objectRegistry) Save(ctx context.Context, entry RegistryEntry) error {
	return r.update(ctx, func(doc *registryDocument) {
		doc.Entries[registryEntryKey(entry.AppId, entry.AccessMode, &DateRange{StartDate: entry.StartDate, EndDate: entry.EndDate})] = entry
	})
}

func (r *objectRegistry) Remove(ctx context.Context, appID string, mode AccessMode, dr *DateRange) error {
	return r.update(ctx, func(doc *registryDocument) {
		delete(doc.Entries, registryEntryKey(appID, mode, dr))
	})
}

func (r *objectRegistry) update(ctx context.Context, apply func(*registryDocument)) error {
	release, err := r.lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	doc := r.load(ctx)

	// Keep the previous snapshot around before overwriting it.
	if prev, err := r.store.Get(ctx, registryObjectKey); err == nil {
		if err := r.store.Put(ctx, registryBackupObjectKey, prev, "application/json"); err != nil {
			config.LogError(r.logger, "appstoresync", "registryUpdate", "write registry backup", registryBackupObjectKey, err)
		}
	}

	apply(doc)
	doc.UpdatedAt = time.Now().UTC()

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return r.store.Put(ctx, registryObjectKey, out, "application/json")
}

// lock serializes registry writers. When the Redis locker is up we hold a
// cross-instance lock for the duration of the read-modify-write; otherwise
// the local mutex alone protects against in-process races.
func (r *objectRegistry) lock(ctx context.Context) (func(), error) {
	r.mu.Lock()
	locker := config.GetRedisLock()
	if locker == nil {
		return r.mu.Unlock, nil
	}
	lock, err := locker.Obtain(ctx, registryLockKey, 30*time.Second, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(500*time.Millisecond), 20),
	})
	if err == redislock.ErrNotObtained {
		r.mu.Unlock()
		return nil, errors.New("could not obtain registry lock")
	} else if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	return func() {
		_ = lock.Release(ctx)
		r.mu.Unlock()
	}, nil
}

// stateHistoryKey holds the append-only status trail of one request.
func stateHistoryKey(requestID string) string {
	return "appstore/analytics_requests/state/" + requestID + ".json"
}

type stateTransition struct {
	Status     string    `json:"status"`
	ObservedAt time.Time `json:"observed_at"`
}

// recordStateTransition appends a status observation, skipping writes when
// the latest recorded status is unchanged.
func recordStateTransition(ctx context.Context, store ObjectStore, requestID, status string) {
	if requestID == "" || status == "" {
		return
	}
	key := stateHistoryKey(requestID)
	var history []stateTransition
	if raw, err := store.Get(ctx, key); err == nil {
		_ = json.Unmarshal(raw, &history)
	}
	if n := len(history); n > 0 && history[n-1].Status == status {
		return
	}
	history = append(history, stateTransition{Status: status, ObservedAt: time.Now().UTC()})
	out, err := json.Marshal(history)
	if err != nil {
		return
	}
	_ = store.Put(ctx, key, out, "application/json")
}
