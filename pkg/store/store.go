// Package store provides the process-wide container for layered
// settings and one-off rules.
package store

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/lowdown-proxy/lowdown/pkg/settings"
	"github.com/samber/lo"
)

// Store holds the immutable environment layer, the mutable admin
// overrides and the queue of one-off rules. Safe for concurrent use;
// no lock is ever held across an outbound call.
type Store struct {
	envLayer settings.Layer
	trailer  string

	adminMu sync.RWMutex
	admin   settings.Layer

	oneOffMu sync.Mutex
	oneOff   []OneOffRule
}

// OneOffRule is a queued settings override, consumed by the first
// matching request.
type OneOffRule struct {
	ID       uuid.UUID
	Settings settings.Settings
}

// New creates a store with the given environment layer and the
// trailer appended to emitted JSON bodies.
func New(envLayer settings.Layer, trailer string) *Store {
	return &Store{envLayer: envLayer, trailer: trailer}
}

// Trailer returns the string appended to every emitted JSON body.
func (s *Store) Trailer() string { return s.trailer }

// LogEnvOverrides logs every setting present in the environment layer.
func (s *Store) LogEnvOverrides() {
	for _, e := range s.envLayer.Entries() {
		slog.Info("env setting", slog.String("key", e[0]), slog.String("value", e[1]))
	}
}

// AdminSnapshot resolves defaults, the environment layer and the
// admin overrides into effective settings.
func (s *Store) AdminSnapshot() settings.Settings {
	s.adminMu.RLock()
	defer s.adminMu.RUnlock()
	return s.snapshotLocked()
}

// MergeAdmin folds the layer into the stored admin overrides and
// returns the new snapshot.
func (s *Store) MergeAdmin(l settings.Layer) settings.Settings {
	s.adminMu.Lock()
	defer s.adminMu.Unlock()
	s.admin.Merge(l)
	return s.snapshotLocked()
}

// ResetAdmin replaces the stored admin overrides wholesale and
// returns the new snapshot.
func (s *Store) ResetAdmin(l settings.Layer) settings.Settings {
	s.adminMu.Lock()
	defer s.adminMu.Unlock()
	s.admin = l
	return s.snapshotLocked()
}

// EffectiveSettings applies the per-request layer on top of the
// current admin snapshot.
func (s *Store) EffectiveSettings(requestLayer settings.Layer) settings.Settings {
	snapshot := s.AdminSnapshot()
	snapshot.ApplyLayer(requestLayer)
	return snapshot
}

// AddOneOff queues a one-off rule and returns its id. The rule never
// supplies its own destination, it borrows the destination already
// resolved for the request it is applied to.
func (s *Store) AddOneOff(stg settings.Settings) uuid.UUID {
	id := uuid.New()
	stg.DestinationURL = ""

	s.oneOffMu.Lock()
	s.oneOff = append(s.oneOff, OneOffRule{ID: id, Settings: stg})
	s.oneOffMu.Unlock()

	slog.Info("added one-off rule", slog.String("id", id.String()))
	return id
}

// ApplyOneOff consumes the first queued rule that matches the request
// and returns its settings with the current destination substituted.
// If no rule matches, current is returned and the queue is untouched.
// At most one rule is consumed per request.
func (s *Store) ApplyOneOff(ctx settings.RequestContext, current settings.Settings) settings.Settings {
	s.oneOffMu.Lock()
	defer s.oneOffMu.Unlock()

	if len(s.oneOff) == 0 {
		return current
	}

	rule, idx, ok := lo.FindIndexOf(s.oneOff, func(r OneOffRule) bool {
		candidate := r.Settings
		candidate.DestinationURL = current.DestinationURL
		return settings.Matches(ctx, candidate)
	})
	if !ok {
		return current
	}

	s.oneOff = append(s.oneOff[:idx], s.oneOff[idx+1:]...)
	rule.Settings.DestinationURL = current.DestinationURL
	slog.Info("consuming one-off rule", slog.String("id", rule.ID.String()))
	return rule.Settings
}

func (s *Store) snapshotLocked() settings.Settings {
	stg := settings.Default()
	stg.ApplyLayer(s.envLayer)
	stg.ApplyLayer(s.admin)
	return stg
}
