// Package registry owns the set of open debug sessions: creation under a
// concurrency cap, lookup, explicit close, and an idle-timeout sweep that
// closes sessions nobody has touched recently.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/capulus-code-ninja/cdb-nexus/internal/cdb/adapter"
	"github.com/capulus-code-ninja/cdb-nexus/internal/cdb/notify"
	"github.com/capulus-code-ninja/cdb-nexus/internal/cdb/session"
	"github.com/capulus-code-ninja/cdb-nexus/internal/logging"
	"github.com/capulus-code-ninja/cdb-nexus/pkg/types"
)

// AdapterFactory builds a fresh process adapter for one new session. The
// registry never reuses adapters across sessions.
type AdapterFactory func() adapter.Adapter

// Registry tracks every open Session, enforcing a concurrency cap and
// sweeping idle sessions closed.
type Registry struct {
	limits   types.SessionLimits
	batchCfg types.BatchingConfiguration
	extCfg   types.ExtensionScriptsConfig
	hub      *notify.Hub
	newAd    AdapterFactory

	mu       sync.RWMutex
	sessions map[types.SessionId]*session.Session
	seq      int64

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New constructs a Registry and starts its idle-sweep loop. extCfg may be
// the zero value, which leaves the extension-scripts filesystem disabled
// for every session the registry creates.
func New(limits types.SessionLimits, batchCfg types.BatchingConfiguration, extCfg types.ExtensionScriptsConfig, hub *notify.Hub, newAd AdapterFactory) *Registry {
	r := &Registry{
		limits:    limits,
		batchCfg:  batchCfg,
		extCfg:    extCfg,
		hub:       hub,
		newAd:     newAd,
		sessions:  make(map[types.SessionId]*session.Session),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Create opens a new session against dumpPath/symbolPath, rejecting the
// request with a CapacityExceededError if the registry is already at
// max_concurrent_sessions.
func (r *Registry) Create(ctx context.Context, dumpPath, symbolPath string) (*session.Session, error) {
	r.mu.Lock()
	if r.limits.MaxConcurrentSessions > 0 && len(r.sessions) >= r.limits.MaxConcurrentSessions {
		r.mu.Unlock()
		return nil, &types.CapacityExceededError{Limit: r.limits.MaxConcurrentSessions}
	}
	r.seq++
	id := types.SessionId(fmt.Sprintf("sess-%d", r.seq))
	r.mu.Unlock()

	s := session.New(id, dumpPath, symbolPath, r.newAd(), r.limits, r.batchCfg, r.extCfg, r.hub)
	if err := s.Open(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	logging.Info("session registered", logging.String("session_id", string(id)))
	return s, nil
}

// Get returns the session for id, or a NotFoundError.
func (r *Registry) Get(id types.SessionId) (*session.Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &types.NotFoundError{What: string(id)}
	}
	return s, nil
}

// Close closes and removes one session.
func (r *Registry) Close(id types.SessionId) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return &types.NotFoundError{What: string(id)}
	}
	return s.Close()
}

// CloseAll closes every open session, e.g. during server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[types.SessionId]*session.Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			if err := s.Close(); err != nil {
				logging.Warn("session close failed during shutdown", logging.Err(err))
			}
		}(s)
	}
	wg.Wait()
}

// List returns a snapshot of every open session's info.
func (r *Registry) List() []types.SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	return out
}

// Count reports the number of currently open sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown stops the idle-sweep loop and closes every remaining session.
func (r *Registry) Shutdown() {
	close(r.stopSweep)
	<-r.sweepDone
	r.CloseAll()
}

func (r *Registry) sweepLoop() {
	defer close(r.sweepDone)
	if r.limits.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(r.limits.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopSweep:
			return
		case <-ticker.C:
			r.sweepIdle()
		}
	}
}

func (r *Registry) sweepIdle() {
	if r.limits.SessionTimeout <= 0 {
		return
	}

	r.mu.RLock()
	var stale []types.SessionId
	for id, s := range r.sessions {
		if s.IdleSince() >= r.limits.SessionTimeout {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		logging.Info("closing idle session", logging.String("session_id", string(id)))
		_ = r.Close(id)
	}
}
