package app

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Spatial/internal/core"
	"github.com/dkeye/Spatial/internal/domain"
)

// SessionFactory builds an unstarted session for a peer.
type SessionFactory func(state domain.PeerState, role domain.Role) (*PeerSession, error)

// Registry owns the live sessions, at most one per peer.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.PeerID]*PeerSession
	factory  SessionFactory
}

func NewRegistry(factory SessionFactory) *Registry {
	return &Registry{
		sessions: make(map[domain.PeerID]*PeerSession),
		factory:  factory,
	}
}

// Create builds and starts a session. A second Create for a live id fails
// with ErrAlreadyExists and leaves the first untouched.
func (r *Registry) Create(ctx context.Context, state domain.PeerState, role domain.Role) (*PeerSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[state.ID]; ok {
		return nil, fmt.Errorf("peer %d: %w", state.ID, core.ErrAlreadyExists)
	}
	sess, err := r.factory(state, role)
	if err != nil {
		return nil, fmt.Errorf("peer %d: %w", state.ID, err)
	}
	if err := sess.Start(ctx); err != nil {
		sess.Close()
		return nil, fmt.Errorf("start peer %d: %w", state.ID, err)
	}
	r.sessions[state.ID] = sess
	log.Info().Str("module", "app.registry").Uint64("peer", uint64(state.ID)).Str("role", role.String()).Msg("created session")
	return sess, nil
}

// Remove closes and forgets the session. Unknown ids are a no-op.
func (r *Registry) Remove(id domain.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		log.Debug().Str("module", "app.registry").Uint64("peer", uint64(id)).Msg("remove of unknown session")
		return false
	}
	sess.Close()
	delete(r.sessions, id)
	log.Info().Str("module", "app.registry").Uint64("peer", uint64(id)).Msg("removed session")
	return true
}

// RemoveSession removes sess only if it is still the registered session for
// its peer. A replacement created meanwhile is left alone.
func (r *Registry) RemoveSession(sess *PeerSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[sess.ID()]
	if !ok || cur != sess {
		return false
	}
	sess.Close()
	delete(r.sessions, sess.ID())
	log.Info().Str("module", "app.registry").Uint64("peer", uint64(sess.ID())).Msg("removed failed session")
	return true
}

func (r *Registry) Lookup(id domain.PeerID) (*PeerSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("peer %d: %w", id, core.ErrNotFound)
	}
	return sess, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the live peer ids in ascending order.
func (r *Registry) IDs() []domain.PeerID {
	r.mu.RLock()
	ids := make([]domain.PeerID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Snapshot is ordered by peer id.
func (r *Registry) Snapshot() []SessionSnapshot {
	r.mu.RLock()
	out := make([]SessionSnapshot, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess.Snapshot())
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b SessionSnapshot) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Close removes every session.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sess := range r.sessions {
		sess.Close()
		delete(r.sessions, id)
	}
	log.Info().Str("module", "app.registry").Msg("closed all sessions")
}
