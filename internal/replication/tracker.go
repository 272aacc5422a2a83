/*
Copyright 2025 The Volmux Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/volmux/volmux/internal/backend"
	"github.com/volmux/volmux/internal/util"
	"github.com/volmux/volmux/internal/util/log"
)

// probeTimeout bounds the reachability check of a failover target. A target
// that cannot answer a ping within this window is not a target worth
// failing over to.
const probeTimeout = 30 * time.Second

// DriverResolver resolves backend names to drivers, satisfied by
// backend.Registry.
type DriverResolver interface {
	Get(name string) (backend.Driver, error)
}

// Tracker owns every replication session of the process. All transitions go
// through it, it validates them against the session state machine, persists
// them and serves the active backend lookups the dispatcher routes by.
type Tracker struct {
	store    Store
	registry DriverResolver

	mux      sync.RWMutex
	sessions map[string]*Session
	// byVolume indexes the primary handle of every enrolled volume to its
	// session id.
	byVolume map[string]string
}

// NewTracker loads the persisted sessions and rebuilds the volume index.
func NewTracker(store Store, registry DriverResolver) (*Tracker, error) {
	persisted, err := store.List()
	if err != nil {
		return nil, err
	}

	t := &Tracker{
		store:    store,
		registry: registry,
		sessions: make(map[string]*Session, len(persisted)),
		byVolume: map[string]string{},
	}
	for _, session := range persisted {
		t.sessions[session.ID] = session
		for handle := range session.Volumes {
			t.byVolume[handle] = session.ID
		}
		log.DefaultLog("restored replication session %s (%s, %s -> %v, state %s, %d volumes)",
			session.ID, session.Mode, session.Primary, session.Secondaries,
			session.State, len(session.Volumes))
	}

	return t, nil
}

// CreateSession pairs a primary backend with its failover targets. The
// session starts unconfigured, Enable starts the mirroring.
func (t *Tracker) CreateSession(
	ctx context.Context,
	mode backend.ReplicationMode,
	primary string,
	secondaries []string,
) (*Session, error) {
	if len(secondaries) == 0 {
		return nil, util.JoinErrors(backend.ErrReplicationStateConflict,
			fmt.Errorf("a replication session needs at least one secondary"))
	}

	seen := map[string]bool{primary: true}
	for _, secondary := range secondaries {
		if secondary == primary {
			return nil, util.JoinErrors(backend.ErrReplicationStateConflict,
				fmt.Errorf("backend %q cannot replicate to itself", primary))
		}
		if seen[secondary] {
			return nil, util.JoinErrors(backend.ErrReplicationStateConflict,
				fmt.Errorf("backend %q is listed as a secondary twice", secondary))
		}
		seen[secondary] = true
	}

	for name := range seen {
		drv, err := t.registry.Get(name)
		if err != nil {
			return nil, err
		}
		if !drv.Capabilities().SupportsReplicationMode(mode) {
			return nil, util.JoinErrors(backend.ErrUnsupportedOperation,
				fmt.Errorf("backend %q does not support %s replication", name, mode))
		}
	}

	now := time.Now().UTC()
	session := &Session{
		ID:            uuid.New().String(),
		Mode:          mode,
		Primary:       primary,
		Secondaries:   append([]string(nil), secondaries...),
		ActiveBackend: primary,
		State:         StateUnconfigured,
		Volumes:       map[string]map[string]string{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	t.mux.Lock()
	defer t.mux.Unlock()

	if err := t.store.Save(session.clone()); err != nil {
		return nil, err
	}
	t.sessions[session.ID] = session
	log.UsefulLog(ctx, "created %s replication session %s (%s -> %v)",
		mode, session.ID, primary, secondaries)

	return session.clone(), nil
}

// GetSession returns a copy of the session.
func (t *Tracker) GetSession(id string) (*Session, error) {
	t.mux.RLock()
	defer t.mux.RUnlock()

	session, ok := t.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}

	return session.clone(), nil
}

// ListSessions returns copies of all sessions.
func (t *Tracker) ListSessions() []*Session {
	t.mux.RLock()
	defer t.mux.RUnlock()

	sessions := make([]*Session, 0, len(t.sessions))
	for _, session := range t.sessions {
		sessions = append(sessions, session.clone())
	}

	return sessions
}

// AddVolume enrolls a volume into the session with its mirror handle on
// every secondary. A volume belongs to at most one session, and members
// cannot change while the session is failed over.
func (t *Tracker) AddVolume(ctx context.Context, id, primaryHandle string, mirrors map[string]string) error {
	t.mux.Lock()
	defer t.mux.Unlock()

	session, ok := t.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if session.State == StateFailedOver {
		return util.JoinErrors(backend.ErrReplicationStateConflict,
			fmt.Errorf("session %s is failed over, membership is frozen", id))
	}
	if owner, enrolled := t.byVolume[primaryHandle]; enrolled {
		return util.JoinErrors(backend.ErrReplicationStateConflict,
			fmt.Errorf("volume %s is already enrolled in session %s", primaryHandle, owner))
	}
	for _, secondary := range session.Secondaries {
		if mirrors[secondary] == "" {
			return util.JoinErrors(backend.ErrReplicationStateConflict,
				fmt.Errorf("volume %s has no mirror handle on secondary %s", primaryHandle, secondary))
		}
	}
	for secondary := range mirrors {
		if !session.hasSecondary(secondary) {
			return util.JoinErrors(backend.ErrReplicationStateConflict,
				fmt.Errorf("backend %s is not a secondary of session %s", secondary, id))
		}
	}

	err := t.update(ctx, session, func(s *Session) {
		m := make(map[string]string, len(mirrors))
		for secondary, mirror := range mirrors {
			m[secondary] = mirror
		}
		s.Volumes[primaryHandle] = m
	})
	if err == nil {
		t.byVolume[primaryHandle] = id
	}

	return err
}

// RemoveVolume drops a volume pair from the session.
func (t *Tracker) RemoveVolume(ctx context.Context, id, primaryHandle string) error {
	t.mux.Lock()
	defer t.mux.Unlock()

	session, ok := t.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if session.State == StateFailedOver {
		return util.JoinErrors(backend.ErrReplicationStateConflict,
			fmt.Errorf("session %s is failed over, membership is frozen", id))
	}
	if _, enrolled := session.Volumes[primaryHandle]; !enrolled {
		return util.JoinErrors(backend.ErrReplicationStateConflict,
			fmt.Errorf("volume %s is not enrolled in session %s", primaryHandle, id))
	}

	err := t.update(ctx, session, func(s *Session) {
		delete(s.Volumes, primaryHandle)
	})
	if err == nil {
		delete(t.byVolume, primaryHandle)
	}

	return err
}

// Enable starts or resumes mirroring.
func (t *Tracker) Enable(ctx context.Context, id string) error {
	t.mux.Lock()
	defer t.mux.Unlock()

	session, ok := t.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if session.State != StateUnconfigured && session.State != StateSuspended {
		return util.JoinErrors(backend.ErrReplicationStateConflict,
			fmt.Errorf("session %s cannot be enabled from state %s", id, session.State))
	}

	return t.update(ctx, session, func(s *Session) {
		s.State = StateEnabled
	})
}

// Suspend pauses mirroring. Both sides keep their data, the active side
// keeps serving.
func (t *Tracker) Suspend(ctx context.Context, id string) error {
	t.mux.Lock()
	defer t.mux.Unlock()

	session, ok := t.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if session.State != StateEnabled {
		return util.JoinErrors(backend.ErrReplicationStateConflict,
			fmt.Errorf("session %s cannot be suspended from state %s", id, session.State))
	}

	return t.update(ctx, session, func(s *Session) {
		s.State = StateSuspended
	})
}

// Failover makes a secondary the active side for every enrolled volume at
// once. An empty target selects the default, the first secondary. The
// target is probed first, an unreachable target fails the whole failover
// and leaves the session untouched. Metro sessions have no failover, both
// sides are already active.
func (t *Tracker) Failover(ctx context.Context, id, target string) error {
	t.mux.Lock()
	defer t.mux.Unlock()

	session, ok := t.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if session.Mode == backend.ReplicationMetro {
		return util.JoinErrors(backend.ErrReplicationStateConflict,
			fmt.Errorf("session %s is metro, failover does not apply", id))
	}
	if session.State != StateEnabled && session.State != StateSuspended {
		return util.JoinErrors(backend.ErrReplicationStateConflict,
			fmt.Errorf("session %s cannot fail over from state %s", id, session.State))
	}

	if target == "" {
		target = session.Secondaries[0]
	} else if !session.hasSecondary(target) {
		return util.JoinErrors(backend.ErrReplicationStateConflict,
			fmt.Errorf("backend %s is not a secondary of session %s", target, id))
	}

	if err := t.probe(ctx, target); err != nil {
		log.ErrorLog(ctx, "failover of session %s aborted, target %s is unreachable: %v",
			id, target, err)

		return err
	}

	err := t.update(ctx, session, func(s *Session) {
		s.State = StateFailedOver
		s.ActiveBackend = target
	})
	if err == nil {
		log.UsefulLog(ctx, "session %s failed over, %s is now active for %d volumes",
			id, target, len(session.Volumes))
	}

	return err
}

// Failback returns the session to the primary after a failover.
func (t *Tracker) Failback(ctx context.Context, id string) error {
	t.mux.Lock()
	defer t.mux.Unlock()

	session, ok := t.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if session.Mode == backend.ReplicationMetro {
		return util.JoinErrors(backend.ErrReplicationStateConflict,
			fmt.Errorf("session %s is metro, failback does not apply", id))
	}
	if session.State != StateFailedOver {
		return util.JoinErrors(backend.ErrReplicationStateConflict,
			fmt.Errorf("session %s cannot fail back from state %s", id, session.State))
	}

	if err := t.probe(ctx, session.Primary); err != nil {
		log.ErrorLog(ctx, "failback of session %s aborted, primary %s is unreachable: %v",
			id, session.Primary, err)

		return err
	}

	err := t.update(ctx, session, func(s *Session) {
		s.State = StateEnabled
		s.ActiveBackend = s.Primary
	})
	if err == nil {
		log.UsefulLog(ctx, "session %s failed back, %s is active again", id, session.Primary)
	}

	return err
}

// DeleteSession removes an empty session. Sessions with enrolled volumes
// cannot be deleted, the volumes would silently lose their mirror.
func (t *Tracker) DeleteSession(ctx context.Context, id string) error {
	t.mux.Lock()
	defer t.mux.Unlock()

	session, ok := t.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if len(session.Volumes) > 0 {
		return util.JoinErrors(backend.ErrReplicationStateConflict,
			fmt.Errorf("session %s still has %d enrolled volumes", id, len(session.Volumes)))
	}

	if err := t.store.Delete(id); err != nil {
		return err
	}
	delete(t.sessions, id)
	log.UsefulLog(ctx, "deleted replication session %s", id)

	return nil
}

// ActiveBackendFor implements the dispatcher's session lookup. Operations
// on enrolled volumes follow the session's active side.
func (t *Tracker) ActiveBackendFor(handle string) (string, bool) {
	t.mux.RLock()
	defer t.mux.RUnlock()

	id, ok := t.byVolume[handle]
	if !ok {
		return "", false
	}
	session, ok := t.sessions[id]
	if !ok {
		return "", false
	}

	return session.ActiveBackend, true
}

// update applies a mutation to a copy, persists it and only then swaps the
// in-memory session. A failed store write leaves the old state visible
// everywhere.
//
// Requires: t.mux held for writing.
func (t *Tracker) update(_ context.Context, session *Session, mutate func(s *Session)) error {
	next := session.clone()
	mutate(next)
	next.UpdatedAt = time.Now().UTC()

	if err := t.store.Save(next.clone()); err != nil {
		return err
	}
	t.sessions[session.ID] = next

	return nil
}

func (t *Tracker) probe(ctx context.Context, backendName string) error {
	drv, err := t.registry.Get(backendName)
	if err != nil {
		return err
	}

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := drv.Ping(pctx); err != nil {
		return util.JoinErrors(backend.ErrTransport,
			fmt.Errorf("backend %s did not answer the reachability probe: %w", backendName, err))
	}

	return nil
}
