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

// Package replication tracks mirroring relationships between backends. A
// session pairs a primary and a secondary backend and owns the failover
// state for every volume enrolled in it. Volumes never carry failover state
// themselves, redirecting a session is one pointer swap and therefore
// atomic over all its members.
package replication

import (
	"errors"
	"time"

	"github.com/volmux/volmux/internal/backend"
)

// State is the lifecycle state of a replication session.
type State string

const (
	// StateUnconfigured is a created session whose mirroring has not been
	// enabled yet.
	StateUnconfigured State = "unconfigured"
	// StateEnabled means the session mirrors writes from the active side to
	// the other side.
	StateEnabled State = "enabled"
	// StateSuspended means mirroring is paused, both sides keep their data.
	StateSuspended State = "suspended"
	// StateFailedOver means the secondary is the active side. Metro sessions
	// never reach this state.
	StateFailedOver State = "failed-over"
)

// ErrSessionNotFound is returned when the addressed session does not exist.
var ErrSessionNotFound = errors.New("replication session not found")

// Session is one mirroring relationship between a primary backend and its
// secondaries. The ActiveBackend pointer decides where operations on
// enrolled volumes land, failover and failback only ever swap that pointer.
type Session struct {
	ID   string                  `json:"id"`
	Mode backend.ReplicationMode `json:"mode"`

	Primary string `json:"primary"`
	// Secondaries are the failover targets in preference order, the first
	// entry is the default target.
	Secondaries []string `json:"secondaries"`
	// ActiveBackend is Primary until a failover, the failover target after
	// one.
	ActiveBackend string `json:"activeBackend"`

	State State `json:"state"`

	// Volumes maps the primary side volume handle to its mirror handle on
	// each secondary backend. Callers keep addressing volumes by the
	// primary handle across failovers.
	Volumes map[string]map[string]string `json:"volumes"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s *Session) hasSecondary(name string) bool {
	for _, secondary := range s.Secondaries {
		if secondary == name {
			return true
		}
	}

	return false
}

// clone returns a deep copy so store writes never race with readers.
func (s *Session) clone() *Session {
	c := *s
	c.Secondaries = append([]string(nil), s.Secondaries...)
	c.Volumes = make(map[string]map[string]string, len(s.Volumes))
	for handle, mirrors := range s.Volumes {
		m := make(map[string]string, len(mirrors))
		for secondary, mirror := range mirrors {
			m[secondary] = mirror
		}
		c.Volumes[handle] = m
	}

	return &c
}
