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

package transport

import (
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	poolInterval = 15 * time.Minute
	poolExpiry   = 10 * time.Minute
)

type fakeSSHClient struct {
	closed bool
}

func (f *fakeSSHClient) NewSession() (*ssh.Session, error) {
	return nil, errors.New("fake client cannot open sessions")
}

func (f *fakeSSHClient) Close() error {
	f.closed = true

	return nil
}

// fakeGet is used as a replacement for SSHPool.Get and does not need a
// reachable SSH endpoint.
//
// This is mostly a copy of SSHPool.Get().
func (sp *SSHPool) fakeGet(addr, user, password string) (Client, string) {
	unique := generateUniqueKey(addr, user, password)

	sp.lock.RLock()
	pooled := sp.getClient(unique)
	sp.lock.RUnlock()
	if pooled != nil {
		return pooled, unique
	}

	// SSHPool.Get() dials the array here
	client := &fakeSSHClient{}

	ce := &clientEntry{
		client:   client,
		lastUsed: time.Now(),
		users:    1,
	}

	sp.lock.Lock()
	defer sp.lock.Unlock()
	sp.clients[unique] = ce

	return client, unique
}

//nolint:paralleltest // these tests share one pool and cannot run in parallel
func TestSSHPool(t *testing.T) {
	sp := NewSSHPool(poolInterval, poolExpiry)
	defer sp.Destroy()

	var client Client
	var unique string

	t.Run("fakeGet", func(t *testing.T) {
		client, unique = sp.fakeGet("10.0.0.9:22", "admin", "swordfish")
		if client == nil {
			t.Fatal("failed to get client")
		}
	})

	t.Run("sameArraySharesClient", func(t *testing.T) {
		other, otherUnique := sp.fakeGet("10.0.0.9:22", "admin", "swordfish")
		if other != client {
			t.Error("same array credentials should share the pooled client")
		}
		if otherUnique != unique {
			t.Errorf("unique keys differ: %s != %s", otherUnique, unique)
		}
		if sp.clients[unique].users != 2 {
			t.Errorf("users should be 2, got %d", sp.clients[unique].users)
		}
		sp.Put(other)
	})

	t.Run("differentPasswordDifferentClient", func(t *testing.T) {
		other, otherUnique := sp.fakeGet("10.0.0.9:22", "admin", "changed")
		if other == client {
			t.Error("changed credentials must not share the pooled client")
		}
		if otherUnique == unique {
			t.Error("unique keys should differ for different passwords")
		}
		sp.Put(other)
	})

	t.Run("gcSkipsBusyEntries", func(t *testing.T) {
		// age out every entry, one client is still held
		for _, ce := range sp.clients {
			ce.lastUsed = ce.lastUsed.Add(-2 * poolExpiry)
		}
		sp.gc()
		if _, ok := sp.clients[unique]; !ok {
			t.Error("gc removed an entry that still has users")
		}
	})

	t.Run("gcCollectsIdleEntries", func(t *testing.T) {
		held, ok := client.(*fakeSSHClient)
		if !ok {
			t.Fatal("unexpected client type")
		}
		sp.Put(client)
		for _, ce := range sp.clients {
			ce.lastUsed = ce.lastUsed.Add(-2 * poolExpiry)
		}
		sp.gc()
		if len(sp.clients) != 0 {
			t.Errorf("gc left %d idle entries behind", len(sp.clients))
		}
		if !held.closed {
			t.Error("gc did not close the collected client")
		}
	})
}

func TestGenerateUniqueKeyHidesPassword(t *testing.T) {
	t.Parallel()
	key := generateUniqueKey("10.0.0.9:22", "admin", "swordfish")
	if key == "" {
		t.Fatal("empty key")
	}
	if strings.Contains(key, "swordfish") {
		t.Errorf("key %q leaks the password", key)
	}

	// same inputs, same key
	if key != generateUniqueKey("10.0.0.9:22", "admin", "swordfish") {
		t.Error("key generation is not deterministic")
	}
}
