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
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Client is the subset of ssh.Client the CLI adapter needs. It exists so
// the pool can be exercised without a reachable SSH endpoint.
type Client interface {
	NewSession() (*ssh.Session, error)
	Close() error
}

type clientEntry struct {
	client   Client
	lastUsed time.Time
	users    int
}

// SSHPool keeps one SSH client per array shared between all holders, with
// refcounting and garbage collection of idle clients. Several vendor CLIs
// throttle concurrent logins hard, reusing one session per array is the
// expected access pattern.
type SSHPool struct {
	// interval to run the garbage collector
	interval time.Duration
	// timeout for a clientEntry to get garbage collected
	expiry time.Duration
	// Timer used to schedule calls to the garbage collector
	timer *time.Timer
	// Mutex for loading and touching clientEntry's from the clients map
	lock *sync.RWMutex
	// all clientEntry's in this pool
	clients map[string]*clientEntry
}

// NewSSHPool creates a new pool instance and starts the garbage collector
// running every @interval.
func NewSSHPool(interval, expiry time.Duration) *SSHPool {
	sp := SSHPool{
		interval: interval,
		expiry:   expiry,
		lock:     &sync.RWMutex{},
		clients:  make(map[string]*clientEntry),
	}
	sp.timer = time.AfterFunc(interval, sp.gc)

	return &sp
}

// loop through all sp.clients and destroy objects that have not been used
// for sp.expiry.
func (sp *SSHPool) gc() {
	sp.lock.Lock()
	defer sp.lock.Unlock()

	now := time.Now()
	for key, ce := range sp.clients {
		if ce.users == 0 && (now.Sub(ce.lastUsed)) > sp.expiry {
			ce.destroy()
			delete(sp.clients, key)
		}
	}

	// schedule the next gc() run
	sp.timer.Reset(sp.interval)
}

// Destroy stops the garbage collector and destroys all clients in the pool.
func (sp *SSHPool) Destroy() {
	sp.timer.Stop()
	// wait until gc() has finished, in case it is running
	sp.lock.Lock()
	defer sp.lock.Unlock()

	for key, ce := range sp.clients {
		if ce.users != 0 {
			panic("this clientEntry still has users, operations " +
				"might still be in-flight")
		}

		ce.destroy()
		delete(sp.clients, key)
	}
}

func generateUniqueKey(addr, user, password string) string {
	// the password must contribute to the key without being recoverable
	// from it
	sum := sha256.Sum256([]byte(password))

	return fmt.Sprintf("%s|%s|%x", addr, user, sum)
}

// getClient returns the existing ssh.Client associated with the unique key.
//
// Requires: locked sp.lock because of ce.get().
func (sp *SSHPool) getClient(unique string) Client {
	ce, exists := sp.clients[unique]
	if exists {
		ce.get()

		return ce.client
	}

	return nil
}

// Get returns an ssh.Client for the given array. Creates and connects a new
// client in case there is none. Use the returned client to reduce the
// reference count with SSHPool.Put(client).
func (sp *SSHPool) Get(addr, user, password string) (Client, error) {
	unique := generateUniqueKey(addr, user, password)

	sp.lock.RLock()
	pooled := sp.getClient(unique)
	sp.lock.RUnlock()
	if pooled != nil {
		return pooled, nil
	}

	config := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
		},
		// array management networks are closed, host keys are not
		// distributed out of band
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // #nosec:G106
		Timeout:         30 * time.Second,
	}

	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, MarkTransient(fmt.Errorf("connecting to %s failed: %w", addr, err))
	}

	ce := &clientEntry{
		client:   client,
		lastUsed: time.Now(),
		users:    1,
	}

	sp.lock.Lock()
	defer sp.lock.Unlock()
	if oldClient := sp.getClient(unique); oldClient != nil {
		// there was a race, oldClient already exists
		ce.destroy()

		return oldClient, nil
	}
	// this really is a new client, add it to the map
	sp.clients[unique] = ce

	return client, nil
}

// Put reduces the reference count of the ssh.Client that was returned with
// SSHPool.Get().
func (sp *SSHPool) Put(client Client) {
	sp.lock.Lock()
	defer sp.lock.Unlock()

	for _, ce := range sp.clients {
		if ce.client == client {
			ce.put()

			return
		}
	}
}

// Add a reference to the clientEntry.
// /!\ Only call this while holding the SSHPool.lock.
func (ce *clientEntry) get() {
	ce.lastUsed = time.Now()
	ce.users++
}

// Reduce number of references. Do not destroy here, SSHPool.gc() does that
// once the entry expired.
// /!\ Only call this while holding the SSHPool.lock.
func (ce *clientEntry) put() {
	ce.users--
}

// Destroy a clientEntry object, close the connection to the array.
func (ce *clientEntry) destroy() {
	if ce.client != nil {
		// close errors on teardown are not actionable
		_ = ce.client.Close()
		ce.client = nil
	}
}
