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

package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volmux/volmux/internal/backend"
	"github.com/volmux/volmux/internal/transport"
	"github.com/volmux/volmux/internal/util"
)

// stubDriver is handed out by the test provider. Failure injection and call
// accounting are good enough to observe the dispatcher's behavior.
type stubDriver struct {
	mu   sync.Mutex
	name string
	caps backend.Capabilities

	// transientLeft makes the next calls fail with a retryable transport
	// error before they start succeeding.
	transientLeft int
	// stall makes mutating calls wait for ctx, simulating a hung array.
	stall bool
	// block, when set, parks CreateSnapshot until the channel is closed.
	block chan struct{}

	calls         int
	deleted       []string
	capacityCalls int
}

func (s *stubDriver) enter(ctx context.Context) error {
	s.mu.Lock()
	s.calls++
	failNow := s.transientLeft > 0
	if failNow {
		s.transientLeft--
	}
	stall := s.stall
	s.mu.Unlock()

	if failNow {
		return transport.MarkTransient(errors.New("connection reset by array"))
	}
	if stall {
		<-ctx.Done()

		return ctx.Err()
	}

	return nil
}

func (s *stubDriver) CreateVolume(ctx context.Context, req backend.CreateVolumeRequest) (*backend.Volume, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}

	return &backend.Volume{
		Handle:       backend.ReservedVolumePrefix + req.Name,
		Name:         req.Name,
		SizeGiB:      req.SizeGiB,
		Provisioning: req.Provisioning,
		Backend:      s.name,
		Pool:         req.Pool,
		Status:       backend.StatusAvailable,
	}, nil
}

func (s *stubDriver) DeleteVolume(ctx context.Context, handle string) error {
	if err := s.enter(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.deleted = append(s.deleted, handle)
	s.mu.Unlock()

	return nil
}

func (s *stubDriver) ExtendVolume(ctx context.Context, _ string, _ int64) error {
	return s.enter(ctx)
}

func (s *stubDriver) AttachVolume(ctx context.Context, _ string, _ backend.Connector) (*backend.ConnectionInfo, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}

	return &backend.ConnectionInfo{Protocol: "iscsi", LUN: 1}, nil
}

func (s *stubDriver) DetachVolume(ctx context.Context, _ string, _ backend.Connector) error {
	return s.enter(ctx)
}

func (s *stubDriver) CreateSnapshot(ctx context.Context, handle string) (*backend.Snapshot, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	if s.block != nil {
		<-s.block
	}

	return &backend.Snapshot{
		Handle:       backend.ReservedSnapshotPrefix + "stub",
		ParentHandle: handle,
		Backend:      s.name,
		SizeGiB:      1,
	}, nil
}

func (s *stubDriver) DeleteSnapshot(ctx context.Context, _ string) error {
	return s.enter(ctx)
}

func (s *stubDriver) CreateVolumeFromSnapshot(ctx context.Context, _ string, req backend.CreateVolumeRequest) (*backend.Volume, error) {
	return s.CreateVolume(ctx, req)
}

func (s *stubDriver) CloneVolume(ctx context.Context, _ string, req backend.CreateVolumeRequest) (*backend.Volume, error) {
	return s.CreateVolume(ctx, req)
}

func (s *stubDriver) RetypeVolume(ctx context.Context, _ string, _ backend.ProvisioningType, _ backend.MigrationPolicy) error {
	return s.enter(ctx)
}

func (s *stubDriver) ManageExisting(ctx context.Context, externalID string, req backend.ManageRequest) (*backend.Volume, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}

	return &backend.Volume{
		Handle:       backend.ReservedVolumePrefix + externalID,
		SizeGiB:      1,
		Provisioning: req.Provisioning,
		Backend:      s.name,
		Pool:         req.Pool,
	}, nil
}

func (s *stubDriver) Unmanage(ctx context.Context, _ string) error {
	return s.enter(ctx)
}

func (s *stubDriver) GetVolume(ctx context.Context, handle string) (*backend.Volume, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}

	return &backend.Volume{Handle: handle, SizeGiB: 1, Backend: s.name}, nil
}

func (s *stubDriver) GetCapacity(ctx context.Context, pool string) (*backend.PoolCapacity, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.capacityCalls++
	s.mu.Unlock()

	return &backend.PoolCapacity{Pool: pool, TotalGiB: 4096, FreeGiB: 1024}, nil
}

func (s *stubDriver) Ping(_ context.Context) error { return nil }

func (s *stubDriver) Capabilities() backend.Capabilities { return s.caps }

func (s *stubDriver) BackendName() string { return s.name }

func (s *stubDriver) Close() {}

var stubs = struct {
	sync.Mutex
	byName map[string]*stubDriver
}{byName: map[string]*stubDriver{}}

var _ = backend.RegisterProvider(backend.Provider{
	DriverType: "dispatchstub",
	Initializer: func(_ context.Context, desc backend.Descriptor) (backend.Driver, error) {
		drv := &stubDriver{name: desc.Name, caps: desc.Capabilities}

		stubs.Lock()
		stubs.byName[desc.Name] = drv
		stubs.Unlock()

		return drv, nil
	},
})

func stubDescriptor(name string) backend.Descriptor {
	return backend.Descriptor{
		Name:       name,
		DriverType: "dispatchstub",
		Endpoint:   "https://stub:8443",
		Transport:  backend.TransportRESTToken,
		Pools:      []backend.Pool{{Name: "P1", CapacityGiB: 4096}},
		Capabilities: backend.Capabilities{
			Thin: true,
		},
	}
}

func testConfig() *util.Config {
	return &util.Config{
		RetryInterval:  time.Millisecond,
		RetrySteps:     3,
		AttemptTimeout: 100 * time.Millisecond,
	}
}

// newTestDispatcher loads a registry with stub backends and returns the
// dispatcher plus the stub of each backend.
func newTestDispatcher(t *testing.T, sessions SessionResolver, names ...string) (*Dispatcher, map[string]*stubDriver) {
	t.Helper()

	descriptors := make([]backend.Descriptor, 0, len(names))
	for _, name := range names {
		descriptors = append(descriptors, stubDescriptor(name))
	}

	registry := backend.NewRegistry()
	require.NoError(t, registry.Load(context.TODO(), descriptors))
	t.Cleanup(registry.Close)

	drivers := make(map[string]*stubDriver, len(names))
	stubs.Lock()
	for _, name := range names {
		drivers[name] = stubs.byName[name]
	}
	stubs.Unlock()

	return NewDispatcher(registry, sessions, testConfig()), drivers
}

func TestDispatchCreateVolume(t *testing.T) {
	t.Parallel()
	ctx := context.TODO()
	d, drivers := newTestDispatcher(t, nil, "create-east")

	vol, err := d.CreateVolume(ctx, "create-east", backend.CreateVolumeRequest{
		Name: "db-data", SizeGiB: 10, Provisioning: backend.ProvisioningThin, Pool: "P1",
	})
	require.NoError(t, err)
	assert.Equal(t, "create-east", vol.Backend)

	// unsupported provisioning fails before the driver call and is final
	_, err = d.CreateVolume(ctx, "create-east", backend.CreateVolumeRequest{
		Name: "db-thick", SizeGiB: 10, Provisioning: backend.ProvisioningThick, Pool: "P1",
	})
	require.ErrorIs(t, err, backend.ErrUnsupportedProvisioning)
	assert.Equal(t, 1, drivers["create-east"].calls, "the rejected request must not reach the array")
}

func TestDispatchUnknownBackend(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, nil, "known-east")

	err := d.DeleteVolume(context.TODO(), "no-such-backend", "vpx-vol-1")
	require.ErrorIs(t, err, backend.ErrUnknownBackend)
}

func TestRetryRecoversTransientFailure(t *testing.T) {
	t.Parallel()
	d, drivers := newTestDispatcher(t, nil, "retry-east")
	drivers["retry-east"].transientLeft = 2

	err := d.DeleteVolume(context.TODO(), "retry-east", "vpx-vol-1")
	require.NoError(t, err)
	assert.Equal(t, 3, drivers["retry-east"].calls)
}

func TestRetryExhaustionNormalizesToTransportError(t *testing.T) {
	t.Parallel()
	d, drivers := newTestDispatcher(t, nil, "exhaust-east")
	drivers["exhaust-east"].transientLeft = 10

	err := d.DeleteVolume(context.TODO(), "exhaust-east", "vpx-vol-1")
	require.ErrorIs(t, err, backend.ErrTransport)
	assert.Equal(t, 3, drivers["exhaust-east"].calls, "the attempt budget bounds the retries")
}

func TestHungArraySurfacesOperationTimeout(t *testing.T) {
	t.Parallel()
	d, drivers := newTestDispatcher(t, nil, "hung-east")
	drivers["hung-east"].stall = true

	err := d.ExtendVolume(context.TODO(), "hung-east", "vpx-vol-1", 20)
	require.ErrorIs(t, err, backend.ErrOperationTimeout)
}

func TestConcurrentOperationsOnOneVolume(t *testing.T) {
	t.Parallel()
	ctx := context.TODO()
	d, drivers := newTestDispatcher(t, nil, "busy-east")

	release := make(chan struct{})
	drivers["busy-east"].block = release

	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		_, err := d.CreateSnapshot(ctx, "busy-east", "vpx-vol-1")
		assert.NoError(t, err)
	}()

	<-started
	// wait until the snapshot holds the volume lock
	require.Eventually(t, func() bool {
		drivers["busy-east"].mu.Lock()
		defer drivers["busy-east"].mu.Unlock()

		return drivers["busy-east"].calls == 1
	}, time.Second, time.Millisecond)

	err := d.DeleteVolume(ctx, "busy-east", "vpx-vol-1")
	require.ErrorIs(t, err, backend.ErrOperationPending)

	close(release)
	wg.Wait()

	// with the snapshot done the volume is free again
	require.NoError(t, d.DeleteVolume(ctx, "busy-east", "vpx-vol-1"))
}

type staticResolver struct {
	active map[string]string
}

func (r *staticResolver) ActiveBackendFor(handle string) (string, bool) {
	active, ok := r.active[handle]

	return active, ok
}

func TestFailedOverVolumeIsRerouted(t *testing.T) {
	t.Parallel()
	ctx := context.TODO()
	resolver := &staticResolver{active: map[string]string{
		"vpx-vol-replicated": "route-west",
	}}
	d, drivers := newTestDispatcher(t, resolver, "route-east", "route-west")

	// the caller still addresses the primary, the session says otherwise
	require.NoError(t, d.DeleteVolume(ctx, "route-east", "vpx-vol-replicated"))
	assert.Empty(t, drivers["route-east"].deleted)
	assert.Equal(t, []string{"vpx-vol-replicated"}, drivers["route-west"].deleted)

	// volumes outside the session stay where they were addressed
	require.NoError(t, d.DeleteVolume(ctx, "route-east", "vpx-vol-local"))
	assert.Equal(t, []string{"vpx-vol-local"}, drivers["route-east"].deleted)
}

func TestReroutedDeleteInvalidatesRoutedCapacity(t *testing.T) {
	t.Parallel()
	ctx := context.TODO()
	resolver := &staticResolver{active: map[string]string{
		"vpx-vol-replicated": "cache-west",
	}}
	d, drivers := newTestDispatcher(t, resolver, "cache-east", "cache-west")

	// warm the capacity cache of the failover target
	_, err := d.GetCapacity(ctx, "cache-west", "P1")
	require.NoError(t, err)
	assert.Equal(t, 1, drivers["cache-west"].capacityCalls)

	// the delete is addressed at the primary but lands on cache-west, whose
	// cached capacity report is stale now
	require.NoError(t, d.DeleteVolume(ctx, "cache-east", "vpx-vol-replicated"))

	_, err = d.GetCapacity(ctx, "cache-west", "P1")
	require.NoError(t, err)
	assert.Equal(t, 2, drivers["cache-west"].capacityCalls)
}

func TestCapacityIsCached(t *testing.T) {
	t.Parallel()
	ctx := context.TODO()
	d, drivers := newTestDispatcher(t, nil, "stats-east")

	for i := 0; i < 5; i++ {
		_, err := d.GetCapacity(ctx, "stats-east", "P1")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, drivers["stats-east"].capacityCalls)

	// creating a volume changes free space, the cache entry must go
	_, err := d.CreateVolume(ctx, "stats-east", backend.CreateVolumeRequest{
		Name: "db-data", SizeGiB: 10, Provisioning: backend.ProvisioningThin, Pool: "P1",
	})
	require.NoError(t, err)

	_, err = d.GetCapacity(ctx, "stats-east", "P1")
	require.NoError(t, err)
	assert.Equal(t, 2, drivers["stats-east"].capacityCalls)
}
