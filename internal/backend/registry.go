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

package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/volmux/volmux/internal/util"
	"github.com/volmux/volmux/internal/util/log"
)

// ProviderInitFunc gets called when a new driver instance for a backend is
// required.
type ProviderInitFunc func(ctx context.Context, desc Descriptor) (Driver, error)

// Provider ties a driver type name to its initializer. Vendor family
// packages register themselves at init() time.
type Provider struct {
	// DriverType matches Descriptor.DriverType.
	DriverType  string
	Initializer ProviderInitFunc
}

type providerList struct {
	mux       sync.Mutex
	providers map[string]Provider
}

// driverProviders is the process wide table of registered vendor families.
var driverProviders = providerList{providers: map[string]Provider{}}

// RegisterProvider registers the given vendor family Provider. The
// Initializer gets called whenever a backend of that driver type is loaded.
func RegisterProvider(provider Provider) bool {
	if provider.DriverType == "" {
		panic("a provider MUST set a DriverType")
	}
	if provider.Initializer == nil {
		panic("a provider MUST set an Initializer")
	}

	driverProviders.mux.Lock()
	defer driverProviders.mux.Unlock()

	_, ok := driverProviders.providers[provider.DriverType]
	if ok {
		panic("duplicate registration of Provider.DriverType: " + provider.DriverType)
	}
	driverProviders.providers[provider.DriverType] = provider

	return true
}

func getProvider(driverType string) (Provider, error) {
	driverProviders.mux.Lock()
	defer driverProviders.mux.Unlock()

	provider, ok := driverProviders.providers[driverType]
	if !ok {
		return Provider{}, fmt.Errorf("no driver registered for type %q", driverType)
	}

	return provider, nil
}

// Registry maps configured backend names to instantiated drivers. Load
// replaces the whole table at once, so a reload never leaves the registry
// half old and half new. Drivers handed out before a reload stay usable
// until their in-flight operations return, their transport sessions are
// refcounted by the session pool.
type Registry struct {
	mux         sync.RWMutex
	drivers     map[string]Driver
	descriptors map[string]Descriptor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		drivers:     map[string]Driver{},
		descriptors: map[string]Descriptor{},
	}
}

// Load instantiates a driver for every descriptor and swaps the table.
// On any initialization failure, nothing is swapped and the freshly created
// drivers are closed again.
func (r *Registry) Load(ctx context.Context, descriptors []Descriptor) error {
	fresh := make(map[string]Driver, len(descriptors))
	freshDescs := make(map[string]Descriptor, len(descriptors))

	for i := range descriptors {
		desc := descriptors[i]
		provider, err := getProvider(desc.DriverType)
		if err != nil {
			closeAll(fresh)

			return fmt.Errorf("backend %q: %w", desc.Name, err)
		}

		drv, err := provider.Initializer(ctx, desc)
		if err != nil {
			closeAll(fresh)

			return fmt.Errorf("backend %q: driver initialization failed: %w", desc.Name, err)
		}
		fresh[desc.Name] = drv
		freshDescs[desc.Name] = desc
		log.DefaultLog("registered backend %q (driver type %q, transport %q)",
			desc.Name, desc.DriverType, desc.Transport)
	}

	r.mux.Lock()
	old := r.drivers
	r.drivers = fresh
	r.descriptors = freshDescs
	r.mux.Unlock()

	closeAll(old)

	return nil
}

func closeAll(drivers map[string]Driver) {
	for _, drv := range drivers {
		drv.Close()
	}
}

// Get resolves a backend name to its driver.
func (r *Registry) Get(name string) (Driver, error) {
	r.mux.RLock()
	defer r.mux.RUnlock()

	drv, ok := r.drivers[name]
	if !ok {
		return nil, util.JoinErrors(ErrUnknownBackend, fmt.Errorf("no backend named %q", name))
	}

	return drv, nil
}

// Descriptor returns the configuration the named backend was loaded from.
func (r *Registry) Descriptor(name string) (Descriptor, error) {
	r.mux.RLock()
	defer r.mux.RUnlock()

	desc, ok := r.descriptors[name]
	if !ok {
		return Descriptor{}, util.JoinErrors(ErrUnknownBackend, fmt.Errorf("no backend named %q", name))
	}

	return desc, nil
}

// Names returns the names of all configured backends.
func (r *Registry) Names() []string {
	r.mux.RLock()
	defer r.mux.RUnlock()

	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}

	return names
}

// Close tears down every driver in the registry.
func (r *Registry) Close() {
	r.mux.Lock()
	old := r.drivers
	r.drivers = map[string]Driver{}
	r.descriptors = map[string]Descriptor{}
	r.mux.Unlock()

	closeAll(old)
}
