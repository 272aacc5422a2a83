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

// Package restarray is the vendor family for arrays managed over an
// HTTPS/REST API, covering both token and session-cookie authentication.
package restarray

import (
	"context"
	"fmt"

	"github.com/volmux/volmux/internal/backend"
	"github.com/volmux/volmux/internal/backend/drivers"
	"github.com/volmux/volmux/internal/transport"
)

// DriverType is the value of Descriptor.DriverType that selects this family.
const DriverType = "restarray"

// restOps is the dotted resource vocabulary REST arrays expose.
var restOps = drivers.OpSet{
	CreateVolume:       "volume.create",
	DeleteVolume:       "volume.delete",
	ExtendVolume:       "volume.extend",
	AttachVolume:       "volume.attach",
	DetachVolume:       "volume.detach",
	CreateSnapshot:     "snapshot.create",
	DeleteSnapshot:     "snapshot.delete",
	GetSnapshot:        "snapshot.get",
	CreateFromSnapshot: "volume.createFromSnapshot",
	CloneVolume:        "volume.clone",
	RetypeVolume:       "volume.retype",
	MigrateVolume:      "volume.migrate",
	RenameVolume:       "volume.rename",
	GetVolume:          "volume.get",
	ListVolumes:        "volume.list",
	GetCapacity:        "pool.capacity",
}

var _ = backend.RegisterProvider(backend.Provider{
	DriverType:  DriverType,
	Initializer: New,
})

// New connects the REST adapter for the backend and wraps it in the shared
// lifecycle driver.
func New(_ context.Context, desc backend.Descriptor) (backend.Driver, error) {
	var style transport.AuthStyle
	switch desc.Transport {
	case backend.TransportRESTToken:
		style = transport.AuthToken
	case backend.TransportRESTSession:
		style = transport.AuthSession
	default:
		return nil, fmt.Errorf("backend %q: driver type %s cannot use transport %q",
			desc.Name, DriverType, desc.Transport)
	}

	username, password, err := desc.Credentials.Resolve()
	if err != nil {
		return nil, fmt.Errorf("backend %q: %w", desc.Name, err)
	}

	adapter, err := transport.NewREST(transport.Config{
		Endpoint: desc.Endpoint,
		Username: username,
		Password: password,
		Insecure: desc.Insecure,
	}, style)
	if err != nil {
		return nil, fmt.Errorf("backend %q: %w", desc.Name, err)
	}

	return drivers.NewArrayDriver(desc, adapter, restOps), nil
}
