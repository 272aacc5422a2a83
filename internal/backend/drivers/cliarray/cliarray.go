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

// Package cliarray is the vendor family for arrays that only offer a
// management CLI over SSH. All backends of this family share one SSH
// connection pool, arrays of this class tend to cap concurrent management
// logins aggressively.
package cliarray

import (
	"context"
	"fmt"
	"time"

	"github.com/volmux/volmux/internal/backend"
	"github.com/volmux/volmux/internal/backend/drivers"
	"github.com/volmux/volmux/internal/transport"
)

// DriverType is the value of Descriptor.DriverType that selects this family.
const DriverType = "cliarray"

const (
	poolGCInterval = 15 * time.Minute
	poolExpiry     = 10 * time.Minute
)

// sshPool is shared by all cliarray backends in the process.
var sshPool = transport.NewSSHPool(poolGCInterval, poolExpiry)

// cliOps is the command vocabulary of the CLI arrays.
var cliOps = drivers.OpSet{
	CreateVolume:       "mkvol",
	DeleteVolume:       "rmvol",
	ExtendVolume:       "expandvol",
	AttachVolume:       "mapvol",
	DetachVolume:       "unmapvol",
	CreateSnapshot:     "mksnap",
	DeleteSnapshot:     "rmsnap",
	GetSnapshot:        "lssnap",
	CreateFromSnapshot: "restoresnap",
	CloneVolume:        "mkclone",
	RetypeVolume:       "chvoltype",
	MigrateVolume:      "movevol",
	RenameVolume:       "chvolname",
	GetVolume:          "lsvol",
	ListVolumes:        "lsvols",
	GetCapacity:        "lspool",
}

var _ = backend.RegisterProvider(backend.Provider{
	DriverType:  DriverType,
	Initializer: New,
})

// New connects the SSH CLI adapter for the backend and wraps it in the
// shared lifecycle driver.
func New(_ context.Context, desc backend.Descriptor) (backend.Driver, error) {
	if desc.Transport != backend.TransportSSHCLI {
		return nil, fmt.Errorf("backend %q: driver type %s cannot use transport %q",
			desc.Name, DriverType, desc.Transport)
	}

	username, password, err := desc.Credentials.Resolve()
	if err != nil {
		return nil, fmt.Errorf("backend %q: %w", desc.Name, err)
	}

	adapter, err := transport.NewSSHCLI(transport.Config{
		Endpoint: desc.Endpoint,
		Username: username,
		Password: password,
	}, sshPool)
	if err != nil {
		return nil, fmt.Errorf("backend %q: %w", desc.Name, err)
	}

	return drivers.NewArrayDriver(desc, adapter, cliOps), nil
}
