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
	"encoding/json"
	"fmt"
	"os"
)

// TransportKind selects the connection style of a backend.
type TransportKind string

const (
	// TransportRESTToken is HTTPS/REST with token auth.
	TransportRESTToken TransportKind = "rest-token"
	// TransportRESTSession is HTTPS/REST with session-cookie auth.
	TransportRESTSession TransportKind = "rest-session"
	// TransportSSHCLI is a vendor CLI tunneled over SSH.
	TransportSSHCLI TransportKind = "ssh-cli"
)

// Pool is one allocation pool offered by a backend.
type Pool struct {
	Name string `json:"name"`
	// CapacityGiB is the configured raw capacity, the live value comes from
	// the array through GetCapacity.
	CapacityGiB int64 `json:"capacityGiB"`
}

// Descriptor is the static configuration of one backend. It is immutable
// after load, a reconfiguration replaces the whole descriptor so in-flight
// operations never observe a partial update.
type Descriptor struct {
	// Name is the unique backend name operations are routed by.
	Name string `json:"name"`
	// DriverType selects the vendor family driver, e.g. "restarray".
	DriverType string `json:"driverType"`
	// Endpoint is the management address of the array.
	Endpoint string `json:"endpoint"`
	// Transport selects the connection style.
	Transport   TransportKind `json:"transport"`
	Credentials Credentials   `json:"credentials"`
	// Insecure skips TLS verification for REST transports. Some arrays only
	// ship self-signed management certificates.
	Insecure bool `json:"insecure,omitempty"`

	Pools        []Pool       `json:"pools"`
	Capabilities Capabilities `json:"capabilities"`

	// ReplicationTargets lists the backend names this backend can mirror
	// to.
	ReplicationTargets []string `json:"replicationTargets,omitempty"`
}

// HasPool reports whether the descriptor declares the named pool.
func (d *Descriptor) HasPool(name string) bool {
	for _, p := range d.Pools {
		if p.Name == name {
			return true
		}
	}

	return false
}

// Validate checks the descriptor for the fields every driver needs.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("backend descriptor without a name")
	}
	if d.DriverType == "" {
		return fmt.Errorf("backend %q: missing driverType", d.Name)
	}
	if d.Endpoint == "" {
		return fmt.Errorf("backend %q: missing endpoint", d.Name)
	}
	switch d.Transport {
	case TransportRESTToken, TransportRESTSession, TransportSSHCLI:
	default:
		return fmt.Errorf("backend %q: unknown transport %q", d.Name, d.Transport)
	}
	if len(d.Pools) == 0 {
		return fmt.Errorf("backend %q: no pools configured", d.Name)
	}

	return nil
}

// LoadDescriptors reads the backend descriptor config file. Expected JSON
// structure in the passed in config file is,
//
//	[{
//	    "name": "array-east-1",
//	    "driverType": "restarray",
//	    "endpoint": "https://10.0.0.5:8443",
//	    "transport": "rest-token",
//	    "credentials": {"username": "admin", "password": "..."},
//	    "pools": [{"name": "P1", "capacityGiB": 4096}],
//	    "capabilities": {"thin": true, "thick": true, "snapshotBlocksExtend": true},
//	    "replicationTargets": ["array-west-1"]
//	}]
func LoadDescriptors(pathToConfig string) ([]Descriptor, error) {
	// #nosec
	content, err := os.ReadFile(pathToConfig)
	if err != nil {
		return nil, fmt.Errorf("error fetching backend configuration: %w", err)
	}

	var descriptors []Descriptor
	err = json.Unmarshal(content, &descriptors)
	if err != nil {
		return nil, fmt.Errorf("unmarshal of %q failed: %w", pathToConfig, err)
	}

	seen := make(map[string]struct{}, len(descriptors))
	for i := range descriptors {
		if err := descriptors[i].Validate(); err != nil {
			return nil, err
		}
		if _, ok := seen[descriptors[i].Name]; ok {
			return nil, fmt.Errorf("duplicate backend name %q in config", descriptors[i].Name)
		}
		seen[descriptors[i].Name] = struct{}{}
	}

	return descriptors, nil
}
