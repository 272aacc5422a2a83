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
	"errors"
	"fmt"

	"github.com/hashicorp/vault/api"
)

// Credentials hold the array login of one backend. The password is either
// inline in the descriptor or referenced from a Vault KV secret, never both.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`

	// VaultAddress, VaultSecretPath and VaultField reference the password
	// in a Vault KV secret instead of carrying it inline.
	VaultAddress    string `json:"vaultAddress,omitempty"`
	VaultSecretPath string `json:"vaultSecretPath,omitempty"`
	VaultField      string `json:"vaultField,omitempty"`
}

// String implements fmt.Stringer so that a descriptor dumped into a log
// never carries the password.
func (c Credentials) String() string {
	return fmt.Sprintf("{Username:%s Password:***stripped***}", c.Username)
}

// Resolve returns the username and password to log in with, reading the
// password from Vault when the descriptor references one.
func (c Credentials) Resolve() (string, string, error) {
	if c.Username == "" {
		return "", "", errors.New("missing username in backend credentials")
	}
	if c.VaultSecretPath == "" {
		if c.Password == "" {
			return "", "", errors.New("missing password in backend credentials")
		}

		return c.Username, c.Password, nil
	}

	password, err := c.vaultPassword()
	if err != nil {
		return "", "", fmt.Errorf("failed to read password from vault: %w", err)
	}

	return c.Username, password, nil
}

func (c Credentials) vaultPassword() (string, error) {
	config := api.DefaultConfig()
	if c.VaultAddress != "" {
		config.Address = c.VaultAddress
	}
	client, err := api.NewClient(config)
	if err != nil {
		return "", err
	}

	secret, err := client.Logical().Read(c.VaultSecretPath)
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("no secret at %q", c.VaultSecretPath)
	}

	data := secret.Data
	// KV v2 nests the fields one level deeper
	if nested, ok := secret.Data["data"].(map[string]interface{}); ok {
		data = nested
	}

	field := c.VaultField
	if field == "" {
		field = "password"
	}
	password, ok := data[field].(string)
	if !ok || password == "" {
		return "", fmt.Errorf("secret at %q has no usable field %q", c.VaultSecretPath, field)
	}

	return password, nil
}
