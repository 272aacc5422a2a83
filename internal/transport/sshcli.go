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
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/volmux/volmux/internal/util"
	"github.com/volmux/volmux/internal/util/log"

	"golang.org/x/crypto/ssh"
)

// Vendor CLI exit codes with object level meaning. Everything else nonzero
// is a hard vendor rejection.
const (
	cliExitNotFound = 2
	cliExitExists   = 3
)

// cliAdapter runs a vendor CLI over SSH, one exec session per Invoke on a
// pooled client connection. The CLI output is expected as key=value lines,
// with blank lines separating list records.
type cliAdapter struct {
	addr     string
	user     string
	password string
	pool     *SSHPool
}

// NewSSHCLI returns an adapter that tunnels the vendor CLI of the given
// array through SSH, sharing the client connection through pool.
func NewSSHCLI(cfg Config, pool *SSHPool) (Adapter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("missing endpoint for SSH CLI adapter")
	}
	if pool == nil {
		return nil, fmt.Errorf("missing SSH pool")
	}

	return &cliAdapter{
		addr:     cfg.Endpoint,
		user:     cfg.Username,
		password: cfg.Password,
		pool:     pool,
	}, nil
}

// buildCommand renders the request as a CLI invocation, parameters sorted
// for stable output.
func buildCommand(req *Request) string {
	args := make([]string, 0, len(req.Params)+1)
	args = append(args, req.Op)
	keys := make([]string, 0, len(req.Params))
	for k := range req.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k+"="+req.Params[k])
	}

	return strings.Join(args, " ")
}

func (c *cliAdapter) Invoke(ctx context.Context, req *Request) (*Response, error) {
	client, err := c.pool.Get(c.addr, c.user, c.password)
	if err != nil {
		return nil, err
	}
	defer c.pool.Put(client)

	cmd := buildCommand(req)
	log.DebugLog(ctx, "running CLI command: %s",
		strings.Join(util.StripSecretInArgs(strings.Split(cmd, " ")), " "))

	session, err := client.NewSession()
	if err != nil {
		return nil, MarkTransient(fmt.Errorf("failed to open SSH session to %s: %w", c.addr, err))
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, runErr := session.Output(cmd)
		done <- result{out: out, err: runErr}
	}()

	select {
	case <-ctx.Done():
		// the command has been sent, the array may already be executing
		// it. Stop waiting, status polling reconciles the actual state.
		return nil, MarkTransient(fmt.Errorf("gave up waiting for %s on %s: %w", req.Op, c.addr, ctx.Err()))
	case res := <-done:
		if res.err != nil {
			return nil, c.classifyRunError(req.Op, res.err)
		}

		return parseCLIOutput(res.out), nil
	}
}

func (c *cliAdapter) classifyRunError(op string, err error) error {
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		msg := strings.TrimSpace(exitErr.Msg())
		switch exitErr.ExitStatus() {
		case cliExitNotFound:
			return fmt.Errorf("%w: %s %s", ErrNotFound, op, msg)
		case cliExitExists:
			return fmt.Errorf("%w: %s %s", ErrExists, op, msg)
		default:
			return fmt.Errorf("CLI %s failed with exit %d: %s", op, exitErr.ExitStatus(), msg)
		}
	}

	// the session died under the command
	return MarkTransient(fmt.Errorf("CLI %s against %s aborted: %w", op, c.addr, err))
}

// parseCLIOutput turns key=value lines into a Response. The first block of
// lines becomes Fields, each further blank line separated block becomes one
// record.
func parseCLIOutput(out []byte) *Response {
	resp := &Response{Fields: map[string]string{}}

	current := resp.Fields
	first := true
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if len(current) > 0 && !first {
				resp.Records = append(resp.Records, current)
			}
			first = false
			current = map[string]string{}

			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		current[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if len(current) > 0 && !first {
		resp.Records = append(resp.Records, current)
	}

	return resp
}

func (c *cliAdapter) Ping(ctx context.Context) error {
	_, err := c.Invoke(ctx, &Request{Op: "ping"})

	return err
}

func (c *cliAdapter) Close() {
	// nothing held between invocations, the pool garbage collects the
	// shared client once it goes idle
}
