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
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"

	"github.com/volmux/volmux/internal/util/log"
)

// AuthStyle selects how a REST array authenticates a session.
type AuthStyle string

const (
	// AuthToken logs in once and passes the token in a request header.
	AuthToken AuthStyle = "token"
	// AuthSession logs in once and relies on a session cookie.
	AuthSession AuthStyle = "session-cookie"

	authTokenHeader = "X-Auth-Token"
	loginPath       = "/api/login"
	opPathPrefix    = "/api/"
	pingOp          = "system.ping"
)

// restAdapter speaks HTTPS/REST to one array. It owns its session lifecycle:
// login happens lazily on the first request and once more when the array
// reports the session expired.
type restAdapter struct {
	endpoint string
	username string
	password string
	style    AuthStyle
	client   *http.Client

	mu       sync.Mutex
	token    string
	loggedIn bool
}

// NewREST returns a REST adapter for the given array.
func NewREST(cfg Config, style AuthStyle) (Adapter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("missing endpoint for REST adapter")
	}

	httpTransport := &http.Transport{}
	if cfg.Insecure {
		// some arrays only ship self-signed management certificates
		httpTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec:G402
	}
	client := &http.Client{
		Transport: httpTransport,
		Timeout:   0, // per attempt timeouts come from the request context
	}
	if style == AuthSession {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		client.Jar = jar
	}

	return &restAdapter{
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		username: cfg.Username,
		password: cfg.Password,
		style:    style,
		client:   client,
	}, nil
}

func (r *restAdapter) login(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"username": r.username,
		"password": r.password,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+loginPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return MarkTransient(fmt.Errorf("login to %s failed: %w", r.endpoint, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp.StatusCode, "login rejected")
	}

	if r.style == AuthToken {
		var result struct {
			Token string `json:"token"`
		}
		if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return MarkTransient(fmt.Errorf("undecodable login response: %w", err))
		}
		if result.Token == "" {
			return fmt.Errorf("login response from %s carried no token", r.endpoint)
		}
		r.token = result.Token
	}
	// AuthSession needs nothing further, the cookie jar holds the session
	r.loggedIn = true

	log.DebugLogMsg("logged in to %s (%s auth)", r.endpoint, r.style)

	return nil
}

func (r *restAdapter) Invoke(ctx context.Context, req *Request) (*Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.loggedIn {
		if err := r.login(ctx); err != nil {
			return nil, err
		}
	}

	resp, retry, err := r.do(ctx, req)
	if retry {
		// the session expired, log in again and replay once
		r.token = ""
		r.loggedIn = false
		if err = r.login(ctx); err != nil {
			return nil, err
		}
		resp, retry, err = r.do(ctx, req)
		if retry {
			// a 401 on a fresh session means the account itself is
			// rejected, not that the session expired
			return nil, fmt.Errorf("%s rejected the credentials for %s", r.endpoint, r.username)
		}
	}

	return resp, err
}

// do executes the request once. The middle return value asks the caller to
// re-login and replay, it is only set for an authentication failure.
func (r *restAdapter) do(ctx context.Context, req *Request) (*Response, bool, error) {
	body, err := json.Marshal(req.Params)
	if err != nil {
		return nil, false, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.endpoint+opPathPrefix+req.Op, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.style == AuthToken {
		httpReq.Header.Set(authTokenHeader, r.token)
	}

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, false, MarkTransient(fmt.Errorf("%s against %s failed: %w", req.Op, r.endpoint, err))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusUnauthorized {
		return nil, true, nil
	}
	if httpResp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))

		return nil, false, classifyStatus(httpResp.StatusCode, string(msg))
	}

	result := &Response{}
	if err = json.NewDecoder(httpResp.Body).Decode(result); err != nil {
		return nil, false, MarkTransient(fmt.Errorf("undecodable response for %s: %w", req.Op, err))
	}
	if result.Fields == nil {
		result.Fields = map[string]string{}
	}

	return result, false, nil
}

// classifyStatus maps an HTTP error status onto the adapter error model:
// 404/409 carry object level meaning, 429 and 5xx mean the array is
// temporarily unable and are worth retrying, anything else is a hard vendor
// rejection.
func classifyStatus(status int, msg string) error {
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case status == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrExists, msg)
	case status == http.StatusTooManyRequests || status >= 500:
		return MarkTransient(fmt.Errorf("array returned HTTP %d: %s", status, msg))
	default:
		return fmt.Errorf("array returned HTTP %d: %s", status, msg)
	}
}

func (r *restAdapter) Ping(ctx context.Context) error {
	_, err := r.Invoke(ctx, &Request{Op: pingOp})

	return err
}

func (r *restAdapter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token = ""
	r.loggedIn = false
	r.client.CloseIdleConnections()
}
