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

// Package transport contains the thin clients that speak to one storage
// array each. An adapter executes a single named operation and returns raw
// structured results, it knows nothing about volume lifecycle semantics.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// Request is one named operation for the array, with flat string
// parameters. The operation vocabulary is owned by the driver family.
type Request struct {
	Op     string
	Params map[string]string
}

// Response is the raw structured result of a request. Fields carries the
// scalar results, Records carries list results (one map per entry).
type Response struct {
	Fields  map[string]string   `json:"fields"`
	Records []map[string]string `json:"records,omitempty"`
}

// Adapter executes operations against one array over one connection style.
type Adapter interface {
	// Invoke executes a single named operation. Once the request has been
	// sent, it is not cancelled client side, the array may already be
	// executing it. Cancellation only stops the client side wait.
	Invoke(ctx context.Context, req *Request) (*Response, error)
	// Ping is a cheap reachability probe.
	Ping(ctx context.Context) error
	// Close releases the adapter's hold on its session. Sessions shared
	// through the pool stay alive while other holders remain.
	Close()
}

// Config carries the connection parameters an adapter needs.
type Config struct {
	Endpoint string
	Username string
	Password string
	Insecure bool
}

var (
	// ErrNotFound is returned when the addressed object does not exist on
	// the array. Never transient.
	ErrNotFound = errors.New("object not found on array")
	// ErrExists is returned when the array refuses to create an object that
	// is already there. Never transient.
	ErrExists = errors.New("object already exists on array")
)

// transientError marks an adapter failure as retryable.
type transientError struct {
	err error
}

func (e transientError) Error() string {
	return e.err.Error()
}

func (e transientError) Unwrap() error {
	return e.err
}

// MarkTransient wraps err so IsTransient reports it retryable.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}

	return transientError{err: err}
}

// IsTransient reports whether the dispatcher may retry after err. Transport
// level failures (timeouts, resets, refused connections, dropped streams)
// are transient, everything else is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te transientError
	if errors.As(err, &te) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	// a connection that died mid response
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}

	return false
}
