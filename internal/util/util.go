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

package util

import (
	"context"
	"math"
	"time"

	"github.com/volmux/volmux/internal/util/log"

	"github.com/google/uuid"
)

const (
	// MiB is a mebibyte in bytes.
	MiB int64 = 1024 * 1024
	// GiB is a gibibyte in bytes.
	GiB int64 = 1024 * MiB
)

var (
	// DriverVersion is set at build time through -ldflags.
	DriverVersion string
	// GitCommit is set at build time through -ldflags.
	GitCommit string
)

// Config holds the command line options of the volmux daemon.
type Config struct {
	ConfigFile   string // path to the backend descriptor config file
	SessionStore string // directory where replication session records are kept

	// metrics related flags
	MetricsPath string // path of prometheus endpoint where metrics will be available
	MetricsIP   string // TCP IP for metrics requests
	MetricsPort int    // TCP port for metrics requests

	// dispatcher retry policy
	RetryInterval  time.Duration // initial backoff between retries of a transient failure
	RetrySteps     int           // maximum number of attempts per operation
	AttemptTimeout time.Duration // timeout applied per attempt, not per logical operation

	PollTime time.Duration // interval between backend capacity polls

	EnableProfiling bool // flag to enable profiling
	Version         bool // volmux version
}

// RoundOffBytesToGiB converts a byte count as reported by an array into whole
// GiB, rounding up. Most vendors only accept whole-GiB volume sizes.
func RoundOffBytesToGiB(bytes int64) int64 {
	if bytes <= 0 {
		return 0
	}

	return int64(math.Ceil(float64(bytes) / float64(GiB)))
}

// GiBToBytes converts a whole-GiB volume size into bytes.
func GiBToBytes(sizeGiB int64) int64 {
	return sizeGiB * GiB
}

// NewOperationContext derives a context carrying a fresh request ID and the
// backend name, used by the context aware log functions.
func NewOperationContext(ctx context.Context, backendName string) context.Context {
	ctx = context.WithValue(ctx, log.CtxKey, backendName)

	return context.WithValue(ctx, log.ReqID, uuid.New().String())
}
