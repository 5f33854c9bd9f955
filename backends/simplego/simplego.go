// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simplego implements a simple and very portable backend for einsum programs: a pure Go interpreter of
// the program language.
//
// Programs are parsed, type-checked and converted to a tree of Go closures specialized on the element dtype of the
// program. The outermost loop of a program is split among a pool of goroutines.
//
// Configuration is a comma-separated list of options:
//
//   - parallelism=<n>: maximum number of goroutines used per loop. 0 disables parallelism, -1 is unlimited.
//     It defaults to runtime.NumCPU().
//   - memory_limit=<size>: maximum memory an execution may allocate, e.g. "512MiB". 0 (the default) is unlimited.
//   - min_parallel_size=<n>: loops with fewer iterations are never split. Default is DefaultMinParallelSize.
//
// Example: backends.NewWithConfig("go:parallelism=4,memory_limit=1GiB")
package simplego

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/lazylife7157/knut/backends"
	"github.com/lazylife7157/knut/internal/workerspool"
)

// BackendName to be used in KNUT_BACKEND to specify this backend.
const BackendName = "go"

// DefaultMinParallelSize is the default minimum number of iterations of a loop to be split in parallel.
const DefaultMinParallelSize = 16

// Registers New() as the default constructor for "go" backend.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a new SimpleGo Backend. See package documentation for the configuration options.
func New(config string) (backends.Backend, error) {
	return NewBackend(config)
}

// NewBackend is like New, but returns the concrete type.
func NewBackend(config string) (*Backend, error) {
	b := &Backend{
		pool:            workerspool.New(),
		minParallelSize: DefaultMinParallelSize,
	}
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return nil, errors.Errorf("invalid configuration option %q for SimpleGo (go) backend, expected key=value", part)
		}
		switch key {
		case "parallelism":
			parallelism, err := strconv.Atoi(value)
			if err != nil || parallelism < -1 {
				return nil, errors.Errorf("invalid parallelism %q for SimpleGo (go) backend", value)
			}
			b.pool.SetMaxParallelism(parallelism)
		case "memory_limit":
			limit, err := humanize.ParseBytes(value)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid memory_limit %q for SimpleGo (go) backend", value)
			}
			b.memoryLimit = limit
		case "min_parallel_size":
			size, err := strconv.Atoi(value)
			if err != nil || size < 1 {
				return nil, errors.Errorf("invalid min_parallel_size %q for SimpleGo (go) backend", value)
			}
			b.minParallelSize = size
		default:
			return nil, errors.Errorf("unknown configuration option %q for SimpleGo (go) backend", key)
		}
	}
	klog.V(1).Infof("SimpleGo backend: parallelism=%d, memory_limit=%s, min_parallel_size=%d",
		b.pool.MaxParallelism(), humanize.Bytes(b.memoryLimit), b.minParallelSize)
	return b, nil
}

// Backend implements the backends.Backend interface.
type Backend struct {
	pool            *workerspool.Pool
	memoryLimit     uint64
	minParallelSize int
	finalized       atomic.Bool
}

// Compile-time check that simplego.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// Name returns the short name of the backend.
func (b *Backend) Name() string {
	return "SimpleGo (go)"
}

// String implement backends.Backend.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return "Simple Go Portable Interpreter"
}

// Parallelism returns the maximum number of goroutines used per loop: 0 if disabled, -1 if unlimited.
func (b *Backend) Parallelism() int { return b.pool.MaxParallelism() }

// MemoryLimit returns the maximum number of bytes an execution may allocate, 0 if unlimited.
func (b *Backend) MemoryLimit() uint64 { return b.memoryLimit }

// Finalize releases all the associated resources immediately, and makes the backend invalid.
func (b *Backend) Finalize() {
	b.finalized.Store(true)
}

func (b *Backend) checkOk() error {
	if b == nil || b.finalized.Load() {
		return errors.New("SimpleGo (go) backend is nil or finalized")
	}
	return nil
}
