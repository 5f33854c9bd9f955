// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"

	"github.com/lazylife7157/knut/backends"
)

// Context implements backends.Context: it accounts the memory allocated by an execution, and enforces the
// backend memory limit.
type Context struct {
	backend *Backend
	id      string
	limit   uint64
	usage   atomic.Uint64
	inUse   atomic.Bool
}

// Compile-time check.
var _ backends.Context = (*Context)(nil)

// NewContext implements backends.Backend.
func (b *Backend) NewContext() (backends.Context, error) {
	if err := b.checkOk(); err != nil {
		return nil, err
	}
	return &Context{backend: b, id: uuid.NewString(), limit: b.memoryLimit}, nil
}

// ID implements backends.Context.
func (ctx *Context) ID() string { return ctx.id }

// MemoryUsage implements backends.Context.
func (ctx *Context) MemoryUsage() uint64 { return ctx.usage.Load() }

// Reset implements backends.Context.
func (ctx *Context) Reset() { ctx.usage.Store(0) }

// Finalize implements backends.Context.
func (ctx *Context) Finalize() {
	ctx.backend = nil
}

// allocate accounts for bytes newly allocated by the execution, and panics if the memory limit is exceeded.
// It is safe to call concurrently.
func (ctx *Context) allocate(bytes uint64) {
	usage := ctx.usage.Add(bytes)
	if ctx.limit > 0 && usage > ctx.limit {
		exceptions.Panicf("execution exceeded memory limit of %s (requested %s, total %s)",
			humanize.Bytes(ctx.limit), humanize.Bytes(bytes), humanize.Bytes(usage))
	}
}
