// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool limits the number of goroutines used to evaluate parallel loops.
//
// A Pool is shared by all executions of a backend: when the workers are busy, work is executed inline by the
// caller, so nested or concurrent parallel loops never wait on each other.
package workerspool

import (
	"runtime"
	"sync"

	"github.com/gomlx/exceptions"
)

// Pool of workers.
type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	maxParallelism int
	mu             sync.Mutex
	numRunning     int
}

// New returns a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	return &Pool{maxParallelism: runtime.NumCPU()}
}

// IsEnabled returns whether parallelism is enabled (maxParallelism is != 0)
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0)
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism is a soft-target for parallelism.
// If set to 0 parallelism is disabled.
// If set to -1 parallelism is unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism.
//
// You should only change the parallelism before any workers start running. If changed during the execution
// the behavior is undefined.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// NumRunning returns the number of tasks currently running in the pool goroutines.
func (w *Pool) NumRunning() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.numRunning
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// StartIfAvailable runs the task in a separate goroutine, if there are enough workers left.
// It returns true if it found workers to run the function, false otherwise.
//
// It's up to the client to synchronize the end of the function execution.
func (w *Pool) StartIfAvailable(task func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lockedIsFull() {
		return false
	}
	w.numRunning++
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.mu.Unlock()
		}()
		task()
	}()
	return true
}

// numChunks returns in how many chunks to split a loop of n iterations.
func (w *Pool) numChunks(n int) int {
	chunks := w.maxParallelism
	if w.IsUnlimited() {
		chunks = runtime.NumCPU()
	}
	return max(1, min(chunks, n))
}

// Chunks splits the range [0, n) in contiguous chunks and calls fn(start, end) for each of them. Chunks are run in
// the pool goroutines when workers are available, and inline otherwise. It returns once all chunks are finished.
//
// If fn panics, the first panic is re-raised in the caller, after all chunks finished.
func (w *Pool) Chunks(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	numChunks := w.numChunks(n)
	if numChunks == 1 {
		fn(0, n)
		return
	}
	chunkSize := (n + numChunks - 1) / numChunks
	var (
		wg         sync.WaitGroup
		muPanic    sync.Mutex
		firstPanic any
	)
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		wg.Add(1)
		task := func() {
			defer wg.Done()
			if exception := exceptions.Try(func() { fn(start, end) }); exception != nil {
				muPanic.Lock()
				if firstPanic == nil {
					firstPanic = exception
				}
				muPanic.Unlock()
			}
		}
		if end == n || !w.StartIfAvailable(task) {
			// The last chunk, or chunks for which no worker is available, run in the caller goroutine.
			task()
		}
	}
	wg.Wait()
	if firstPanic != nil {
		panic(firstPanic)
	}
}
