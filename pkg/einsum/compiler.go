// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package einsum

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options configure the compilation of einsum equations.
type Options struct {
	// AllowInconsistentDimensions disables the check that a label used more than once has always the same
	// dimension: the last dimension seen silently wins.
	AllowInconsistentDimensions bool

	// DisableCache disables the cache of compiled programs.
	DisableCache bool

	// MaxCacheSize is the maximum number of compiled programs kept by a Compiler, and of backend executables
	// kept by an Evaluator. Once full, the least recently used entry is evicted. Set it to -1 for an unlimited
	// cache size.
	MaxCacheSize int
}

// DefaultMaxCacheSize is the default value of Options.MaxCacheSize.
//
// Each different combination of equation, operands' dimensions and dtype takes one entry: if the sizes of
// the operands vary a lot, consider increasing it.
const DefaultMaxCacheSize = 32

// Option modifies Options.
type Option func(opts *Options)

// WithAllowInconsistentDimensions sets Options.AllowInconsistentDimensions.
func WithAllowInconsistentDimensions(allow bool) Option {
	return func(opts *Options) { opts.AllowInconsistentDimensions = allow }
}

// WithCache enables or disables the cache of compiled programs. It is enabled by default.
func WithCache(enabled bool) Option {
	return func(opts *Options) { opts.DisableCache = !enabled }
}

// WithMaxCacheSize sets Options.MaxCacheSize. Set it to -1 for an unlimited cache size.
func WithMaxCacheSize(maxCacheSize int) Option {
	return func(opts *Options) { opts.MaxCacheSize = maxCacheSize }
}

// Compiled is the result of compiling an einsum equation for a given set of operand shapes and dtype.
//
// Spec and Program are shared by all the compilations of the same equation, dimensions and dtype, and must not
// be modified. Dims and OutputShape are copies owned by the caller.
type Compiled struct {
	Spec        *EquationSpec
	Dims        DimensionMap
	Program     *Program
	OutputShape []int
}

// Compiler translates einsum equations into programs.
//
// It holds the Validator and an optional cache of compiled programs, keyed by the equation, the operands'
// dimensions and the dtype. It is safe for concurrent use.
type Compiler struct {
	validator *Validator
	options   Options
	cache     *lruCache[*Compiled] // cacheKey -> *Compiled
}

// NewCompiler returns a new Compiler configured with the given options.
func NewCompiler(opts ...Option) *Compiler {
	c := &Compiler{validator: NewValidator(), options: Options{MaxCacheSize: DefaultMaxCacheSize}}
	for _, opt := range opts {
		opt(&c.options)
	}
	cacheSize := c.options.MaxCacheSize
	if c.options.DisableCache {
		cacheSize = 0
	}
	c.cache = newLRUCache[*Compiled](cacheSize, nil)
	return c
}

// CacheSize returns the number of compiled programs currently cached.
func (c *Compiler) CacheSize() int { return c.cache.Len() }

// clone returns a copy of the compiled program whose Dims and OutputShape can be modified.
func (compiled *Compiled) clone() *Compiled {
	return &Compiled{
		Spec:        compiled.Spec,
		Dims:        maps.Clone(compiled.Dims),
		Program:     compiled.Program,
		OutputShape: slices.Clone(compiled.OutputShape),
	}
}

// Options returns the options the Compiler was configured with.
func (c *Compiler) Options() Options { return c.options }

func cacheKey(equation string, dtype dtypes.DType, operandsDims [][]int) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(equation))
	fmt.Fprintf(&sb, "|%d", dtype)
	for _, dims := range operandsDims {
		fmt.Fprintf(&sb, "|%v", dims)
	}
	return sb.String()
}

// Compile parses and validates the equation, resolves the dimensions of the axes from the operands'
// dimensions (one slice per operand) and builds the program for the given element dtype.
//
// Errors are *MalformedEquationError, *ShapeMismatchError, *InconsistentDimensionError or *UnsupportedDTypeError.
func (c *Compiler) Compile(equation string, dtype dtypes.DType, operandsDims ...[]int) (*Compiled, error) {
	key := cacheKey(equation, dtype, operandsDims)
	if cached, found := c.cache.Load(key); found {
		return cached.clone(), nil
	}
	if _, err := WeldScalarName(dtype); err != nil {
		return nil, err
	}
	if dtype == dtypes.Bool {
		return nil, &UnsupportedDTypeError{DType: dtype}
	}
	spec, err := c.validator.Parse(equation, len(operandsDims))
	if err != nil {
		return nil, err
	}
	dims, err := ResolveDimensions(spec, operandsDims, c.options)
	if err != nil {
		return nil, errors.WithMessagef(err, "einsum %q", spec.Equation)
	}
	program, outputShape := CompileProgram(spec, dims, dtype)
	compiled := &Compiled{
		Spec:        spec,
		Dims:        dims,
		Program:     program,
		OutputShape: outputShape,
	}
	klog.V(1).Infof("einsum %q compiled: dims=%s, output shape=%v", spec.Equation, dims, outputShape)
	if klog.V(2).Enabled() {
		klog.Infof("einsum %q program:\n%s\n", spec.Equation, program)
	}
	compiled, _, _ = c.cache.LoadOrStore(key, compiled)
	return compiled.clone(), nil
}
