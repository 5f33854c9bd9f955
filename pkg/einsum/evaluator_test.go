// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package einsum

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"k8s.io/klog/v2"

	"github.com/lazylife7157/knut/backends"
	"github.com/lazylife7157/knut/backends/simplego"
	"github.com/lazylife7157/knut/pkg/core/tensors"
)

func init() {
	klog.InitFlags(nil)
}

func TestMain(m *testing.M) {
	if os.Getenv(backends.ConfigEnvVar) == "" {
		must.M(os.Setenv(backends.ConfigEnvVar, "go"))
	}
	os.Exit(m.Run())
}

// sequence returns a tensor with values start, start+1, ... with the given dimensions.
func sequence[T int32 | int64 | float32 | float64](start int, dimensions ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dimensions {
		size *= dim
	}
	data := make([]T, size)
	for ii := range data {
		data[ii] = T(start + ii)
	}
	return tensors.FromFlatDataAndDimensions(data, dimensions...)
}

func TestEinsum(t *testing.T) {
	for _, tc := range []struct {
		equation string
		operands []*tensors.Tensor
		want     []int32
		shape    []int
	}{
		{"ij->ji", []*tensors.Tensor{sequence[int32](0, 2, 3)}, []int32{0, 3, 1, 4, 2, 5}, []int{3, 2}},
		{"ij->", []*tensors.Tensor{sequence[int32](0, 2, 3)}, []int32{15}, []int{1}},
		{"ij->j", []*tensors.Tensor{sequence[int32](0, 2, 3)}, []int32{3, 5, 7}, []int{3}},
		{"ij->i", []*tensors.Tensor{sequence[int32](0, 2, 3)}, []int32{3, 12}, []int{2}},
		{"ij->ij", []*tensors.Tensor{sequence[int32](0, 2, 3)}, []int32{0, 1, 2, 3, 4, 5}, []int{2, 3}},
		{"ij,j->i", []*tensors.Tensor{sequence[int32](0, 2, 3), sequence[int32](0, 3)}, []int32{5, 14}, []int{2}},
		{"ik,k->i", []*tensors.Tensor{sequence[int32](0, 2, 3), sequence[int32](0, 3)}, []int32{5, 14}, []int{2}},
		{"ij,jk->ik", []*tensors.Tensor{sequence[int32](0, 2, 3), sequence[int32](0, 3, 5)},
			[]int32{25, 28, 31, 34, 37, 70, 82, 94, 106, 118}, []int{2, 5}},
		{"ik,kj->ij", []*tensors.Tensor{sequence[int32](0, 2, 3), sequence[int32](0, 3, 5)},
			[]int32{25, 28, 31, 34, 37, 70, 82, 94, 106, 118}, []int{2, 5}},
		{"i,i->", []*tensors.Tensor{sequence[int32](0, 3), sequence[int32](3, 3)}, []int32{14}, []int{1}},
		{"ij,ij->", []*tensors.Tensor{sequence[int32](0, 2, 3), sequence[int32](6, 2, 3)}, []int32{145}, []int{1}},
		{"ij,ij->ij", []*tensors.Tensor{sequence[int32](0, 2, 3), sequence[int32](6, 2, 3)},
			[]int32{0, 7, 16, 27, 40, 55}, []int{2, 3}},
		{"i,j->ij", []*tensors.Tensor{sequence[int32](0, 3), sequence[int32](3, 4)},
			[]int32{0, 0, 0, 0, 3, 4, 5, 6, 6, 8, 10, 12}, []int{3, 4}},
		{"ijk,ikl->ijl", []*tensors.Tensor{sequence[int32](0, 3, 2, 5), sequence[int32](0, 3, 5, 3)},
			[]int32{90, 100, 110, 240, 275, 310, 1290, 1350, 1410, 1815, 1900, 1985, 3990, 4100, 4210, 4890, 5025, 5160},
			[]int{3, 2, 3}},
		{"ik,jkl,il->ij", []*tensors.Tensor{sequence[int32](0, 2, 3), sequence[int32](0, 5, 3, 7), sequence[int32](0, 2, 7)},
			[]int32{1008, 2331, 3654, 4977, 6300, 9716, 27356, 44996, 62636, 80276}, []int{2, 5}},
		{"ii->i", []*tensors.Tensor{sequence[int32](0, 3, 3)}, []int32{0, 4, 8}, []int{3}},
		{"ii->", []*tensors.Tensor{sequence[int32](0, 3, 3)}, []int32{12}, []int{1}},
	} {
		t.Run(tc.equation, func(t *testing.T) {
			result, err := Einsum(tc.equation, tc.operands...)
			require.NoError(t, err)
			assert.Equal(t, dtypes.Int32, result.DType())
			assert.Equal(t, tc.shape, result.Shape().Dimensions)
			assert.Equal(t, tc.want, tensors.MustCopyFlatData[int32](result))
		})
	}
}

// referenceEinsum evaluates the equation by enumerating all combinations of the axes' values.
func referenceEinsum(t *testing.T, equation string, operands ...*tensors.Tensor) []float64 {
	t.Helper()
	spec := must.M1(NewValidator().Parse(equation, len(operands)))
	operandsDims := make([][]int, len(operands))
	for ii, operand := range operands {
		operandsDims[ii] = operand.Shape().Dimensions
	}
	dims := must.M1(ResolveDimensions(spec, operandsDims, Options{}))
	labels := make([]rune, 0, len(dims))
	for label := range dims {
		labels = append(labels, label)
	}
	outputShape := OutputShape(spec, dims)
	output := make([]float64, shapeSize(outputShape))
	values := make(map[rune]int, len(labels))
	var visit func(depth int)
	visit = func(depth int) {
		if depth < len(labels) {
			for v := range dims[labels[depth]] {
				values[labels[depth]] = v
				visit(depth + 1)
			}
			return
		}
		product := 1.0
		for opIdx, term := range spec.Inputs {
			offset := 0
			for _, tf := range NewIndexFormula(term, dims).Terms {
				offset += values[tf.Label] * tf.Stride
			}
			product *= operands[opIdx].Flat().([]float64)[offset]
		}
		offset := 0
		for _, tf := range NewIndexFormula(spec.Output, dims).Terms {
			offset += values[tf.Label] * tf.Stride
		}
		output[offset] += product
	}
	visit(0)
	return output
}

func shapeSize(dims []int) int {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	return size
}

func TestEinsumAgainstReference(t *testing.T) {
	for _, tc := range []struct {
		equation string
		dims     [][]int
	}{
		{"pqrs,tuqvr->pstuv", [][]int{{2, 3, 5, 7}, {1, 4, 3, 6, 5}}},
		{"ijk->kji", [][]int{{2, 3, 4}}},
		{"ijk->j", [][]int{{2, 3, 4}}},
		{"bij,bjk->bik", [][]int{{2, 3, 4}, {2, 4, 5}}},
		{"i,j,k->ijk", [][]int{{2}, {3}, {4}}},
		{"iij->ji", [][]int{{3, 3, 2}}},
		{"ab,bc,cd,de->ae", [][]int{{2, 3}, {3, 4}, {4, 5}, {5, 2}}},
	} {
		t.Run(tc.equation, func(t *testing.T) {
			operands := make([]*tensors.Tensor, len(tc.dims))
			for ii, dims := range tc.dims {
				operands[ii] = sequence[float64](ii-2, dims...)
			}
			result, err := Einsum(tc.equation, operands...)
			require.NoError(t, err)
			want := referenceEinsum(t, tc.equation, operands...)
			assert.Equal(t, want, tensors.MustCopyFlatData[float64](result))
		})
	}

	// Output shape of the N-ary contraction.
	result := must.M1(Einsum("pqrs,tuqvr->pstuv", sequence[float32](0, 2, 3, 5, 7), sequence[float32](0, 1, 4, 3, 6, 5)))
	assert.Equal(t, []int{2, 7, 1, 4, 6}, result.Shape().Dimensions)
}

func TestEinsumDTypes(t *testing.T) {
	x64 := must.M1(Einsum("ij,j->i", sequence[int64](0, 2, 3), sequence[int64](0, 3)))
	assert.Equal(t, []int64{5, 14}, tensors.MustCopyFlatData[int64](x64))

	u8 := tensors.FromFlatDataAndDimensions([]uint8{1, 2, 3, 4}, 2, 2)
	result := must.M1(Einsum("ij->ji", u8))
	assert.Equal(t, []uint8{1, 3, 2, 4}, tensors.MustCopyFlatData[uint8](result))

	// Half precision is computed in float32.
	f16 := tensors.FromFlatDataAndDimensions([]float16.Float16{
		float16.Fromfloat32(1), float16.Fromfloat32(2), float16.Fromfloat32(3), float16.Fromfloat32(4)}, 2, 2)
	result = must.M1(Einsum("ij,jk->ik", f16, f16))
	assert.Equal(t, dtypes.Float16, result.DType())
	assert.Equal(t, []float16.Float16{float16.Fromfloat32(7), float16.Fromfloat32(10), float16.Fromfloat32(15),
		float16.Fromfloat32(22)}, tensors.MustCopyFlatData[float16.Float16](result))

	bf16 := tensors.FromFlatDataAndDimensions([]bfloat16.BFloat16{
		bfloat16.FromFloat32(1), bfloat16.FromFloat32(2), bfloat16.FromFloat32(3)}, 3)
	result = must.M1(Einsum("i,i->", bf16, bf16))
	assert.Equal(t, dtypes.BFloat16, result.DType())
	assert.Equal(t, []int{1}, result.Shape().Dimensions)
	assert.Equal(t, []bfloat16.BFloat16{bfloat16.FromFloat32(14)}, tensors.MustCopyFlatData[bfloat16.BFloat16](result))
}

func TestEinsumErrors(t *testing.T) {
	x := sequence[float32](0, 2, 3)
	y := sequence[float32](0, 4, 5)

	_, err := Einsum("ij,jk-ik", x, y)
	assert.True(t, errors.Is(err, ErrMalformedEquation))
	_, err = Einsum("ij,jk->ik", x)
	assert.True(t, errors.Is(err, ErrMalformedEquation))
	_, err = Einsum("ij->i")
	assert.True(t, errors.Is(err, ErrMalformedEquation))

	_, err = Einsum("ijk->i", x)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
	_, err = Einsum("ij->i", nil)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	_, err = Einsum("ij,jk->ik", x, y)
	var inconsistent *InconsistentDimensionError
	require.ErrorAs(t, err, &inconsistent)
	assert.Equal(t, 'j', inconsistent.Label)

	complexOperand := tensors.FromFlatDataAndDimensions([]complex64{1, 2}, 2)
	_, err = Einsum("i->", complexOperand)
	assert.True(t, errors.Is(err, ErrUnsupportedDType))

	// Mixed dtypes are reported by the engine when executing.
	_, err = Einsum("ij,ij->ij", x, sequence[float64](0, 2, 3))
	var engineErr *EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, StageExecute, engineErr.Stage)
	assert.True(t, errors.Is(err, ErrEngine))
	assert.Contains(t, engineErr.Program, "vec[f32]")
}

func TestEvaluatorInconsistentDimensionsAllowed(t *testing.T) {
	backend := must.M1(simplego.New(""))
	defer backend.Finalize()
	evaluator := NewEvaluator(backend, WithAllowInconsistentDimensions(true))
	defer evaluator.Finalize()

	// "i" is first 2 then 3: the last one wins, and the engine detects the out of bounds lookup on the
	// first operand.
	_, err := evaluator.Einsum("i,i->i", sequence[int32](1, 2), sequence[int32](1, 3))
	var engineErr *EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, StageExecute, engineErr.Stage)
	assert.ErrorContains(t, err, "out of bounds")

	// Without the option it is rejected before reaching the engine.
	_, err = Einsum("i,i->i", sequence[int32](1, 2), sequence[int32](1, 3))
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestEvaluatorMemoryLimit(t *testing.T) {
	backend := must.M1(simplego.New("memory_limit=128B"))
	defer backend.Finalize()
	evaluator := NewEvaluator(backend)
	defer evaluator.Finalize()

	result, err := evaluator.Einsum("ij->ji", sequence[int32](0, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 3, 1, 4, 2, 5}, tensors.MustCopyFlatData[int32](result))

	_, err = evaluator.Einsum("i,j->ij", sequence[int32](0, 10), sequence[int32](0, 10))
	var engineErr *EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, StageExecute, engineErr.Stage)
	assert.Equal(t, "SimpleGo (go)", engineErr.Backend)
	assert.ErrorContains(t, err, "memory limit")
}

// failingBackend fails to compile any program.
type failingBackend struct{}

func (failingBackend) Name() string        { return "failing" }
func (failingBackend) Description() string { return "always fails" }
func (failingBackend) Compile(name, program string) (backends.Executable, error) {
	return nil, errors.Errorf("cannot compile %q", name)
}
func (failingBackend) NewContext() (backends.Context, error) { return nil, errors.New("no contexts") }
func (failingBackend) Finalize()                             {}

func TestEvaluatorCompileFailure(t *testing.T) {
	evaluator := NewEvaluator(failingBackend{})
	_, err := evaluator.Einsum("ij->ji", sequence[int32](0, 2, 3))
	var engineErr *EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, StageCompile, engineErr.Stage)
	assert.Equal(t, "failing", engineErr.Backend)
	assert.Equal(t, must.M1(evaluator.Compiler().Compile("ij->ji", dtypes.Int32, []int{2, 3})).Program.String(),
		engineErr.Program)
	assert.ErrorContains(t, errors.Unwrap(err), "cannot compile")
}

// trackingBackend wraps a backend and counts the executables compiled and finalized.
// If result is set, executables return it instead of executing the program.
type trackingBackend struct {
	backends.Backend
	compiled, finalized atomic.Int32
	result              any
}

func (b *trackingBackend) Compile(name, program string) (backends.Executable, error) {
	exec, err := b.Backend.Compile(name, program)
	if err != nil {
		return nil, err
	}
	b.compiled.Add(1)
	return &trackingExecutable{Executable: exec, backend: b}, nil
}

type trackingExecutable struct {
	backends.Executable
	backend *trackingBackend
}

func (e *trackingExecutable) Execute(ctx backends.Context, inputs ...any) (any, error) {
	if e.backend.result != nil {
		return e.backend.result, nil
	}
	return e.Executable.Execute(ctx, inputs...)
}

func (e *trackingExecutable) Finalize() {
	e.backend.finalized.Add(1)
	e.Executable.Finalize()
}

func TestEvaluatorMaxCacheSize(t *testing.T) {
	backend := &trackingBackend{Backend: must.M1(simplego.New(""))}
	defer backend.Finalize()
	evaluator := NewEvaluator(backend, WithMaxCacheSize(2))
	w := sequence[float64](0, 4, 2)
	for batchSize := 1; batchSize <= 6; batchSize++ {
		x := sequence[float64](batchSize, batchSize, 4)
		result, err := evaluator.Einsum("bi,ij->bj", x, w)
		require.NoError(t, err)
		assert.Equal(t, referenceEinsum(t, "bi,ij->bj", x, w), tensors.MustCopyFlatData[float64](result))
		assert.LessOrEqual(t, evaluator.NumExecutables(), 2)
		assert.LessOrEqual(t, evaluator.Compiler().CacheSize(), 2)
	}
	assert.Equal(t, int32(6), backend.compiled.Load())
	assert.Equal(t, int32(4), backend.finalized.Load(), "evicted executables must be finalized")

	evaluator.Finalize()
	assert.Equal(t, 0, evaluator.NumExecutables())
	assert.Equal(t, int32(6), backend.finalized.Load())

	// Nothing cached: executables are finalized after each use.
	backend = &trackingBackend{Backend: must.M1(simplego.New(""))}
	defer backend.Finalize()
	evaluator = NewEvaluator(backend, WithMaxCacheSize(0))
	defer evaluator.Finalize()
	for range 2 {
		result, err := evaluator.Einsum("ij->ji", sequence[int32](0, 2, 3))
		require.NoError(t, err)
		assert.Equal(t, []int32{0, 3, 1, 4, 2, 5}, tensors.MustCopyFlatData[int32](result))
	}
	assert.Equal(t, 0, evaluator.NumExecutables())
	assert.Equal(t, int32(2), backend.compiled.Load())
	assert.Equal(t, int32(2), backend.finalized.Load())
}

func TestEvaluatorFinalized(t *testing.T) {
	backend := &trackingBackend{Backend: must.M1(simplego.New(""))}
	defer backend.Finalize()
	evaluator := NewEvaluator(backend)
	evaluator.Finalize()
	_, err := evaluator.Einsum("ij->ji", sequence[int32](0, 2, 3))
	require.ErrorContains(t, err, "finalized")
	assert.Equal(t, int32(0), backend.compiled.Load())
	assert.Equal(t, 0, evaluator.NumExecutables())
}

func TestEvaluatorUnexpectedResult(t *testing.T) {
	backend := &trackingBackend{Backend: must.M1(simplego.New("")), result: []int32{1, 2}}
	defer backend.Finalize()
	evaluator := NewEvaluator(backend)
	defer evaluator.Finalize()

	f16 := tensors.FromFlatDataAndDimensions([]float16.Float16{float16.Fromfloat32(1), float16.Fromfloat32(2)}, 2)
	_, err := evaluator.Einsum("i->i", f16)
	var engineErr *EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, StageExecute, engineErr.Stage)
	assert.ErrorContains(t, err, "unexpected result")

	// Wrong number of elements.
	_, err = evaluator.Einsum("i,j->ij", sequence[int32](0, 2), sequence[int32](0, 2))
	require.ErrorAs(t, err, &engineErr)
	assert.ErrorContains(t, err, "unexpected result")
}

func TestEvaluatorConcurrency(t *testing.T) {
	backend := must.M1(simplego.New("parallelism=2,min_parallel_size=1"))
	defer backend.Finalize()
	evaluator := NewEvaluator(backend)
	const numWorkers = 8
	var wg sync.WaitGroup
	for worker := range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for repeat := range 20 {
				x := sequence[float64](worker, 3, 4)
				y := sequence[float64](repeat, 4, 2)
				result, err := evaluator.Einsum("ij,jk->ik", x, y)
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, referenceEinsum(t, "ij,jk->ik", x, y), tensors.MustCopyFlatData[float64](result))
			}
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, evaluator.NumContexts(), 1)
	assert.LessOrEqual(t, evaluator.NumContexts(), numWorkers)

	evaluator.Finalize()
	assert.Equal(t, 0, evaluator.NumContexts())
	_, err := evaluator.Einsum("ij,jk->ik", sequence[float64](0, 3, 4), sequence[float64](0, 4, 2))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	first, err := Default()
	require.NoError(t, err)
	second, err := Default()
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, "SimpleGo (go)", first.Backend().Name())
	fmt.Printf("Default einsum backend: %s\n", first.Backend().Description())
}
