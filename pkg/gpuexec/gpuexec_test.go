// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpuexec

import (
	"fmt"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/gpuexec/pkg/buffers"
	"github.com/gomlx/gpuexec/pkg/device"
	"github.com/gomlx/gpuexec/pkg/device/simdevice"
	"github.com/gomlx/gpuexec/pkg/graphcache"
	"github.com/gomlx/gpuexec/pkg/thunk"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// testModule implements y = tanh(x + c), with c a constant.
const testModule = `
# y = tanh(x + c)
.kernel add_f32
.kernel tanh_f32
.global c 16
`

var testDims = device.LaunchDimensions{Blocks: 1, ThreadsPerBlock: 4}

const (
	allocX buffers.Index = iota
	allocC
	allocTemp
	allocY
)

func testAssignment() *buffers.Assignment {
	return must.M1(buffers.NewAssignment([]buffers.Allocation{
		{Index: allocX, Size: 16, Kind: buffers.KindParameter},
		{Index: allocC, Size: 16, Kind: buffers.KindConstant, GlobalName: "c", ConstantData: simdevice.Float32sToBytes(1, 1, 1, 1)},
		{Index: allocTemp, Size: 32, Kind: buffers.KindTemp},
		{Index: allocY, Size: 16, Kind: buffers.KindOutput},
	}))
}

func whole(idx buffers.Index) buffers.Slice { return buffers.Slice{Index: idx, Size: 16} }

var tempSlice = buffers.Slice{Index: allocTemp, Offset: 16, Size: 16}

func addThunk(name string) *thunk.KernelThunk {
	return thunk.NewKernelThunk(name, "add_f32", []buffers.Slice{whole(allocX), whole(allocC), tempSlice}, testDims)
}

func tanhThunk(name string) *thunk.KernelThunk {
	return thunk.NewKernelThunk(name, "tanh_f32", []buffers.Slice{tempSlice, whole(allocY)}, testDims)
}

// newTanhProgram creates the Executable of y = tanh(x + c), with the extra thunks appended.
func newTanhProgram(t *testing.T, config string, extra ...thunk.Thunk) *Executable {
	schedule := must.M1(thunk.Sequential(append([]thunk.Thunk{addThunk("add"), tanhThunk("tanh")}, extra...)...))
	return newProgram(t, config, schedule)
}

func newProgram(t *testing.T, config string, schedule *thunk.Schedule) *Executable {
	options := must.M1(ParseConfig(config))
	e, err := New(Config{
		Name:       "tanh",
		Text:       testModule,
		GPUVersion: simdevice.DefaultVersion,
		Schedule:   schedule,
		Assignment: testAssignment(),
		Options:    &options,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Finalize() })
	return e
}

func want(x ...float32) []float32 {
	y := make([]float32, len(x))
	for ii, v := range x {
		y[ii] = float32(math.Tanh(float64(v + 1)))
	}
	return y
}

type testDevice struct {
	executor *simdevice.Executor
	stream   device.Stream
}

func newTestDevice(t *testing.T, config string) *testDevice {
	e := must.M1(simdevice.New(config))
	s := must.M1(e.NewStream())
	t.Cleanup(func() { _ = s.Close() })
	return &testDevice{executor: e, stream: s}
}

func (d *testDevice) upload(t *testing.T, values ...float32) device.DeviceMemory {
	mem := must.M1(d.executor.Allocate(4 * len(values)))
	require.NoError(t, d.executor.WriteMemory(mem, simdevice.Float32sToBytes(values...)))
	return mem
}

func (d *testDevice) download(t *testing.T, mem device.DeviceMemory) []float32 {
	require.NoError(t, d.stream.BlockHostUntilDone())
	return simdevice.BytesToFloat32s(must.M1(d.executor.ReadMemory(mem)))
}

// allocations creates a new set of buffers for e, with the parameter set to x.
func (d *testDevice) allocations(t *testing.T, e *Executable, x ...float32) *buffers.Allocations {
	constants := must.M1(e.ResolveConstantGlobals(d.stream))
	arg := d.upload(t, x...)
	return must.M1(buffers.NewBuilder(e.BufferAssignment(), d.executor).Build([]device.DeviceMemory{arg}, constants))
}

func (d *testDevice) run(t *testing.T, e *Executable, allocs *buffers.Allocations) ExecutionMode {
	result, err := e.ExecuteOnAllocations(RunOptions{Stream: d.stream, BlockHostUntilDone: true}, allocs)
	require.NoError(t, err)
	return result.Mode
}

func TestExecutableAccessors(t *testing.T) {
	schedule := must.M1(thunk.Sequential(addThunk("add"), tanhThunk("tanh")))
	e := must.M1(New(Config{
		Name:         "tanh",
		Text:         testModule,
		Binary:       []byte(testModule),
		GPUVersion:   simdevice.DefaultVersion,
		Schedule:     schedule,
		Assignment:   testAssignment(),
		ProfileIndex: map[string]string{"add": "add.3"},
	}))
	assert.NotEmpty(t, e.ID())
	assert.Equal(t, testModule, e.Text())
	assert.Equal(t, len(testModule), e.SizeOfGeneratedCode())
	assert.Equal(t, simdevice.DefaultVersion, e.GPUVersion())
	assert.Same(t, schedule, e.Schedule())
	assert.Equal(t, DefaultOptions(), e.Options())
	assert.Equal(t, "Thunk:#hlo_op=add.3#", e.Annotation(0))
	assert.Equal(t, "Thunk:#hlo_op=tanh#", e.Annotation(1))
	assert.Contains(t, e.String(), "2 thunks on 1 stream(s)")
	assert.Contains(t, e.String(), "32 B of temp buffers")

	require.NoError(t, e.SetIRModuleString("module @tanh {}"))
	assert.Equal(t, "module @tanh {}", e.IRModuleString())
	d := newTestDevice(t, "")
	_, err := e.Execute(RunOptions{Stream: d.stream, BlockHostUntilDone: true}, []device.DeviceMemory{d.upload(t, 1, 2, 3, 4)})
	require.NoError(t, err)
	require.Error(t, e.SetIRModuleString("changed"), "IR module is frozen after the first execution")
	require.NoError(t, e.Finalize())
}

func TestNewValidation(t *testing.T) {
	schedule := must.M1(thunk.Sequential(addThunk("add")))
	_, err := New(Config{Name: "empty", Schedule: schedule, Assignment: testAssignment()})
	require.Error(t, err, "no text or binary")
	_, err = New(Config{Name: "no-schedule", Text: testModule, Assignment: testAssignment()})
	require.Error(t, err)
	_, err = New(Config{Name: "no-assignment", Text: testModule, Schedule: schedule})
	require.Error(t, err)

	multiStream := must.M1(thunk.NewScheduleBuilder().Add(addThunk("add"), 2).Build())
	options := DefaultOptions()
	options.NumHelperStreams = 1
	_, err = New(Config{Name: "streams", Text: testModule, Schedule: multiStream, Assignment: testAssignment(), Options: &options})
	require.Error(t, err, "schedule needs 2 helper streams")
	options.GraphCacheSize = 0
	_, err = New(Config{Name: "options", Text: testModule, Schedule: schedule, Assignment: testAssignment(), Options: &options})
	require.Error(t, err)
}

func TestResolveConstantGlobals(t *testing.T) {
	e := newTanhProgram(t, "")
	d1, d2 := newTestDevice(t, ""), newTestDevice(t, "")

	d1.executor.FailNextLoads(1)
	_, err := e.ResolveConstantGlobals(d1.stream)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrorLoad, kind)

	// A failure on one executor doesn't affect others, nor later attempts.
	constants2 := must.M1(e.ResolveConstantGlobals(d2.stream))
	constants1 := must.M1(e.ResolveConstantGlobals(d1.stream))
	again := must.M1(e.ResolveConstantGlobals(d1.stream))
	assert.Equal(t, constants1, again)
	assert.Equal(t, int64(1), d1.executor.Stats().ModuleLoads)
	assert.Equal(t, int64(1), d2.executor.Stats().ModuleLoads)
	require.Contains(t, constants1, allocC)
	require.Contains(t, constants2, allocC)
	assert.Equal(t, []float32{1, 1, 1, 1}, d1.download(t, constants1[allocC]))
	assert.Equal(t, []float32{1, 1, 1, 1}, d2.download(t, constants2[allocC]))
}

// failingInitThunk fails to initialize.
type failingInitThunk struct{}

func (*failingInitThunk) Kind() thunk.Kind                           { return thunk.KindKernel }
func (*failingInitThunk) Name() string                               { return "failing_init" }
func (*failingInitThunk) Capturable() bool                           { return true }
func (*failingInitThunk) ExecuteOnStream(*thunk.ExecuteParams) error { return nil }
func (*failingInitThunk) Initialize(device.Executor, device.ModuleHandle) error {
	return errors.New("no kernel image for this device")
}

func TestThunkInitializationFailure(t *testing.T) {
	e := newTanhProgram(t, "", &failingInitThunk{})
	d := newTestDevice(t, "")
	_, err := e.ResolveConstantGlobals(d.stream)
	require.Error(t, err)
	kind, _ := KindOf(err)
	assert.Equal(t, ErrorLoad, kind)
	assert.Contains(t, err.Error(), "failing_init")
	stats := d.executor.Stats()
	assert.Equal(t, int64(1), stats.ModuleLoads)
	assert.Equal(t, int64(1), stats.ModuleUnloads, "module must be unloaded after a failed initialization")
}

func TestCompatibility(t *testing.T) {
	e := newTanhProgram(t, "")
	d := newTestDevice(t, "version=9.0")
	_, err := e.Execute(RunOptions{Stream: d.stream}, []device.DeviceMemory{d.upload(t, 1, 2, 3, 4)})
	require.Error(t, err)
	var gpuErr *Error
	require.ErrorAs(t, err, &gpuErr)
	assert.Equal(t, ErrorCompatibility, gpuErr.Kind)
	assert.Equal(t, d.executor.ID(), gpuErr.ExecutorID)
	assert.Equal(t, int64(0), d.executor.Stats().ModuleLoads)
}

func TestCaptureEquivalentToDirect(t *testing.T) {
	d := newTestDevice(t, "")
	captured := newTanhProgram(t, "")
	direct := newTanhProgram(t, "graph_capture=false")
	capturedAllocs := d.allocations(t, captured, -1, 0, 0.5, 2)
	directAllocs := d.allocations(t, direct, -1, 0, 0.5, 2)

	wantModes := []ExecutionMode{ModeCaptured, ModeReplayed, ModeReplayed}
	for iter, wantMode := range wantModes {
		x := []float32{float32(iter), -1, 0.5, 2}
		require.NoError(t, d.executor.WriteMemory(capturedAllocs.Get(allocX), simdevice.Float32sToBytes(x...)))
		require.NoError(t, d.executor.WriteMemory(directAllocs.Get(allocX), simdevice.Float32sToBytes(x...)))
		assert.Equal(t, wantMode, d.run(t, captured, capturedAllocs))
		assert.Equal(t, ModeDirect, d.run(t, direct, directAllocs))
		capturedY := d.download(t, capturedAllocs.Get(allocY))
		assert.Equal(t, d.download(t, directAllocs.Get(allocY)), capturedY, "iteration %d", iter)
		assert.Equal(t, want(x...), capturedY)
	}
	assert.Equal(t, graphcache.Stats{Attempts: 3, Hits: 2}, captured.GraphCacheStats())
	assert.Equal(t, graphcache.Stats{}, direct.GraphCacheStats())
	assert.Equal(t, 1, captured.NumCachedGraphs())
	assert.Equal(t, int64(3), d.executor.Stats().GraphLaunches)
}

func TestGraphCacheHashCollisions(t *testing.T) {
	d := newTestDevice(t, "")
	e := newTanhProgram(t, "")
	a := d.allocations(t, e, 1, 2, 3, 4)
	b := d.allocations(t, e, -1, -2, -3, -4)
	// Same temp buffer: same temp base hash, but different keys.
	require.NoError(t, b.Set(allocTemp, a.Get(allocTemp)))
	require.Equal(t, a.TempBaseHash(), b.TempBaseHash())
	require.NotEqual(t, a.Key(), b.Key())

	assert.Equal(t, ModeCaptured, d.run(t, e, a))
	assert.Equal(t, ModeCaptured, d.run(t, e, b))
	for range 2 {
		assert.Equal(t, ModeReplayed, d.run(t, e, a))
		assert.Equal(t, want(1, 2, 3, 4), d.download(t, a.Get(allocY)))
		assert.Equal(t, ModeReplayed, d.run(t, e, b))
		assert.Equal(t, want(-1, -2, -3, -4), d.download(t, b.Get(allocY)))
	}

	diagnostics := e.GraphCacheDiagnostics()[d.executor.ID()]
	require.Len(t, diagnostics, 1)
	assert.ElementsMatch(t, []buffers.Key{a.Key(), b.Key()}, diagnostics[a.TempBaseHash()])

	noDiagnostics := newTanhProgram(t, "diagnostics=false")
	d.run(t, noDiagnostics, d.allocations(t, noDiagnostics, 1, 2, 3, 4))
	assert.Empty(t, noDiagnostics.GraphCacheDiagnostics())
}

func TestCostlyCaptureIsOneWay(t *testing.T) {
	d := newTestDevice(t, "")
	e := newTanhProgram(t, "graph_cache_size=100")
	reused := d.allocations(t, e, 1, 2, 3, 4)

	// 1 miss, then 15 hits.
	require.Equal(t, ModeCaptured, d.run(t, e, reused))
	for range 15 {
		require.Equal(t, ModeReplayed, d.run(t, e, reused))
	}
	// 84 misses with fresh buffers: the 100th attempt makes capture costly.
	for ii := range 84 {
		mode := d.run(t, e, d.allocations(t, e, 1, 2, 3, 4))
		if ii < 83 {
			require.Equal(t, ModeCaptured, mode, "attempt %d", ii+17)
			require.False(t, e.IsGraphCaptureCostly())
		} else {
			require.Equal(t, ModeDirect, mode, "attempt 100")
		}
	}
	require.True(t, e.IsGraphCaptureCostly())
	assert.Equal(t, graphcache.Stats{Attempts: 100, Hits: 15}, e.GraphCacheStats())

	// The 101st execution runs directly, even though a graph for its buffers is cached.
	graphLaunches := d.executor.Stats().GraphLaunches
	assert.Equal(t, ModeDirect, d.run(t, e, reused))
	assert.Equal(t, want(1, 2, 3, 4), d.download(t, reused.Get(allocY)))
	assert.Equal(t, graphLaunches, d.executor.Stats().GraphLaunches)
	assert.Equal(t, graphcache.Stats{Attempts: 100, Hits: 15}, e.GraphCacheStats(), "no more lookups once costly")
	assert.True(t, e.IsGraphCaptureCostly())
}

func TestHelperStreams(t *testing.T) {
	d := newTestDevice(t, "")
	add, tanh := addThunk("add"), tanhThunk("tanh")
	// add runs on helper stream 1, tanh on the main stream once add is done.
	schedule := must.M1(thunk.NewScheduleBuilder().Add(add, 1).Add(tanh, thunk.MainStream, add).Build())
	e := newProgram(t, "", schedule)
	allocs := d.allocations(t, e, 0, 0, 0, 0)
	for iter := range 20 {
		x := []float32{float32(iter), float32(-iter), 0.25, 3}
		require.NoError(t, d.executor.WriteMemory(allocs.Get(allocX), simdevice.Float32sToBytes(x...)))
		assert.Equal(t, ModeDirect, d.run(t, e, allocs))
		assert.Equal(t, want(x...), d.download(t, allocs.Get(allocY)), "iteration %d", iter)
	}
	e.mu.Lock()
	assert.Equal(t, captureDisabled, e.captureSupport)
	e.mu.Unlock()

	// A caller provided pool is used instead of the Executable's.
	pool := device.NewStreamPool(1)
	defer pool.Close()
	result, err := e.ExecuteOnAllocations(RunOptions{Stream: d.stream, StreamPool: pool, BlockHostUntilDone: true}, allocs)
	require.NoError(t, err)
	assert.Equal(t, ModeDirect, result.Mode)
}

func TestStreamPoolTooSmallForSchedule(t *testing.T) {
	d := newTestDevice(t, "")
	add, tanh := addThunk("add"), tanhThunk("tanh")
	schedule := must.M1(thunk.NewScheduleBuilder().Add(add, 1).Add(tanh, 2, add).Build())
	e := newProgram(t, "", schedule)
	allocs := d.allocations(t, e, 1, 2, 3, 4)

	small := device.NewStreamPool(1)
	defer small.Close()
	_, err := e.ExecuteOnAllocations(RunOptions{Stream: d.stream, StreamPool: small, BlockHostUntilDone: true}, allocs)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrorExecution, kind)
	assert.Contains(t, err.Error(), "at most 1 per executor")

	large := device.NewStreamPool(2)
	defer large.Close()
	_, err = e.ExecuteOnAllocations(RunOptions{Stream: d.stream, StreamPool: large, BlockHostUntilDone: true}, allocs)
	require.NoError(t, err)
	assert.Equal(t, want(1, 2, 3, 4), d.download(t, allocs.Get(allocY)))
}

// slowThunk enqueues slow host work, and records when it finished.
type slowThunk struct{ finished atomic.Bool }

func (s *slowThunk) Kind() thunk.Kind { return thunk.KindKernel }
func (s *slowThunk) Name() string     { return "slow" }
func (s *slowThunk) Capturable() bool { return false }
func (s *slowThunk) ExecuteOnStream(params *thunk.ExecuteParams) error {
	return params.Stream.ThenHostCallback(func() {
		time.Sleep(200 * time.Millisecond)
		s.finished.Store(true)
	})
}

// failingThunk fails when launched.
type failingThunk struct{}

func (failingThunk) Kind() thunk.Kind                           { return thunk.KindKernel }
func (failingThunk) Name() string                               { return "fail" }
func (failingThunk) Capturable() bool                           { return true }
func (failingThunk) ExecuteOnStream(*thunk.ExecuteParams) error { return errors.New("launch rejected") }

func TestFailureJoinsHelperStreams(t *testing.T) {
	d := newTestDevice(t, "")
	slow := &slowThunk{}
	schedule := must.M1(thunk.NewScheduleBuilder().Add(slow, 1).Add(failingThunk{}, thunk.MainStream).Build())
	e := newProgram(t, "", schedule)
	arg := d.upload(t, 1, 2, 3, 4)

	_, err := e.Execute(RunOptions{Stream: d.stream, BlockHostUntilDone: true}, []device.DeviceMemory{arg})
	require.Error(t, err)
	var gpuErr *Error
	require.ErrorAs(t, err, &gpuErr)
	assert.Equal(t, 1, gpuErr.ThunkIndex)
	assert.Equal(t, "fail", gpuErr.ThunkName)
	assert.True(t, slow.finished.Load(), "helper work must complete before the buffers are released")
}

// recordingThunk records whether it was executed.
type recordingThunk struct {
	name     string
	executed atomic.Bool
}

func (r *recordingThunk) Kind() thunk.Kind { return thunk.KindKernel }
func (r *recordingThunk) Name() string     { return r.name }
func (r *recordingThunk) Capturable() bool { return true }
func (r *recordingThunk) ExecuteOnStream(*thunk.ExecuteParams) error {
	r.executed.Store(true)
	return nil
}

func TestThunkFailureStopsSchedule(t *testing.T) {
	for _, config := range []string{"", "graph_capture=false"} {
		t.Run(fmt.Sprintf("config=%q", config), func(t *testing.T) {
			d := newTestDevice(t, "")
			a := addThunk("a")
			b := thunk.NewKernelThunk("b", "not_in_module", []buffers.Slice{tempSlice, whole(allocY)}, testDims)
			c := &recordingThunk{name: "c"}
			e := newProgram(t, config, must.M1(thunk.Sequential(a, b, c)))
			allocs := d.allocations(t, e, 1, 2, 3, 4)

			_, err := e.ExecuteOnAllocations(RunOptions{Stream: d.stream, BlockHostUntilDone: true}, allocs)
			require.Error(t, err)
			var gpuErr *Error
			require.ErrorAs(t, err, &gpuErr)
			assert.Equal(t, ErrorExecution, gpuErr.Kind)
			assert.Equal(t, 1, gpuErr.ThunkIndex)
			assert.Equal(t, "b", gpuErr.ThunkName)
			assert.Equal(t, "Thunk:#hlo_op=b#", gpuErr.Annotation)
			assert.Contains(t, err.Error(), `thunk #1 "b"`)
			assert.False(t, c.executed.Load(), "thunks after the failing one must not run")

			// Thunk a did run: its side effects are not rolled back.
			assert.Equal(t, []float32{2, 3, 4, 5}, d.download(t, must.M1(allocs.GetSlice(tempSlice))))
		})
	}
}

// hostSyncThunk enqueues a host callback, which can't be captured.
type hostSyncThunk struct{ calls atomic.Int32 }

func (h *hostSyncThunk) Kind() thunk.Kind { return thunk.KindKernel }
func (h *hostSyncThunk) Name() string     { return "host_sync" }
func (h *hostSyncThunk) Capturable() bool { return true }
func (h *hostSyncThunk) ExecuteOnStream(params *thunk.ExecuteParams) error {
	return params.Stream.ThenHostCallback(func() { h.calls.Add(1) })
}

func TestCaptureFailureFallsBackToDirect(t *testing.T) {
	d := newTestDevice(t, "")
	hostSync := &hostSyncThunk{}
	e := newTanhProgram(t, "", hostSync)
	allocs := d.allocations(t, e, 1, 2, 3, 4)
	assert.Equal(t, ModeDirect, d.run(t, e, allocs))
	assert.Equal(t, want(1, 2, 3, 4), d.download(t, allocs.Get(allocY)))
	assert.Equal(t, int32(1), hostSync.calls.Load())
	assert.Equal(t, graphcache.Stats{Attempts: 1}, e.GraphCacheStats())
	assert.Equal(t, 0, e.NumCachedGraphs())

	// Executors without capture support run directly.
	noCapture := newTestDevice(t, "graph_capture=false")
	e2 := newTanhProgram(t, "")
	assert.Equal(t, ModeDirect, noCapture.run(t, e2, noCapture.allocations(t, e2, 1, 2, 3, 4)))
}

// deferringThunk registers a deferred host callback.
type deferringThunk struct{ calls atomic.Int32 }

func (dt *deferringThunk) Kind() thunk.Kind { return thunk.KindKernel }
func (dt *deferringThunk) Name() string     { return "deferring" }
func (dt *deferringThunk) Capturable() bool { return true }
func (dt *deferringThunk) ExecuteOnStream(params *thunk.ExecuteParams) error {
	params.DeferHostCallback(func() { dt.calls.Add(1) })
	return nil
}

func TestDeferredHostCallbacks(t *testing.T) {
	d := newTestDevice(t, "")
	deferring := &deferringThunk{}
	e := newTanhProgram(t, "", deferring)
	allocs := d.allocations(t, e, 1, 2, 3, 4)
	assert.Equal(t, ModeCaptured, d.run(t, e, allocs))
	assert.Equal(t, int32(1), deferring.calls.Load())

	assert.Equal(t, ModeReplayed, d.run(t, e, allocs))
	assert.Equal(t, int32(1), deferring.calls.Load(), "replayed graphs don't call the thunks")
}

func TestCaptureFallbackDefersCallbacksOnce(t *testing.T) {
	d := newTestDevice(t, "")
	deferring := &deferringThunk{}
	e := newTanhProgram(t, "", deferring, &hostSyncThunk{})
	allocs := d.allocations(t, e, 1, 2, 3, 4)
	assert.Equal(t, ModeDirect, d.run(t, e, allocs))
	assert.Equal(t, int32(1), deferring.calls.Load(), "callbacks deferred during the failed capture are dropped")
	assert.Equal(t, want(1, 2, 3, 4), d.download(t, allocs.Get(allocY)))
}

func TestCapturedGraphLaunchFailureFallsBack(t *testing.T) {
	d := newTestDevice(t, "")
	deferring := &deferringThunk{}
	e := newTanhProgram(t, "", deferring)
	allocs := d.allocations(t, e, 1, 2, 3, 4)

	d.executor.FailNextGraphLaunches(1)
	assert.Equal(t, ModeDirect, d.run(t, e, allocs))
	assert.Equal(t, want(1, 2, 3, 4), d.download(t, allocs.Get(allocY)))
	assert.Equal(t, int32(1), deferring.calls.Load())
	assert.Equal(t, int64(0), d.executor.Stats().GraphLaunches)

	// The captured graph was kept, and replays once the device recovers.
	assert.Equal(t, 1, e.NumCachedGraphs())
	require.NoError(t, d.executor.WriteMemory(allocs.Get(allocX), simdevice.Float32sToBytes(-1, 0, 1, 2)))
	assert.Equal(t, ModeReplayed, d.run(t, e, allocs))
	assert.Equal(t, want(-1, 0, 1, 2), d.download(t, allocs.Get(allocY)))
	assert.Equal(t, graphcache.Stats{Attempts: 2, Hits: 1}, e.GraphCacheStats())
}

func TestConditionalDisablesCapture(t *testing.T) {
	d := newTestDevice(t, "")
	selector := buffers.Slice{Index: allocTemp, Offset: 0, Size: 4}
	cond := must.M1(thunk.NewConditionalThunk("cond", selector,
		thunk.NewSequentialThunk("then", tanhThunk("tanh_then")),
		thunk.NewSequentialThunk("else", thunk.NewMemzeroThunk("zero", whole(allocY)))))
	e := newProgram(t, "", must.M1(thunk.Sequential(addThunk("add"), cond)))
	allocs := d.allocations(t, e, 1, 2, 3, 4)
	assert.Equal(t, ModeDirect, d.run(t, e, allocs))
	assert.Equal(t, want(1, 2, 3, 4), d.download(t, allocs.Get(allocY)), "zeroed temp selects branch 0")
	assert.Equal(t, graphcache.Stats{}, e.GraphCacheStats())
}

func TestExecuteReleasesTemps(t *testing.T) {
	d := newTestDevice(t, "")
	e := newTanhProgram(t, "")
	_ = must.M1(e.ResolveConstantGlobals(d.stream))
	baseline := d.executor.Stats().LiveBytes

	for _, block := range []bool{true, false} {
		arg := d.upload(t, 1, 2, 3, 4)
		result, err := e.Execute(RunOptions{Stream: d.stream, BlockHostUntilDone: block}, []device.DeviceMemory{arg})
		require.NoError(t, err)
		require.Len(t, result.Outputs, 1)
		result.Wait()
		assert.Equal(t, want(1, 2, 3, 4), d.download(t, result.Outputs[0]))
		require.NoError(t, d.executor.Deallocate(result.Outputs[0]))
		require.NoError(t, d.executor.Deallocate(arg))
		assert.Equal(t, baseline, d.executor.Stats().LiveBytes, "BlockHostUntilDone=%v", block)
	}

	// Wrong number of arguments: nothing leaks.
	_, err := e.Execute(RunOptions{Stream: d.stream}, nil)
	require.Error(t, err)
	assert.Equal(t, baseline, d.executor.Stats().LiveBytes)

	_, err = e.Execute(RunOptions{}, nil)
	require.Error(t, err, "no stream")
}

func TestUnloadAndFinalize(t *testing.T) {
	d := newTestDevice(t, "")
	e := newTanhProgram(t, "")
	allocs := d.allocations(t, e, 1, 2, 3, 4)
	assert.Equal(t, ModeCaptured, d.run(t, e, allocs))
	assert.Equal(t, 1, e.NumCachedGraphs())

	require.NoError(t, e.Unload(d.executor))
	require.NoError(t, e.Unload(d.executor), "unloading twice is a no-op")
	assert.Equal(t, int64(1), d.executor.Stats().ModuleUnloads)
	assert.Equal(t, 0, e.NumCachedGraphs())

	// The next execution loads the module again, and captures a new graph.
	allocs = d.allocations(t, e, 1, 2, 3, 4)
	assert.Equal(t, ModeCaptured, d.run(t, e, allocs))
	assert.Equal(t, int64(2), d.executor.Stats().ModuleLoads)
	assert.Equal(t, want(1, 2, 3, 4), d.download(t, allocs.Get(allocY)))

	require.NoError(t, e.Finalize())
	assert.Equal(t, int64(2), d.executor.Stats().ModuleUnloads)
	_, err := e.ExecuteOnAllocations(RunOptions{Stream: d.stream}, allocs)
	kind, _ := KindOf(err)
	assert.Equal(t, ErrorLoad, kind)
}

func TestExecutionProfile(t *testing.T) {
	d := newTestDevice(t, "")
	e := newTanhProgram(t, "graph_capture=false")
	assert.Nil(t, e.ExecutionProfile())
	allocs := d.allocations(t, e, 1, 2, 3, 4)
	result, err := e.ExecuteOnAllocations(RunOptions{Stream: d.stream, Profile: true, BlockHostUntilDone: true}, allocs)
	require.NoError(t, err)
	profile := result.Profile
	require.NotNil(t, profile)
	assert.Same(t, profile, e.ExecutionProfile())
	assert.NotEmpty(t, profile.RunID)
	assert.Equal(t, ModeDirect, profile.Mode)
	assert.Equal(t, d.executor.ID(), profile.ExecutorID)
	require.Len(t, profile.Thunks, 2)
	assert.Equal(t, "Thunk:#hlo_op=add#", profile.Thunks[0].Annotation)
	assert.Equal(t, thunk.KindKernel, profile.Thunks[1].Kind)
	assert.GreaterOrEqual(t, profile.Total, profile.Thunks[0].Launch)
	assert.Contains(t, profile.String(), "Thunk:#hlo_op=tanh#")

	// Executions without Profile don't replace the last profile.
	_, err = e.ExecuteOnAllocations(RunOptions{Stream: d.stream, BlockHostUntilDone: true}, allocs)
	require.NoError(t, err)
	assert.Same(t, profile, e.ExecutionProfile())
}

func TestConcurrentExecutions(t *testing.T) {
	d := newTestDevice(t, "")
	// Each Execute allocates new temps, so the hit rate depends on scheduling: the cache is made
	// large enough for capture to never become costly.
	e := newTanhProgram(t, "graph_cache_size=1000")
	const numCallers, numIterations = 8, 10
	var g errgroup.Group
	for caller := range numCallers {
		g.Go(func() error {
			stream, err := d.executor.NewStream()
			if err != nil {
				return err
			}
			defer func() { _ = stream.Close() }()
			for iter := range numIterations {
				x := []float32{float32(caller), float32(iter), -1, 0.5}
				arg, err := d.executor.Allocate(16)
				if err != nil {
					return err
				}
				if err = d.executor.WriteMemory(arg, simdevice.Float32sToBytes(x...)); err != nil {
					return err
				}
				result, err := e.Execute(RunOptions{Stream: stream, BlockHostUntilDone: true}, []device.DeviceMemory{arg})
				if err != nil {
					return err
				}
				data, err := d.executor.ReadMemory(result.Outputs[0])
				if err != nil {
					return err
				}
				if got := simdevice.BytesToFloat32s(data); !assert.ObjectsAreEqual(want(x...), got) {
					return errors.Errorf("caller %d, iteration %d: got %v, wanted %v", caller, iter, got, want(x...))
				}
				if err = d.executor.Deallocate(result.Outputs[0]); err != nil {
					return err
				}
				if err = d.executor.Deallocate(arg); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(1), d.executor.Stats().ModuleLoads)
	stats := e.GraphCacheStats()
	assert.Equal(t, int64(numCallers*numIterations), stats.Attempts)
}
