package hostmanager

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/emberml/ember/backends/cpu"
	_ "github.com/emberml/ember/backends/interpreter"
	"github.com/emberml/ember/graph"
	"github.com/emberml/ember/runtime"
	"github.com/emberml/ember/types/elem"
)

const testDeviceMemory = 1 << 24

func newHost(t *testing.T, cfg runtime.HostConfig, numDevices int) *HostManager {
	t.Helper()
	configs, err := runtime.GenerateDeviceConfigs(numDevices, "cpu", testDeviceMemory)
	require.NoError(t, err)
	hm, err := New(configs, WithHostConfig(cfg), WithStats(runtime.NewStatsRegistry()))
	require.NoError(t, err)
	return hm
}

func smallConfig() runtime.HostConfig {
	return runtime.HostConfig{ExecutorThreads: 3, MaxActiveRequests: 4, MaxQueueSize: 10}
}

// buildModule builds one simple add-network per name.
func buildModule(names ...string) *graph.Module {
	m := graph.NewModule()
	for _, name := range names {
		ty := graph.NewType(elem.Float, 4)
		in := m.CreatePlaceholder(name+"_in", ty)
		out := m.CreatePlaceholder(name+"_out", ty)
		w := m.CreateConstant(name+"_w", ty, nil)

		fn := m.CreateFunction(name)
		nIn := fn.AddPlaceholderNode("in", in)
		nW := fn.AddConstantNode("w", w)
		nAdd := fn.AddNode("add", graph.KindAdd, []*graph.Type{ty}, graph.Value(nIn), graph.Value(nW))
		fn.AddSave("save", graph.Value(nAdd), out)
	}
	return m
}

func newBoundContext(m *graph.Module) *runtime.ExecutionContext {
	ctx := runtime.NewContext(nil)
	ctx.Bindings.Allocate(m.Placeholders())
	return ctx
}

func TestAddNetworkAndDuplicate(t *testing.T) {
	hm := newHost(t, smallConfig(), 1)
	defer func() { require.NoError(t, hm.ClearHost()) }()

	require.NoError(t, hm.AddNetwork(buildModule("A", "B"), nil))
	assert.True(t, hm.NetworkAdded("A"))
	assert.True(t, hm.NetworkAdded("B"))
	assert.False(t, hm.NetworkAdded("C"))

	err := hm.AddNetwork(buildModule("A"), nil)
	require.Error(t, err)
	assert.True(t, runtime.IsCode(err, runtime.CodeRuntimeError))

	dag, err := hm.GetNetworkDAG("A")
	require.NoError(t, err)
	assert.Equal(t, "A", dag.Root.Name)
	_, err = hm.GetNetworkDAG("missing")
	assert.Error(t, err)
}

func TestRunNetworkNotFound(t *testing.T) {
	hm := newHost(t, smallConfig(), 1)
	defer func() { require.NoError(t, hm.ClearHost()) }()

	var gotErr error
	var calls int
	runID := hm.RunNetwork("missing", nil, func(_ runtime.RunIdentifier, err error, _ *runtime.ExecutionContext) {
		calls++
		gotErr = err
	}, 0)
	assert.Equal(t, 1, calls, "not-found callback fires inline")
	assert.True(t, runtime.IsCode(gotErr, runtime.CodeNetNotFound))

	next := hm.RunNetwork("missing", nil, func(_ runtime.RunIdentifier, err error, _ *runtime.ExecutionContext) {}, 0)
	assert.Equal(t, runID+1, next, "run identifiers are monotonic")
}

func TestRunNetworkBlocking(t *testing.T) {
	hm := newHost(t, smallConfig(), 1)
	defer func() { require.NoError(t, hm.ClearHost()) }()

	m := buildModule("A")
	require.NoError(t, hm.AddNetwork(m, nil))

	bindings := graph.NewBindings()
	bindings.Allocate(m.Placeholders())
	require.NoError(t, hm.RunNetworkBlocking("A", bindings))
	// Borrowed bindings are still the caller's and still populated.
	assert.NotNil(t, bindings.Get(m.Placeholder("A_in")))

	ctx, err := hm.RunNetworkBlockingCtx("A", newBoundContext(m))
	require.NoError(t, err)
	require.NotNil(t, ctx)
	assert.False(t, ctx.Request.StopTime.IsZero(), "request times are filled in")
}

func TestQueueRefusalAtCapacity(t *testing.T) {
	hm := newHost(t, runtime.HostConfig{ExecutorThreads: 3, MaxActiveRequests: 1, MaxQueueSize: 2}, 1)
	defer func() { require.NoError(t, hm.ClearHost()) }()

	m := buildModule("A")
	require.NoError(t, hm.AddNetwork(m, nil))

	release := make(chan struct{})
	var mu sync.Mutex
	completions := make(map[runtime.RunIdentifier]int)
	done := make(chan struct{}, 4)

	// First request occupies the single slot; its callback gates the pump.
	id1 := hm.RunNetwork("A", newBoundContext(m), func(id runtime.RunIdentifier, err error, _ *runtime.ExecutionContext) {
		<-release
		mu.Lock()
		completions[id]++
		mu.Unlock()
		assert.NoError(t, err)
		done <- struct{}{}
	}, 0)

	// Give the first request time to leave the queue and start running.
	require.Eventually(t, func() bool {
		hm.inferQueueLock.RLock()
		defer hm.inferQueueLock.RUnlock()
		return hm.inferQueue.Len() == 0
	}, time.Second, time.Millisecond)

	record := func(id runtime.RunIdentifier, err error, _ *runtime.ExecutionContext) {
		mu.Lock()
		completions[id]++
		mu.Unlock()
		assert.NoError(t, err)
		done <- struct{}{}
	}
	id2 := hm.RunNetwork("A", newBoundContext(m), record, 0)
	id3 := hm.RunNetwork("A", newBoundContext(m), record, 0)

	// The queue is now at MaxQueueSize; the fourth submission is refused
	// inline.
	var refusedErr error
	refusedCalls := 0
	hm.RunNetwork("A", newBoundContext(m), func(_ runtime.RunIdentifier, err error, _ *runtime.ExecutionContext) {
		refusedCalls++
		refusedErr = err
	}, 0)
	assert.Equal(t, 1, refusedCalls)
	require.Error(t, refusedErr)
	assert.True(t, runtime.IsCode(refusedErr, runtime.CodeRequestRefused))

	close(release)
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("queued requests did not complete")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for _, id := range []runtime.RunIdentifier{id1, id2, id3} {
		assert.Equal(t, 1, completions[id], "callback for %d fires exactly once", id)
	}
}

func TestPriorityDispatchOrder(t *testing.T) {
	hm := newHost(t, runtime.HostConfig{ExecutorThreads: 3, MaxActiveRequests: 1, MaxQueueSize: 10}, 1)
	defer func() { require.NoError(t, hm.ClearHost()) }()

	m := buildModule("A")
	require.NoError(t, hm.AddNetwork(m, nil))

	release := make(chan struct{})
	gateDone := make(chan struct{})
	hm.RunNetwork("A", newBoundContext(m), func(_ runtime.RunIdentifier, err error, _ *runtime.ExecutionContext) {
		<-release
		assert.NoError(t, err)
		close(gateDone)
	}, 0)
	require.Eventually(t, func() bool {
		hm.inferQueueLock.RLock()
		defer hm.inferQueueLock.RUnlock()
		return hm.inferQueue.Len() == 0
	}, time.Second, time.Millisecond)

	var mu sync.Mutex
	var order []uint64
	done := make(chan struct{}, 3)
	submit := func(prio uint64) {
		hm.RunNetwork("A", newBoundContext(m), func(_ runtime.RunIdentifier, err error, _ *runtime.ExecutionContext) {
			mu.Lock()
			order = append(order, prio)
			mu.Unlock()
			assert.NoError(t, err)
			done <- struct{}{}
		}, prio)
	}
	submit(1)
	submit(3)
	submit(2)

	close(release)
	<-gateDone
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("queued requests did not complete")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{3, 2, 1}, order, "higher priority dispatches first")
}

func TestFIFOAmongEqualPriorities(t *testing.T) {
	hm := newHost(t, runtime.HostConfig{ExecutorThreads: 3, MaxActiveRequests: 1, MaxQueueSize: 10}, 1)
	defer func() { require.NoError(t, hm.ClearHost()) }()

	m := buildModule("A")
	require.NoError(t, hm.AddNetwork(m, nil))

	release := make(chan struct{})
	hm.RunNetwork("A", newBoundContext(m), func(_ runtime.RunIdentifier, _ error, _ *runtime.ExecutionContext) {
		<-release
	}, 0)
	require.Eventually(t, func() bool {
		hm.inferQueueLock.RLock()
		defer hm.inferQueueLock.RUnlock()
		return hm.inferQueue.Len() == 0
	}, time.Second, time.Millisecond)

	var mu sync.Mutex
	var order []runtime.RunIdentifier
	done := make(chan struct{}, 4)
	var ids []runtime.RunIdentifier
	for i := 0; i < 4; i++ {
		id := hm.RunNetwork("A", newBoundContext(m), func(gotID runtime.RunIdentifier, err error, _ *runtime.ExecutionContext) {
			mu.Lock()
			order = append(order, gotID)
			mu.Unlock()
			assert.NoError(t, err)
			done <- struct{}{}
		}, 7)
		ids = append(ids, id)
	}

	close(release)
	for i := 0; i < 4; i++ {
		<-done
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ids, order, "equal priorities dispatch in submission order")
}

func TestRemoveNetworkBusyThenSucceeds(t *testing.T) {
	hm := newHost(t, runtime.HostConfig{ExecutorThreads: 3, MaxActiveRequests: 1, MaxQueueSize: 10}, 1)
	defer func() { require.NoError(t, hm.ClearHost()) }()

	m := buildModule("A")
	require.NoError(t, hm.AddNetwork(m, nil))

	release := make(chan struct{})
	hm.RunNetwork("A", newBoundContext(m), func(_ runtime.RunIdentifier, _ error, _ *runtime.ExecutionContext) {
		<-release
	}, 0)
	require.Eventually(t, func() bool {
		hm.inferQueueLock.RLock()
		defer hm.inferQueueLock.RUnlock()
		return hm.inferQueue.Len() == 0
	}, time.Second, time.Millisecond)

	// A second request is queued behind the gated one and holds the
	// refcount, so removal is refused.
	queuedDone := make(chan struct{})
	hm.RunNetwork("A", newBoundContext(m), func(_ runtime.RunIdentifier, err error, _ *runtime.ExecutionContext) {
		assert.NoError(t, err)
		close(queuedDone)
	}, 0)

	err := hm.RemoveNetwork("A")
	require.Error(t, err)
	assert.True(t, runtime.IsCode(err, runtime.CodeNetBusy))

	close(release)
	<-queuedDone
	require.Eventually(t, func() bool {
		return hm.RemoveNetwork("A") == nil
	}, 5*time.Second, 5*time.Millisecond)
	assert.False(t, hm.NetworkAdded("A"))
}

func TestRemoveNetworkIdempotent(t *testing.T) {
	hm := newHost(t, smallConfig(), 1)
	defer func() { require.NoError(t, hm.ClearHost()) }()
	assert.NoError(t, hm.RemoveNetwork("never-added"))
}

func TestAddRemoveRestoresCounters(t *testing.T) {
	hm := newHost(t, smallConfig(), 2)
	defer func() { require.NoError(t, hm.ClearHost()) }()

	stats := hm.Stats()
	usedBefore := stats.Counter(runtime.CounterDeviceMemoryUsed)
	availBefore := stats.Counter(runtime.CounterDeviceMemoryAvailable)

	m := buildModule("A")
	require.NoError(t, hm.AddNetwork(m, nil))
	assert.Greater(t, stats.Counter(runtime.CounterDeviceMemoryUsed), usedBefore,
		"provisioning consumes device memory")

	require.NoError(t, hm.RemoveNetwork("A"))
	assert.Equal(t, usedBefore, stats.Counter(runtime.CounterDeviceMemoryUsed))
	assert.Equal(t, availBefore, stats.Counter(runtime.CounterDeviceMemoryAvailable))
}

func TestProfileModeRequiresEmptyHost(t *testing.T) {
	hm := newHost(t, smallConfig(), 1)
	defer func() { require.NoError(t, hm.ClearHost()) }()

	require.NoError(t, hm.AddNetwork(buildModule("A"), nil))
	err := hm.AddNetwork(buildModule("B"), &runtime.CompilationContext{
		PrecisionMode: runtime.PrecisionProfile,
	})
	require.Error(t, err)
	assert.True(t, runtime.IsCode(err, runtime.CodeRuntimeError))
	assert.False(t, hm.NetworkAdded("B"))

	// A duplicate-free add still works afterwards: the reserved name was
	// released on failure.
	require.NoError(t, hm.AddNetwork(buildModule("B"), nil))
}

func TestProfileModeRebuildsDevices(t *testing.T) {
	hm := newHost(t, smallConfig(), 2)
	defer func() { require.NoError(t, hm.ClearHost()) }()

	m := buildModule("A")
	require.NoError(t, hm.AddNetwork(m, &runtime.CompilationContext{
		PrecisionMode: runtime.PrecisionProfile,
	}))
	require.True(t, hm.NetworkAdded("A"))

	dag, err := hm.GetNetworkDAG("A")
	require.NoError(t, err)
	require.Len(t, dag.Nodes, 1)
	assert.Equal(t, runtime.ProfilingBackend, dag.Nodes[0].BackendName,
		"profiling recompiles onto the profiling backend")

	require.NoError(t, hm.RunNetworkBlocking("A", func() *graph.PlaceholderBindings {
		b := graph.NewBindings()
		b.Allocate(m.Placeholders())
		return b
	}()))
}

func TestClearHostDrainsActiveRequests(t *testing.T) {
	hm := newHost(t, runtime.HostConfig{ExecutorThreads: 3, MaxActiveRequests: 3, MaxQueueSize: 10}, 1)

	m := buildModule("A")
	require.NoError(t, hm.AddNetwork(m, nil))

	var mu sync.Mutex
	fired := 0
	for i := 0; i < 3; i++ {
		hm.RunNetwork("A", newBoundContext(m), func(_ runtime.RunIdentifier, err error, _ *runtime.ExecutionContext) {
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			fired++
			mu.Unlock()
			assert.NoError(t, err)
		}, 0)
	}

	require.NoError(t, hm.ClearHost())
	mu.Lock()
	assert.Equal(t, 3, fired, "ClearHost waits for every callback")
	mu.Unlock()

	stats := hm.Stats()
	assert.Zero(t, stats.Counter(runtime.CounterDeviceMemoryUsed))
	assert.Zero(t, stats.Counter(runtime.CounterDeviceMemoryAvailable))
	assert.Zero(t, stats.Counter(runtime.CounterDeviceMemoryMax))
	assert.False(t, hm.NetworkAdded("A"))
}

func TestExecutionStats(t *testing.T) {
	hm := newHost(t, smallConfig(), 1)
	defer func() { require.NoError(t, hm.ClearHost()) }()

	m := buildModule("A")
	require.NoError(t, hm.AddNetwork(m, nil))
	require.NoError(t, hm.RunNetworkBlocking("A", func() *graph.PlaceholderBindings {
		b := graph.NewBindings()
		b.Allocate(m.Placeholders())
		return b
	}()))

	stats := hm.Stats()
	assert.Equal(t, int64(1), stats.Counter(runtime.CounterRequestsProcessed+".A"))
	assert.Equal(t, int64(1), stats.Counter(runtime.CounterRequestsSucceeded+".A"))
	assert.Equal(t, int64(0), stats.Counter(runtime.CounterRequestsFailed+".A"))
	assert.Equal(t, int64(1), stats.Counter(runtime.CounterRequestsProcessed+".global"))
}

func TestSerializeCompiledDAG(t *testing.T) {
	dir := t.TempDir()
	origDir, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer func() { require.NoError(t, os.Chdir(origDir)) }()

	hm := newHost(t, smallConfig(), 1)
	defer func() { require.NoError(t, hm.ClearHost()) }()

	require.NoError(t, hm.AddNetwork(buildModule("A"), &runtime.CompilationContext{
		SerializeCompiledDAG:               true,
		DelayAndRecordConstantModification: true,
	}))

	data, err := os.ReadFile("A.onnx")
	require.NoError(t, err)
	assert.Contains(t, string(data), "\"model\": \"A\"")
}

func TestDeviceTraceRoundTrip(t *testing.T) {
	hm := newHost(t, smallConfig(), 1)
	defer func() { require.NoError(t, hm.ClearHost()) }()

	m := buildModule("A")
	require.NoError(t, hm.AddNetwork(m, nil))
	require.NoError(t, hm.StartDeviceTrace())
	require.NoError(t, hm.RunNetworkBlocking("A", func() *graph.PlaceholderBindings {
		b := graph.NewBindings()
		b.Allocate(m.Placeholders())
		return b
	}()))
	require.NoError(t, hm.StopDeviceTrace())
	assert.NotEmpty(t, hm.HostTraceEvents())
}
