package executor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberml/ember/backends"
	"github.com/emberml/ember/runtime"
)

// fakeDevice records execution order and can fail or delay chosen partitions.
type fakeDevice struct {
	mu       sync.Mutex
	executed []string
	failOn   map[string]error
	delay    time.Duration
}

func (d *fakeDevice) Init() error                                          { return nil }
func (d *fakeDevice) Stop() error                                          { return nil }
func (d *fakeDevice) GetMaximumMemory() uint64                             { return 1 << 30 }
func (d *fakeDevice) GetAvailableMemory() uint64                           { return 1 << 30 }
func (d *fakeDevice) GetBackendName() string                               { return "cpu" }
func (d *fakeDevice) GetParamByName(string) string                         { return "" }
func (d *fakeDevice) DeviceConfig() runtime.DeviceConfig                   { return runtime.DeviceConfig{Name: "fake"} }
func (d *fakeDevice) LoadFunction(string, backends.CompiledFunction) error { return nil }
func (d *fakeDevice) EvictFunction(string) error                           { return nil }
func (d *fakeDevice) StartDeviceTrace(*runtime.TraceContext) error         { return nil }
func (d *fakeDevice) StopDeviceTrace(*runtime.TraceContext) error          { return nil }

func (d *fakeDevice) RunFunction(runID runtime.RunIdentifier, name string,
	ctx *runtime.ExecutionContext,
	cb func(runtime.RunIdentifier, error, *runtime.ExecutionContext)) {
	go func() {
		if d.delay > 0 {
			time.Sleep(d.delay)
		}
		d.mu.Lock()
		d.executed = append(d.executed, name)
		err := d.failOn[name]
		d.mu.Unlock()
		cb(runID, err, ctx)
	}()
}

func (d *fakeDevice) executionOrder() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.executed...)
}

// chainDAG builds root -> a -> b -> c, all on device 0.
func chainDAG(names ...string) *runtime.DAG {
	root := &runtime.DAGNode{Name: "root"}
	dag := &runtime.DAG{Root: root}
	prev := root
	for _, name := range names {
		n := &runtime.DAGNode{
			Name:               name,
			BackendName:        "cpu",
			DeviceRuntimeInfos: map[runtime.DeviceID]struct{}{0: {}},
		}
		prev.AddChild(n)
		dag.Nodes = append(dag.Nodes, n)
		prev = n
	}
	return dag
}

// diamondDAG builds root -> {left, right} -> join.
func diamondDAG() *runtime.DAG {
	root := &runtime.DAGNode{Name: "root"}
	mk := func(name string) *runtime.DAGNode {
		return &runtime.DAGNode{
			Name:               name,
			BackendName:        "cpu",
			DeviceRuntimeInfos: map[runtime.DeviceID]struct{}{0: {}},
		}
	}
	left, right, join := mk("left"), mk("right"), mk("join")
	root.AddChild(left)
	root.AddChild(right)
	left.AddChild(join)
	right.AddChild(join)
	return &runtime.DAG{Root: root, Nodes: []*runtime.DAGNode{left, right, join}}
}

func newTestExecutor(dev *fakeDevice) *ThreadPoolExecutor {
	return New(map[runtime.DeviceID]runtime.DeviceManager{0: dev}, 3, "test")
}

func runAndWait(t *testing.T, e *ThreadPoolExecutor, dag *runtime.DAG, runID runtime.RunIdentifier) error {
	t.Helper()
	done := make(chan error, 1)
	e.Run(dag.Root, runtime.NewContext(nil), runID,
		func(gotID runtime.RunIdentifier, err error, _ *runtime.ExecutionContext) {
			assert.Equal(t, runID, gotID)
			done <- err
		})
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("run did not complete")
		return nil
	}
}

func TestChainExecutesInOrder(t *testing.T) {
	dev := &fakeDevice{}
	e := newTestExecutor(dev)
	defer e.Shutdown()

	dag := chainDAG("a", "b", "c")
	e.CreatePool(dag.Root, 8, false, false)
	require.NoError(t, runAndWait(t, e, dag, 1))
	assert.Equal(t, []string{"a", "b", "c"}, dev.executionOrder())
}

func TestDiamondJoinWaitsForAllParents(t *testing.T) {
	dev := &fakeDevice{}
	e := newTestExecutor(dev)
	defer e.Shutdown()

	dag := diamondDAG()
	e.CreatePool(dag.Root, 8, false, false)
	require.NoError(t, runAndWait(t, e, dag, 1))

	order := dev.executionOrder()
	require.Len(t, order, 3)
	assert.Equal(t, "join", order[2], "join must run after both parents")
}

func TestNodeErrorPropagatesOnce(t *testing.T) {
	dev := &fakeDevice{failOn: map[string]error{
		"b": runtime.NewError(runtime.CodeRuntimeError, "kernel fault"),
	}}
	e := newTestExecutor(dev)
	defer e.Shutdown()

	dag := chainDAG("a", "b", "c")
	e.CreatePool(dag.Root, 8, false, false)

	var calls atomic.Int32
	done := make(chan error, 1)
	e.Run(dag.Root, runtime.NewContext(nil), 1,
		func(_ runtime.RunIdentifier, err error, _ *runtime.ExecutionContext) {
			calls.Add(1)
			done <- err
		})
	err := <-done
	require.Error(t, err)
	assert.True(t, runtime.IsCode(err, runtime.CodeRuntimeError))

	// Give any stray duplicate callback a chance to fire, then check.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "completion must fire exactly once")
	assert.NotContains(t, dev.executionOrder(), "c", "successors of a failed node must not run")
}

func TestPoolRecycling(t *testing.T) {
	dev := &fakeDevice{delay: time.Millisecond}
	e := newTestExecutor(dev)
	defer e.Shutdown()

	dag := chainDAG("a")
	e.CreatePool(dag.Root, 8, false, false)

	// More concurrent runs than pool states: the pool must cycle, every
	// completion must fire.
	const runs = 6
	var wg sync.WaitGroup
	wg.Add(runs)
	for i := 0; i < runs; i++ {
		go func(id runtime.RunIdentifier) {
			e.Run(dag.Root, runtime.NewContext(nil), id,
				func(_ runtime.RunIdentifier, err error, _ *runtime.ExecutionContext) {
					assert.NoError(t, err)
					wg.Done()
				})
		}(runtime.RunIdentifier(i))
	}
	wg.Wait()
	assert.Len(t, dev.executionOrder(), runs)
}

func TestFreePoolThenRunFails(t *testing.T) {
	dev := &fakeDevice{}
	e := newTestExecutor(dev)
	defer e.Shutdown()

	dag := chainDAG("a")
	e.CreatePool(dag.Root, 8, false, false)
	e.FreePool(dag.Root)

	err := runAndWait(t, e, dag, 1)
	require.Error(t, err)
}

func TestShutdownBlocksNewRunsAndDrains(t *testing.T) {
	dev := &fakeDevice{delay: 10 * time.Millisecond}
	e := newTestExecutor(dev)

	dag := chainDAG("a", "b")
	e.CreatePool(dag.Root, 8, false, false)

	var completed int32
	var mu sync.Mutex
	done := make(chan struct{}, 1)
	e.Run(dag.Root, runtime.NewContext(nil), 1,
		func(_ runtime.RunIdentifier, err error, _ *runtime.ExecutionContext) {
			mu.Lock()
			completed++
			mu.Unlock()
			assert.NoError(t, err)
			done <- struct{}{}
		})

	e.Shutdown()
	<-done
	mu.Lock()
	assert.Equal(t, int32(1), completed, "shutdown must wait for in-flight runs")
	mu.Unlock()

	refused := make(chan error, 1)
	e.Run(dag.Root, runtime.NewContext(nil), 2,
		func(_ runtime.RunIdentifier, err error, _ *runtime.ExecutionContext) {
			refused <- err
		})
	assert.Error(t, <-refused)
}
