// Package executor traverses partitioned DAGs across devices, one request at
// a time per execution state.
//
// A fixed-size worker pool services node launches and request completions;
// device-manager callbacks do only cheap bookkeeping before bouncing work
// back onto the pool.
package executor

import (
	"sort"
	"sync"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/emberml/ember/runtime"
)

// smallPoolSize is the execution-state pool size when neither P2P nor DRT is
// enabled: one state runs while the next is being primed. With P2P or DRT,
// per-in-flight device buffers force the pool to cover peak concurrency.
const smallPoolSize = 2

// ThreadPoolExecutor runs DAGs for the host manager.
type ThreadPoolExecutor struct {
	name    string
	devices map[runtime.DeviceID]runtime.DeviceManager

	tasks     chan func()
	workersWG sync.WaitGroup

	mu           sync.Mutex
	pools        map[*runtime.DAGNode]*statePool
	shuttingDown bool
	inflight     sync.WaitGroup
}

// New returns an executor with `threads` pool workers over the given devices.
func New(devices map[runtime.DeviceID]runtime.DeviceManager, threads int, name string) *ThreadPoolExecutor {
	if threads <= 0 {
		threads = 1
	}
	e := &ThreadPoolExecutor{
		name:    name,
		devices: devices,
		tasks:   make(chan func(), 4*threads),
		pools:   make(map[*runtime.DAGNode]*statePool),
	}
	e.workersWG.Add(threads)
	for i := 0; i < threads; i++ {
		go func() {
			defer e.workersWG.Done()
			for task := range e.tasks {
				task()
			}
		}()
	}
	return e
}

// CreatePool pre-allocates reusable execution states for the network rooted
// at root. poolSize is the host's max-active-requests bound; it is only used
// in full when P2P or DRT demand per-in-flight device buffers.
func (e *ThreadPoolExecutor) CreatePool(root *runtime.DAGNode, poolSize int, enableP2P, enableDRT bool) {
	capacity := smallPoolSize
	fullCoverage := false
	if enableP2P || enableDRT {
		capacity = poolSize
		fullCoverage = true
	}
	pool := &statePool{
		states:       make(chan *executionState, capacity),
		fullCoverage: fullCoverage,
	}
	for i := 0; i < capacity; i++ {
		pool.states <- &executionState{exec: e}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pools[root] = pool
	klog.V(1).Infof("%s: created pool of %d execution state(s) for %q", e.name, capacity, root.Name)
}

// FreePool releases the states of the network rooted at root. The host
// manager guarantees no runs are outstanding when it frees a pool.
func (e *ThreadPoolExecutor) FreePool(root *runtime.DAGNode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pools, root)
}

// Run traverses the DAG rooted at root for one request. completion is invoked
// exactly once with (runID, error, ctx): on a pool worker, or on a goroutine
// of its own when the run is refused (executor shutting down, no pool for root).
func (e *ThreadPoolExecutor) Run(root *runtime.DAGNode, ctx *runtime.ExecutionContext,
	runID runtime.RunIdentifier, completion runtime.ResultCB) {

	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		// Not on the worker pool (it may already be gone), but still off the
		// caller's goroutine: callers invoke Run holding shared locks that
		// the completion path re-acquires.
		go completion(runID, runtime.Errorf(runtime.CodeRuntimeError,
			"executor %s is shutting down", e.name), ctx)
		return
	}
	pool := e.pools[root]
	if pool == nil {
		e.mu.Unlock()
		go completion(runID, runtime.Errorf(runtime.CodeRuntimeError,
			"no execution-state pool for network %q", root.Name), ctx)
		return
	}
	e.inflight.Add(1)
	e.mu.Unlock()

	state := pool.get()
	state.reset(pool, root, ctx, runID, completion)
	e.submit(state.start)
}

// Shutdown blocks new runs, waits for all outstanding completions, then stops
// the workers.
func (e *ThreadPoolExecutor) Shutdown() {
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		e.inflight.Wait()
		return
	}
	e.shuttingDown = true
	e.mu.Unlock()

	e.inflight.Wait()
	close(e.tasks)
	e.workersWG.Wait()
}

// submit hands a task to the worker pool.
func (e *ThreadPoolExecutor) submit(task func()) {
	e.tasks <- task
}

// statePool hands out pre-allocated execution states.
//
// With full coverage (P2P/DRT) the pool is sized to the host's concurrency
// bound, so an empty pool is a programming error. Otherwise get blocks until
// a state cycles back.
type statePool struct {
	states       chan *executionState
	fullCoverage bool
}

func (p *statePool) get() *executionState {
	if p.fullCoverage {
		select {
		case s := <-p.states:
			return s
		default:
			exceptions.Panicf("execution-state pool exhausted despite covering max active requests")
		}
	}
	return <-p.states
}

func (p *statePool) put(s *executionState) {
	p.states <- s
}

// sortedDeviceIDs returns the device ids of a node in stable order.
func sortedDeviceIDs(node *runtime.DAGNode) []runtime.DeviceID {
	ids := make([]runtime.DeviceID, 0, len(node.DeviceRuntimeInfos))
	for id := range node.DeviceRuntimeInfos {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
