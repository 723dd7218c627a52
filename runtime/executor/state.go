package executor

import (
	"sync"

	"github.com/emberml/ember/runtime"
)

// executionState is the per-request scratch for one DAG traversal: pending
// parent counts, in-flight node count and the first error. States are owned
// exclusively by one request between pool get and put.
type executionState struct {
	exec *ThreadPoolExecutor
	pool *statePool

	root       *runtime.DAGNode
	ctx        *runtime.ExecutionContext
	runID      runtime.RunIdentifier
	completion runtime.ResultCB

	mu          sync.Mutex
	pending     map[*runtime.DAGNode]int
	remaining   int
	outstanding int
	failed      bool
	finished    bool
	err         *runtime.OneErrOnly
}

// reset primes the state for a fresh run.
func (s *executionState) reset(pool *statePool, root *runtime.DAGNode,
	ctx *runtime.ExecutionContext, runID runtime.RunIdentifier, completion runtime.ResultCB) {

	s.pool = pool
	s.root = root
	s.ctx = ctx
	s.runID = runID
	s.completion = completion
	s.pending = make(map[*runtime.DAGNode]int, len(root.Children))
	s.remaining = 0
	s.outstanding = 0
	s.failed = false
	s.finished = false
	s.err = &runtime.OneErrOnly{}

	var walk func(n *runtime.DAGNode)
	walk = func(n *runtime.DAGNode) {
		for _, child := range n.Children {
			if _, seen := s.pending[child]; !seen {
				s.pending[child] = len(child.Parents)
				s.remaining++
				walk(child)
			}
		}
	}
	walk(root)
}

// start kicks off the traversal: the synthetic root completes immediately,
// releasing its children. Never called with s.mu held.
func (s *executionState) start() {
	s.mu.Lock()
	if s.remaining == 0 {
		// A network with no partitions: nothing to run.
		s.finishAndUnlock()
		return
	}
	ready := s.releaseChildrenLocked(s.root)
	s.mu.Unlock()
	s.launch(ready)
}

// releaseChildrenLocked decrements the pending count of n's children and
// returns the ones that became ready, with their in-flight slots already
// reserved. Must be called with s.mu held.
func (s *executionState) releaseChildrenLocked(n *runtime.DAGNode) []*runtime.DAGNode {
	if s.failed {
		return nil
	}
	var ready []*runtime.DAGNode
	for _, child := range n.Children {
		s.pending[child]--
		if s.pending[child] == 0 {
			s.outstanding++
			ready = append(ready, child)
		}
	}
	return ready
}

// launch submits node runs to the worker pool. Must be called without s.mu:
// the pool and device queues are bounded, so submitting may block, and a
// blocked submit holding the state lock would wedge the device callbacks
// that drain those queues.
func (s *executionState) launch(nodes []*runtime.DAGNode) {
	for _, node := range nodes {
		n := node
		s.exec.submit(func() {
			ids := sortedDeviceIDs(n)
			if len(ids) == 0 {
				s.onNodeComplete(n, runtime.Errorf(runtime.CodeRuntimeError,
					"partition %q is not loaded on any device", n.Name))
				return
			}
			id := ids[int(s.runID)%len(ids)]
			s.exec.devices[id].RunFunction(s.runID, n.Name, s.ctx,
				func(_ runtime.RunIdentifier, err error, _ *runtime.ExecutionContext) {
					s.onNodeComplete(n, err)
				})
		})
	}
}

// onNodeComplete is the device callback: cheap bookkeeping, then either
// release successors or publish completion.
func (s *executionState) onNodeComplete(n *runtime.DAGNode, err error) {
	s.mu.Lock()
	s.outstanding--
	var ready []*runtime.DAGNode
	if err != nil {
		s.failed = true
		s.err.Set(err)
	} else {
		s.remaining--
		ready = s.releaseChildrenLocked(n)
	}
	if s.outstanding == 0 && (s.failed || s.remaining == 0) {
		s.finishAndUnlock()
		return
	}
	s.mu.Unlock()
	s.launch(ready)
}

// finishAndUnlock returns the state to its pool and publishes the completion
// on a pool worker. The completion fires exactly once per reset. Must be
// called with s.mu held; it releases the lock.
func (s *executionState) finishAndUnlock() {
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true

	exec := s.exec
	pool := s.pool
	ctx := s.ctx
	runID := s.runID
	completion := s.completion
	err := s.err.Get()

	// Drop request-scoped references before the state becomes reusable.
	s.ctx = nil
	s.completion = nil
	s.mu.Unlock()

	pool.put(s)
	exec.submit(func() {
		completion(runID, err, ctx)
		exec.inflight.Done()
	})
}
