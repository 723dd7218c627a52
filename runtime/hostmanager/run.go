package hostmanager

import (
	"time"

	"github.com/gomlx/exceptions"

	"github.com/emberml/ember/graph"
	"github.com/emberml/ember/runtime"
	"github.com/emberml/ember/types/xsync"
)

// RunNetwork submits one asynchronous inference request against a registered
// network and returns its run identifier. The callback is invoked exactly
// once -- inline for admission failures, otherwise on an executor worker (or
// on a goroutine of its own when the executor refuses the run).
//
// Requests are dispatched highest priority first; equal priorities dispatch
// in submission order.
func (hm *HostManager) RunNetwork(name string, ctx *runtime.ExecutionContext,
	callback runtime.ResultCB, priority uint64) runtime.RunIdentifier {

	if callback == nil {
		exceptions.Panicf("RunNetwork requires a callback")
	}
	runID := hm.totalRequestCount.Add(1) - 1
	received := time.Now()
	if ctx == nil {
		ctx = runtime.NewContext(nil)
	}
	ctx.Request.ReceivedTime = received

	hm.networkLock.RLock()
	data, found := hm.networks[name]
	if !found {
		hm.networkLock.RUnlock()
		callback(runID, runtime.Errorf(runtime.CodeNetNotFound,
			"function %s not found", name), ctx)
		return runID
	}
	data.refcount.Add(1)

	refuse := func(queued int) runtime.RunIdentifier {
		if data.refcount.Add(-1) < 0 {
			exceptions.Panicf("negative refcount for network %s", name)
		}
		hm.networkLock.RUnlock()
		callback(runID, runtime.Errorf(runtime.CodeRequestRefused,
			"the number of allowed queued requests has been exceeded. "+
				"queued requests: %d allowed requests: %d",
			queued, hm.config.MaxQueueSize), ctx)
		return runID
	}

	// Cheap shared-lock admission check first; the length is re-verified
	// under the exclusive lock before pushing, so the bound cannot be
	// overshot by racing submitters.
	hm.inferQueueLock.RLock()
	queued := hm.inferQueue.Len()
	hm.inferQueueLock.RUnlock()
	if queued >= hm.config.MaxQueueSize {
		return refuse(queued)
	}

	req := &InferRequest{
		NetworkName: name,
		Context:     ctx,
		Callback:    callback,
		Priority:    priority,
		RequestID:   runID,
		StartTime:   received,
	}
	hm.inferQueueLock.Lock()
	if queued = hm.inferQueue.Len(); queued >= hm.config.MaxQueueSize {
		hm.inferQueueLock.Unlock()
		return refuse(queued)
	}
	hm.inferQueue.Push(req)
	hm.inferQueueLock.Unlock()
	hm.networkLock.RUnlock()

	// Take a dispatch slot if one is free. Otherwise hand the request over
	// to the pump: the pre-increment value was at the cap, so a completion
	// was outstanding at enqueue time and will drain the queue (it may even
	// have picked this request up already).
	if hm.activeRequestCount.Add(1) <= int64(hm.config.MaxActiveRequests) {
		hm.dispatchNextRun()
		return runID
	}
	hm.activeRequestCount.Add(-1)
	return runID
}

// dispatchNextRun pops the highest-priority request and hands it to the
// executor; the completion decrements the network refcount, publishes stats
// and request times, invokes the user callback and pumps the queue again.
// An empty queue releases the dispatch slot.
func (hm *HostManager) dispatchNextRun() {
	hm.inferQueueLock.Lock()
	req := hm.inferQueue.Pop()
	if req == nil {
		hm.activeRequestCount.Add(-1)
		hm.inferQueueLock.Unlock()
		return
	}
	hm.inferQueueLock.Unlock()

	startTime := time.Now()
	name := req.NetworkName
	callback := req.Callback
	received := req.StartTime

	hm.networkLock.RLock()
	data, found := hm.networks[name]
	if !found {
		// The refcount taken at submission blocks removal; a queued request
		// for an unknown network is a bookkeeping bug, not a race.
		hm.networkLock.RUnlock()
		exceptions.Panicf("queued request %d targets unknown network %s", req.RequestID, name)
	}
	hm.exec.Run(data.dag.Root, req.Context, req.RequestID,
		func(runID runtime.RunIdentifier, err error, ctx *runtime.ExecutionContext) {
			hm.networkLock.RLock()
			if it, stillThere := hm.networks[name]; stillThere {
				if it.refcount.Add(-1) < 0 {
					exceptions.Panicf("negative refcount for network %s", name)
				}
			}
			hm.networkLock.RUnlock()

			hm.updateExecutionStats(startTime, name, err)
			if ctx != nil {
				ctx.Request.ReceivedTime = received
				ctx.Request.StartTime = startTime
				ctx.Request.StopTime = time.Now()
			}
			callback(runID, err, ctx)
			hm.dispatchNextRun()
		})
	hm.networkLock.RUnlock()
}

// updateExecutionStats publishes the per-network and global counters for one
// completed request.
func (hm *HostManager) updateExecutionStats(startTime time.Time, name string, err error) {
	duration := time.Since(startTime)
	update := func(suffix string) {
		hm.stats.AddTimeSeriesValue(runtime.SeriesExecutionDuration+"."+suffix, duration.Seconds())
		hm.stats.IncrementCounter(runtime.CounterRequestsProcessed + "." + suffix)
		if err != nil {
			hm.stats.IncrementCounter(runtime.CounterRequestsFailed + "." + suffix)
		} else {
			hm.stats.IncrementCounter(runtime.CounterRequestsSucceeded + "." + suffix)
		}
	}
	update(name)
	update(runtime.GlobalStatsKey)
}

// RunNetworkBlocking runs the network synchronously against caller-owned
// bindings. The bindings are borrowed: they are never taken over, and remain
// the caller's after return.
//
// Must not be called from a completion callback of the same network: the
// callback would wait on its own latch.
func (hm *HostManager) RunNetworkBlocking(name string, bindings *graph.PlaceholderBindings) error {
	ctx := runtime.NewContext(bindings)
	latch := xsync.NewLatchWithValue[error]()
	hm.RunNetwork(name, ctx, func(_ runtime.RunIdentifier, err error, _ *runtime.ExecutionContext) {
		latch.Trigger(err)
	}, 0)
	return latch.Wait()
}

// RunNetworkBlockingCtx runs the network synchronously with a full execution
// context and returns the context handed back by the completion.
func (hm *HostManager) RunNetworkBlockingCtx(name string, ctx *runtime.ExecutionContext) (*runtime.ExecutionContext, error) {
	type outcome struct {
		err error
		ctx *runtime.ExecutionContext
	}
	latch := xsync.NewLatchWithValue[outcome]()
	hm.RunNetwork(name, ctx, func(_ runtime.RunIdentifier, err error, resCtx *runtime.ExecutionContext) {
		latch.Trigger(outcome{err: err, ctx: resCtx})
	}, 0)
	res := latch.Wait()
	return res.ctx, res.err
}
