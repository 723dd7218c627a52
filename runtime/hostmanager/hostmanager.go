// Package hostmanager is the public façade of the host runtime: it owns the
// network registry, the device fleet, the admission queue and the dispatch
// pump, and reconciles the three concurrent lifecycles -- devices, networks
// and in-flight requests -- under a refcount-based removal barrier.
package hostmanager

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/emberml/ember/backends"
	"github.com/emberml/ember/graph"
	"github.com/emberml/ember/partition"
	"github.com/emberml/ember/runtime"
	"github.com/emberml/ember/runtime/device"
	"github.com/emberml/ember/runtime/executor"
	"github.com/emberml/ember/runtime/provisioner"
)

// DAGOptimizer is an optional hook invoked after partitioning when the
// compilation context asks for it. Vendors install it at process start.
var DAGOptimizer func(dags []*runtime.DAG, prov *provisioner.Provisioner,
	module *graph.Module, devices []runtime.DeviceInfo,
	cctx *runtime.CompilationContext) error

// networkData is the registry entry for one added network.
type networkData struct {
	dag *runtime.DAG

	// module is shared across every network created from the same module;
	// it is released when the last referencing entry is erased.
	module *graph.Module

	// refcount counts in-flight requests targeting this network. A network
	// with a nonzero refcount is never erased.
	refcount atomic.Int64
}

// HostManager orchestrates networks, devices and requests for one process.
type HostManager struct {
	config runtime.HostConfig
	stats  *runtime.StatsExporterRegistry

	// networkLock guards networks, processingNetworks, devices, prov and
	// exec. inferQueueLock is ordered strictly after it.
	networkLock        sync.RWMutex
	networks           map[string]*networkData
	processingNetworks map[string]struct{}
	devices            map[runtime.DeviceID]runtime.DeviceManager
	prov               *provisioner.Provisioner
	exec               *executor.ThreadPoolExecutor

	// inferQueueLock guards inferQueue. All mutations take it exclusively;
	// shared holders only read Len.
	inferQueueLock sync.RWMutex
	inferQueue     *inferQueue

	activeRequestCount atomic.Int64
	totalRequestCount  atomic.Uint64

	hostTraceContext *runtime.TraceContext
}

// Option configures a HostManager at construction.
type Option func(*HostManager)

// WithHostConfig overrides the default concurrency bounds.
func WithHostConfig(cfg runtime.HostConfig) Option {
	return func(hm *HostManager) { hm.config = cfg }
}

// WithStats uses the given stats registry instead of the process-wide one.
func WithStats(stats *runtime.StatsExporterRegistry) Option {
	return func(hm *HostManager) { hm.stats = stats }
}

// New builds a host manager over the given devices: each config gets a name
// if absent, its device manager is created and initialized, and the
// provisioner and executor are bound to the fleet. Any device init failure is
// fatal and propagates.
func New(deviceConfigs []runtime.DeviceConfig, opts ...Option) (*HostManager, error) {
	hm := &HostManager{
		config:             runtime.DefaultHostConfig(),
		stats:              runtime.Stats(),
		networks:           make(map[string]*networkData),
		processingNetworks: make(map[string]struct{}),
		devices:            make(map[runtime.DeviceID]runtime.DeviceManager),
		inferQueue:         newInferQueue(),
		hostTraceContext:   runtime.NewTraceContext(),
	}
	for _, opt := range opts {
		opt(hm)
	}

	for i := range deviceConfigs {
		cfg := deviceConfigs[i]
		if !cfg.HasName() {
			cfg.Name = fmt.Sprintf("config%d", i)
		}
		cfg.DeviceID = runtime.DeviceID(i)
		dm, err := device.New(cfg)
		if err != nil {
			return nil, err
		}
		if err := dm.Init(); err != nil {
			return nil, err
		}
		hm.devices[cfg.DeviceID] = dm
	}
	hm.prov = provisioner.New(hm.devices)
	hm.exec = executor.New(hm.devices, hm.config.ExecutorThreads, "HostManager")
	hm.ExportMemoryCounters()
	return hm, nil
}

// Config returns the host bounds.
func (hm *HostManager) Config() runtime.HostConfig { return hm.config }

// Stats returns the stats registry counters are published to.
func (hm *HostManager) Stats() *runtime.StatsExporterRegistry { return hm.stats }

// NumDevices returns the size of the device fleet.
func (hm *HostManager) NumDevices() int {
	hm.networkLock.RLock()
	defer hm.networkLock.RUnlock()
	return len(hm.devices)
}

// AvailableMemory returns the available memory of one device, or 0 for an
// unknown device.
func (hm *HostManager) AvailableMemory(id runtime.DeviceID) uint64 {
	hm.networkLock.RLock()
	defer hm.networkLock.RUnlock()
	dm, found := hm.devices[id]
	if !found {
		return 0
	}
	return dm.GetAvailableMemory()
}

// NetworkAdded reports whether a network with the given name is registered.
func (hm *HostManager) NetworkAdded(name string) bool {
	hm.networkLock.RLock()
	defer hm.networkLock.RUnlock()
	_, found := hm.networks[name]
	return found
}

// GetNetworkDAG returns the DAG of a registered network.
func (hm *HostManager) GetNetworkDAG(name string) (*runtime.DAG, error) {
	hm.networkLock.RLock()
	defer hm.networkLock.RUnlock()
	data, found := hm.networks[name]
	if !found {
		return nil, runtime.NewError(runtime.CodeRuntimeError, "network not found")
	}
	return data.dag, nil
}

// GetBackend returns the backend registered under name.
func (hm *HostManager) GetBackend(name string) (backends.Backend, error) {
	return hm.prov.GetBackend(name)
}

// StartDeviceTrace starts tracing on every device into the host trace
// context.
func (hm *HostManager) StartDeviceTrace() error {
	hm.networkLock.RLock()
	defer hm.networkLock.RUnlock()
	for _, dm := range hm.devices {
		if err := dm.StartDeviceTrace(hm.hostTraceContext); err != nil {
			return err
		}
	}
	return nil
}

// StopDeviceTrace stops tracing on every device.
func (hm *HostManager) StopDeviceTrace() error {
	hm.networkLock.RLock()
	defer hm.networkLock.RUnlock()
	for _, dm := range hm.devices {
		if err := dm.StopDeviceTrace(hm.hostTraceContext); err != nil {
			return err
		}
	}
	return nil
}

// HostTraceEvents returns the events collected by device tracing.
func (hm *HostManager) HostTraceEvents() []runtime.TraceEvent {
	return hm.hostTraceContext.Events()
}

// ExportMemoryCounters publishes the aggregate device memory counters.
func (hm *HostManager) ExportMemoryCounters() {
	hm.networkLock.RLock()
	defer hm.networkLock.RUnlock()
	hm.exportMemoryCountersLocked()
}

// exportMemoryCountersLocked publishes the counters. networkLock must be
// held, shared or exclusive.
func (hm *HostManager) exportMemoryCountersLocked() {
	var maxMem, availableMem uint64
	for _, dm := range hm.devices {
		maxMem += dm.GetMaximumMemory()
		availableMem += dm.GetAvailableMemory()
	}
	hm.stats.SetCounter(runtime.CounterDeviceMemoryUsed, int64(maxMem-availableMem))
	hm.stats.SetCounter(runtime.CounterDeviceMemoryAvailable, int64(availableMem))
	hm.stats.SetCounter(runtime.CounterDeviceMemoryMax, int64(maxMem))
}

// cleanupAddNetworkLocked releases reserved names after an add attempt,
// successful or not. networkLock must be held exclusively.
func (hm *HostManager) cleanupAddNetworkLocked(names []string) {
	for _, name := range names {
		delete(hm.processingNetworks, name)
	}
	hm.exportMemoryCountersLocked()
}

func (hm *HostManager) cleanupAddNetwork(names []string) {
	hm.networkLock.Lock()
	defer hm.networkLock.Unlock()
	hm.cleanupAddNetworkLocked(names)
}

// deviceInfoSnapshot captures the placement-relevant view of the fleet.
func (hm *HostManager) deviceInfoSnapshot() []runtime.DeviceInfo {
	hm.networkLock.Lock()
	defer hm.networkLock.Unlock()
	infos := make([]runtime.DeviceInfo, 0, len(hm.devices))
	for id, dm := range hm.devices {
		infos = append(infos, runtime.DeviceInfo{
			DeviceID:          id,
			BackendName:       dm.GetBackendName(),
			AvailableMemory:   dm.GetAvailableMemory(),
			MaximumMemory:     dm.GetMaximumMemory(),
			SupportedNodes:    dm.GetParamByName("supportedNodes"),
			NonSupportedNodes: dm.GetParamByName("nonSupportedNodes"),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].DeviceID < infos[j].DeviceID })
	return infos
}

// AddNetwork optimizes, partitions and provisions every function of module,
// then publishes each resulting DAG as a runnable network keyed by function
// name. On failure every reserved name is released and every partition
// already provisioned is evicted.
func (hm *HostManager) AddNetwork(module *graph.Module, cctx *runtime.CompilationContext) error {
	if cctx == nil {
		cctx = &runtime.CompilationContext{}
	}

	// Dump the final graphs if we fail after partitioning; armed once
	// partitioning succeeds, dismissed on the success path.
	dumpGuardArmed := false
	defer func() {
		if !dumpGuardArmed || !cctx.DumpFinalGraph {
			return
		}
		for _, fn := range module.Functions() {
			fname := fmt.Sprintf("final_graph_dbg_err_%s.dot", fn.Name())
			klog.Infof("dumping final graph due to error to %s", fname)
			if err := fn.DumpDAG(fname); err != nil {
				klog.Warningf("failed to dump final graph: %v", err)
			}
		}
	}()

	// While active, constants cannot be modified by optimization passes;
	// restored on every exit path, folding happens after partitioning.
	preventer := graph.NewConstantModificationPreventer(module)
	if cctx.DelayAndRecordConstantModification {
		preventer.Activate()
	}
	defer preventer.DeactivateAndCleanup()

	// Reserve every function name, or fail without touching anything.
	var names []string
	reserveErr := func() error {
		hm.networkLock.Lock()
		defer hm.networkLock.Unlock()
		for _, fn := range module.Functions() {
			name := fn.Name()
			_, inNetworks := hm.networks[name]
			_, inProcessing := hm.processingNetworks[name]
			if inNetworks || inProcessing {
				hm.cleanupAddNetworkLocked(names)
				return runtime.Errorf(runtime.CodeRuntimeError,
					"failed to add network: already have a function called %s", name)
			}
			hm.processingNetworks[name] = struct{}{}
			names = append(names, name)
		}
		return nil
	}()
	if reserveErr != nil {
		return reserveErr
	}

	// Backend-specific options: the process-level file overrides per-call
	// options; otherwise the cctx may point at a file itself.
	if runtime.BackendSpecificOptsFile != "" {
		if len(cctx.BackendOpts.BackendSpecificOpts) != 0 {
			klog.Warningf("backendSpecificOpts is set via the host manager, ignoring previously set options")
		}
		opts, err := backends.LoadBackendSpecificOpts(runtime.BackendSpecificOptsFile)
		if err != nil {
			hm.cleanupAddNetwork(names)
			return err
		}
		cctx.BackendOpts.BackendSpecificOpts = opts
	} else if path, found := cctx.BackendOpts.BackendSpecificOpts[backends.OptionsFileKey]; found {
		opts, err := backends.LoadBackendSpecificOpts(path)
		if err != nil {
			hm.cleanupAddNetwork(names)
			return err
		}
		cctx.BackendOpts.BackendSpecificOpts = opts
	}

	deviceInfo := hm.deviceInfoSnapshot()

	// Functions carrying per-node backend overrides were already optimized;
	// re-optimizing would invalidate the mapped info.
	if !cctx.BackendSpecificNodeInfo {
		for _, fn := range module.Functions() {
			if err := graph.OptimizeBeforeLowering(fn); err != nil {
				hm.cleanupAddNetwork(names)
				return err
			}
		}
	}

	contextCount := 2
	if cctx.EnableP2P || cctx.EnableDRT {
		contextCount = hm.config.MaxActiveRequests
	}
	partOpts := partition.Options{
		ContextCount: contextCount,
		SaturateHost: cctx.SaturateHost,
	}
	if cctx.PrecisionMode == runtime.PrecisionProfile {
		// The fleet is about to be rebuilt onto the profiling backend;
		// placement against the current devices would be meaningless.
		partOpts.OverrideBackend = runtime.ProfilingBackend
	}
	dags, err := partition.Partition(module, deviceInfo, partOpts)
	if err != nil {
		hm.cleanupAddNetwork(names)
		return err
	}
	dumpGuardArmed = true

	if cctx.PrecisionMode == runtime.PrecisionProfile {
		if err := hm.rebuildForProfiling(); err != nil {
			hm.cleanupAddNetwork(names)
			return err
		}
	}

	// Deferred constant folding, with recording for serialization.
	record := make(graph.ConstantFoldingRecord)
	if cctx.DelayAndRecordConstantModification {
		preventer.DeactivateAndCleanup()
		if len(dags) != 1 {
			hm.cleanupAddNetwork(names)
			return runtime.Errorf(runtime.CodeRuntimeError,
				"expect only one DAG, got %d", len(dags))
		}
		for _, node := range dags[0].Nodes {
			fn := module.Function(node.Name)
			if fn == nil {
				hm.cleanupAddNetwork(names)
				return runtime.Errorf(runtime.CodeRuntimeError, "function %s not found", node.Name)
			}
			rec, err := graph.ConstantFoldAndRecord(fn)
			if err != nil {
				hm.cleanupAddNetwork(names)
				return err
			}
			record.Merge(rec)
			graph.RunDCE(fn)

			b, err := hm.prov.GetBackend(node.BackendName)
			if err != nil {
				hm.cleanupAddNetwork(names)
				return err
			}
			if !b.Verify(fn) {
				hm.cleanupAddNetwork(names)
				return runtime.Errorf(runtime.CodeRuntimeError,
					"unsupported node(s) found after optimizing function %s for backend %s",
					fn.Name(), node.BackendName)
			}
		}
	}

	if cctx.CallDAGOptimizer && DAGOptimizer != nil {
		if err := DAGOptimizer(dags, hm.prov, module, deviceInfo, cctx); err != nil {
			hm.cleanupAddNetwork(names)
			return err
		}
	}

	if cctx.SerializeCompiledDAG && len(dags) > 0 {
		loc := dags[0].Root.Name + ".onnx"
		klog.Infof("serializing DAG to %s", loc)
		if err := runtime.SerializeDAG(loc, dags[0], record); err != nil {
			hm.cleanupAddNetwork(names)
			return err
		}
	}

	// The recording scaffolding served serialization; drop it before
	// provisioning.
	graph.CleanupConstantFolding(module, record)

	if err := hm.prov.Provision(dags, module, cctx); err != nil {
		hm.cleanupAddNetwork(names)
		return err
	}
	dumpGuardArmed = false

	func() {
		hm.networkLock.Lock()
		defer hm.networkLock.Unlock()
		for _, dag := range dags {
			hm.exec.CreatePool(dag.Root, hm.config.MaxActiveRequests,
				cctx.EnableP2P || runtime.EnableP2P,
				cctx.EnableDRT || runtime.EnableDRT)
		}
	}()

	// Free constant payloads, then share the module across every network it
	// produced.
	if !cctx.SkipModuleStrip {
		module.Strip()
	}
	hm.networkLock.Lock()
	defer hm.networkLock.Unlock()
	for _, dag := range dags {
		data := &networkData{dag: dag, module: module}
		hm.networks[dag.Root.Name] = data
	}
	hm.cleanupAddNetworkLocked(names)
	klog.Infof("added %d network(s): %v", len(dags), names)
	return nil
}

// rebuildForProfiling replaces every device with one on the profiling
// backend and resets the provisioner and executor. Profiling requires an
// empty registry: the provisioner reset would orphan other networks.
func (hm *HostManager) rebuildForProfiling() error {
	hm.networkLock.Lock()
	defer hm.networkLock.Unlock()
	if len(hm.networks) > 0 {
		return runtime.NewError(runtime.CodeRuntimeError,
			"for quantization profiling flow, there can't be other registered networks before this one")
	}
	for id, dm := range hm.devices {
		old := dm.DeviceConfig()
		if err := dm.Stop(); err != nil {
			klog.Warningf("stopping device %s for profiling rebuild: %v", old.Name, err)
		}
		cfg := runtime.DeviceConfig{
			BackendName:  runtime.ProfilingBackend,
			Name:         old.Name,
			Parameters:   old.Parameters,
			DeviceMemory: old.DeviceMemory,
			DeviceID:     id,
		}
		ndm, err := device.New(cfg)
		if err != nil {
			return err
		}
		if err := ndm.Init(); err != nil {
			return err
		}
		hm.devices[id] = ndm
	}
	hm.exec.Shutdown()
	hm.prov = provisioner.New(hm.devices)
	hm.exec = executor.New(hm.devices, hm.config.ExecutorThreads, "HostManager")
	return nil
}

// RemoveNetwork erases a network: frees its executor pool, evicts every
// partition from every device and removes the compiled artifacts. Removing
// an unknown name succeeds. A network still being added or with outstanding
// runs is busy.
func (hm *HostManager) RemoveNetwork(name string) error {
	hm.networkLock.Lock()
	defer hm.networkLock.Unlock()

	if _, processing := hm.processingNetworks[name]; processing {
		return runtime.Errorf(runtime.CodeNetBusy,
			"cannot remove the network %s, as it is currently being modified", name)
	}
	data, found := hm.networks[name]
	if !found {
		return nil
	}
	if data.refcount.Load() != 0 {
		return runtime.Errorf(runtime.CodeNetBusy,
			"cannot remove the network %s, as there are still outstanding runs", name)
	}

	var firstErr runtime.OneErrOnly
	hm.exec.FreePool(data.dag.Root)
	for _, node := range data.dag.Nodes {
		for id := range node.DeviceRuntimeInfos {
			firstErr.Set(hm.prov.EvictFunction(node.Name, id))
		}
		firstErr.Set(hm.prov.RemoveFunction(node.Name))
	}
	delete(hm.networks, name)
	hm.exportMemoryCountersLocked()
	return firstErr.Get()
}

// ClearHost shuts the executor down, removes every network, stops every
// device and zeroes the memory counters. The first device-stop error is
// returned, the rest are logged and suppressed.
func (hm *HostManager) ClearHost() error {
	hm.exec.Shutdown()

	if n := hm.activeRequestCount.Load(); n != 0 {
		exceptions.Panicf("all requests should be finished when shutting down the host manager, %d still active", n)
	}

	for {
		hm.networkLock.RLock()
		var name string
		found := false
		for n := range hm.networks {
			name, found = n, true
			break
		}
		hm.networkLock.RUnlock()
		if !found {
			break
		}
		if err := hm.RemoveNetwork(name); err != nil {
			return err
		}
	}

	hm.networkLock.Lock()
	defer hm.networkLock.Unlock()
	var firstErr runtime.OneErrOnly
	for _, dm := range hm.devices {
		firstErr.Set(dm.Stop())
	}
	hm.stats.SetCounter(runtime.CounterDeviceMemoryUsed, 0)
	hm.stats.SetCounter(runtime.CounterDeviceMemoryAvailable, 0)
	hm.stats.SetCounter(runtime.CounterDeviceMemoryMax, 0)
	return firstErr.Get()
}
