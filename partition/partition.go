// Package partition turns a module into per-function DAGs of sub-functions,
// each targeted at one backend from the device inventory.
//
// Partitioning is a pure function of the module and the device snapshot: it
// performs no compilation and touches no device. A function whose nodes are
// all supported by one backend becomes a single partition; otherwise nodes
// are grouped greedily in topological order, with cut placeholders carrying
// intermediate tensors across partition boundaries.
package partition

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/emberml/ember/backends"
	"github.com/emberml/ember/graph"
	"github.com/emberml/ember/runtime"
)

// Options tune one partitioning run.
type Options struct {
	// ContextCount is the number of execution contexts each partition must
	// support; recorded on every DAG node.
	ContextCount int

	// SaturateHost requests replication across all matching devices; the
	// provisioner honors it at load time.
	SaturateHost bool

	// OverrideBackend, when set, skips placement entirely: every function
	// becomes a single partition on that backend. Used by the profiling flow,
	// where the host is about to be rebuilt onto the profiling backend.
	OverrideBackend string
}

// Partition builds one DAG per function of m.
//
// Functions that need splitting get their partitions added to m as new
// functions named <fn>_part<N>, and the original function is erased; the DAG
// root keeps the original name.
func Partition(m *graph.Module, devices []runtime.DeviceInfo, opts Options) ([]*runtime.DAG, error) {
	if len(devices) == 0 {
		return nil, runtime.NewError(runtime.CodeRuntimeError, "partitioning with no devices")
	}
	backendNames, memByBackend := backendInventory(devices)

	var dags []*runtime.DAG
	for _, fn := range m.Functions() {
		var dag *runtime.DAG
		var err error
		if opts.OverrideBackend != "" {
			dag = singlePartition(fn, opts.OverrideBackend, opts)
		} else {
			dag, err = partitionFunction(m, fn, backendNames, memByBackend, opts)
		}
		if err != nil {
			return nil, err
		}
		dags = append(dags, dag)
	}
	return dags, nil
}

// singlePartition wraps fn whole into one DAG node on the given backend.
func singlePartition(fn *graph.Function, backendName string, opts Options) *runtime.DAG {
	root := &runtime.DAGNode{Name: fn.Name()}
	node := &runtime.DAGNode{
		Name:               fn.Name(),
		BackendName:        backendName,
		DeviceRuntimeInfos: make(map[runtime.DeviceID]struct{}),
		ReplicationCount:   opts.ContextCount,
	}
	root.AddChild(node)
	return &runtime.DAG{Root: root, Nodes: []*runtime.DAGNode{node}}
}

// backendInventory returns the distinct backend names ordered by total
// available memory, descending, plus that memory per backend.
func backendInventory(devices []runtime.DeviceInfo) ([]string, map[string]uint64) {
	mem := make(map[string]uint64)
	var names []string
	for _, d := range devices {
		if _, seen := mem[d.BackendName]; !seen {
			names = append(names, d.BackendName)
		}
		mem[d.BackendName] += d.AvailableMemory
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && mem[names[j]] > mem[names[j-1]]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	return names, mem
}

func partitionFunction(m *graph.Module, fn *graph.Function,
	backendNames []string, memByBackend map[string]uint64, opts Options) (*runtime.DAG, error) {

	// Fast path: one backend takes the whole function.
	for _, name := range backendNames {
		b, err := backends.Get(name)
		if err != nil {
			return nil, runtime.WrapError(runtime.CodeRuntimeError, err, "partitioning")
		}
		if b.Verify(fn) {
			return singlePartition(fn, name, opts), nil
		}
	}

	klog.V(1).Infof("function %q is heterogeneous, splitting", fn.Name())
	return splitFunction(m, fn, backendNames, opts)
}

// splitFunction groups fn's compute nodes greedily in topological order into
// segments supported by a single backend each, materializes each segment as a
// new function, and erases the original.
func splitFunction(m *graph.Module, fn *graph.Function,
	backendNames []string, opts Options) (*runtime.DAG, error) {

	supported := func(backendName string, n *graph.Node) bool {
		b, err := backends.Get(backendName)
		if err != nil {
			return false
		}
		return b.IsOpSupported(backends.NewNodeInfo(n))
	}

	// Assign each compute node to a segment.
	segIndex := make(map[*graph.Node]int)
	var segBackends []string
	current := -1
	for _, n := range fn.Nodes() {
		if n.Kind().IsStorage() {
			continue
		}
		if n.Kind() == graph.KindSave {
			// A save travels with its producer's segment when possible.
			producer := n.Inputs()[0].Node
			if idx, found := segIndex[producer]; found {
				segIndex[n] = idx
				continue
			}
		}
		if current >= 0 && supported(segBackends[current], n) {
			segIndex[n] = current
			continue
		}
		assigned := false
		for _, name := range backendNames {
			if supported(name, n) {
				segBackends = append(segBackends, name)
				current = len(segBackends) - 1
				segIndex[n] = current
				assigned = true
				break
			}
		}
		if !assigned {
			return nil, runtime.Errorf(runtime.CodeRuntimeError,
				"no backend supports node %q (%s) of function %q",
				n.Name(), n.Kind(), fn.Name())
		}
	}

	// Materialize segments as functions.
	segFns := make([]*graph.Function, len(segBackends))
	for i := range segBackends {
		segFns[i] = m.CreateFunction(fmt.Sprintf("%s_part%d", fn.Name(), i+1))
	}

	cloned := make([]map[*graph.Node]*graph.Node, len(segBackends))
	for i := range cloned {
		cloned[i] = make(map[*graph.Node]*graph.Node)
	}
	type cutKey struct {
		node *graph.Node
		idx  int
	}
	cuts := make(map[cutKey]*graph.Placeholder)
	readers := make([]map[cutKey]*graph.Node, len(segBackends))
	for i := range readers {
		readers[i] = make(map[cutKey]*graph.Node)
	}
	depends := make(map[int]map[int]bool)
	cutSeq := 0

	// resolve returns the NodeValue visible to segment segIdx for the given
	// original input, inserting cut placeholders across segment boundaries.
	resolve := func(in graph.NodeValue, segIdx int) graph.NodeValue {
		src := in.Node
		if src.Kind().IsStorage() {
			if c, found := cloned[segIdx][src]; found {
				return graph.NodeValue{Node: c, ResultIdx: 0}
			}
			var c *graph.Node
			switch s := src.Storage().(type) {
			case *graph.Constant:
				c = segFns[segIdx].AddConstantNode(src.Name(), s)
			case *graph.Placeholder:
				c = segFns[segIdx].AddPlaceholderNode(src.Name(), s)
			}
			cloned[segIdx][src] = c
			return graph.NodeValue{Node: c, ResultIdx: 0}
		}
		srcSeg := segIndex[src]
		if srcSeg == segIdx {
			return graph.NodeValue{Node: cloned[segIdx][src], ResultIdx: in.ResultIdx}
		}

		// Cross-segment edge: producer saves into a cut placeholder, the
		// consumer reads it back.
		key := cutKey{node: src, idx: in.ResultIdx}
		cut, found := cuts[key]
		if !found {
			cut = m.CreatePlaceholder(
				fmt.Sprintf("%s_cut%d", fn.Name(), cutSeq), src.OutType(in.ResultIdx))
			cutSeq++
			cuts[key] = cut
			segFns[srcSeg].AddSave(cut.Name()+"_save",
				graph.NodeValue{Node: cloned[srcSeg][src], ResultIdx: in.ResultIdx}, cut)
		}
		if depends[segIdx] == nil {
			depends[segIdx] = make(map[int]bool)
		}
		depends[segIdx][srcSeg] = true
		reader, found := readers[segIdx][key]
		if !found {
			reader = segFns[segIdx].AddPlaceholderNode(cut.Name(), cut)
			readers[segIdx][key] = reader
		}
		return graph.NodeValue{Node: reader, ResultIdx: 0}
	}

	for _, n := range fn.Nodes() {
		if n.Kind().IsStorage() {
			continue
		}
		segIdx := segIndex[n]
		if n.Kind() == graph.KindSave {
			segFns[segIdx].AddSave(n.Name(), resolve(n.Inputs()[0], segIdx),
				n.Storage().(*graph.Placeholder))
			continue
		}
		inputs := make([]graph.NodeValue, len(n.Inputs()))
		for i, in := range n.Inputs() {
			inputs[i] = resolve(in, segIdx)
		}
		cloned[segIdx][n] = segFns[segIdx].AddNode(n.Name(), n.Kind(), n.OutTypes(), inputs...)
	}

	m.EraseFunction(fn)

	// Build the DAG from the dependency edges.
	root := &runtime.DAGNode{Name: fn.Name()}
	dag := &runtime.DAG{Root: root}
	dagNodes := make([]*runtime.DAGNode, len(segFns))
	for i, segFn := range segFns {
		dagNodes[i] = &runtime.DAGNode{
			Name:               segFn.Name(),
			BackendName:        segBackends[i],
			DeviceRuntimeInfos: make(map[runtime.DeviceID]struct{}),
			ReplicationCount:   opts.ContextCount,
		}
		dag.Nodes = append(dag.Nodes, dagNodes[i])
	}
	for i := range segFns {
		if len(depends[i]) == 0 {
			root.AddChild(dagNodes[i])
			continue
		}
		for parent := range depends[i] {
			dagNodes[parent].AddChild(dagNodes[i])
		}
	}
	return dag, nil
}
