// Command emberhost brings up the host runtime on local devices, registers a
// small demo network and runs a few inferences against it. It is the
// smallest end-to-end exercise of the host manager and a convenient target
// for the runtime flags.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	_ "github.com/emberml/ember/backends/cpu"
	_ "github.com/emberml/ember/backends/interpreter"
	"github.com/emberml/ember/graph"
	"github.com/emberml/ember/runtime"
	"github.com/emberml/ember/runtime/hostmanager"
	"github.com/emberml/ember/types/elem"
)

var (
	numDevices   = flag.Int("num-devices", 2, "Number of devices when no device-configs file is given.")
	deviceMemory = flag.Uint64("device-memory", 512<<20, "Usable memory per device, in bytes.")
	requests     = flag.Int("requests", 8, "Number of inference requests to run.")
	metricsAddr  = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090.")
)

// buildDemoModule is a single function: out = Tanh(Add(in, weights)).
func buildDemoModule() *graph.Module {
	m := graph.NewModule()
	ty := graph.NewType(elem.Float, 1, 64)
	in := m.CreatePlaceholder("demo_in", ty)
	out := m.CreatePlaceholder("demo_out", ty)
	w := m.CreateConstant("demo_w", ty, nil)

	fn := m.CreateFunction("demo")
	nIn := fn.AddPlaceholderNode("in", in)
	nW := fn.AddConstantNode("w", w)
	nAdd := fn.AddNode("add", graph.KindAdd, []*graph.Type{ty}, graph.Value(nIn), graph.Value(nW))
	nTanh := fn.AddNode("tanh", graph.KindTanh, []*graph.Type{ty}, graph.Value(nAdd))
	fn.AddSave("save", graph.Value(nTanh), out)
	return m
}

func run() error {
	configs, err := runtime.GenerateDeviceConfigs(*numDevices, "cpu", *deviceMemory)
	if err != nil {
		return err
	}

	stats := runtime.NewStatsRegistry()
	prom := runtime.NewPrometheusExporter()
	stats.Register(prom)
	if *metricsAddr != "" {
		http.Handle("/metrics", promhttp.HandlerFor(prom.Gatherer(), promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				klog.Errorf("metrics server: %v", err)
			}
		}()
	}

	hm, err := hostmanager.New(configs, hostmanager.WithStats(stats))
	if err != nil {
		return err
	}

	m := buildDemoModule()
	if err := hm.AddNetwork(m, &runtime.CompilationContext{
		EnableP2P: runtime.EnableP2P,
		EnableDRT: runtime.EnableDRT,
	}); err != nil {
		return err
	}
	klog.Infof("network %q added across %d device(s)", "demo", hm.NumDevices())

	bindings := graph.NewBindings()
	bindings.Allocate(m.Placeholders())
	for i := 0; i < *requests; i++ {
		if err := hm.RunNetworkBlocking("demo", bindings); err != nil {
			return err
		}
	}

	fmt.Printf("requests processed: %d\n",
		stats.Counter(runtime.CounterRequestsProcessed+"."+runtime.GlobalStatsKey))
	fmt.Printf("device memory used: %s of %s\n",
		humanize.IBytes(uint64(stats.Counter(runtime.CounterDeviceMemoryUsed))),
		humanize.IBytes(uint64(stats.Counter(runtime.CounterDeviceMemoryMax))))

	return hm.ClearHost()
}

func main() {
	klog.InitFlags(nil)
	runtime.RegisterFlags(flag.CommandLine)
	flag.Parse()
	if err := run(); err != nil {
		klog.Errorf("emberhost: %v", err)
		os.Exit(1)
	}
}
