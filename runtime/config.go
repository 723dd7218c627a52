package runtime

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/emberml/ember/backends"
)

// Process-level options. They are plain package variables so embedders that
// do not parse flags can still set them programmatically; RegisterFlags binds
// them to a flag set for CLI use.
var (
	// BackendSpecificOptsFile, when set, overrides per-call backend-specific
	// options at network-add time.
	BackendSpecificOptsFile string

	// DeviceConfigsFile, when set, replaces programmatic device configs.
	DeviceConfigsFile string

	// EnableP2P turns on cross-device direct transfers host-wide.
	EnableP2P bool

	// EnableDRT turns on device-resident tensors host-wide.
	EnableDRT bool
)

// RegisterFlags binds the process-level options to fs.
func RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&BackendSpecificOptsFile, "load-backend-specific-opts", "",
		"Load backend-specific options for compilation from a YAML file.")
	fs.StringVar(&DeviceConfigsFile, "load-device-configs", "",
		"Load device configs used in the runtime from a YAML file.")
	fs.BoolVar(&EnableP2P, "enable-P2P", false, "Enable P2P support.")
	fs.BoolVar(&EnableDRT, "enable-DRT", false, "Enable DRT support.")
}

// HostConfig bounds the host manager's concurrency. Immutable after
// construction.
type HostConfig struct {
	// ExecutorThreads is the size of the executor's worker pool.
	ExecutorThreads int
	// MaxActiveRequests bounds the number of requests in flight.
	MaxActiveRequests int
	// MaxQueueSize bounds the admission queue; beyond it requests are
	// refused.
	MaxQueueSize int
}

// DefaultHostConfig returns the default bounds.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		ExecutorThreads:   3,
		MaxActiveRequests: 48,
		MaxQueueSize:      100,
	}
}

// DeviceConfig describes one device to bring up.
type DeviceConfig struct {
	// BackendName selects the backend the device executes.
	BackendName string
	// Name identifies the device in logs and traces; auto-assigned
	// "config<N>" when empty.
	Name string
	// Parameters are opaque, backend-interpreted settings.
	Parameters map[string]string
	// DeviceMemory is the usable memory in bytes.
	DeviceMemory uint64
	// DeviceID is the dense index assigned by the host manager.
	DeviceID DeviceID
}

// HasName reports whether a name was assigned.
func (c *DeviceConfig) HasName() bool { return c.Name != "" }

// PrecisionMode selects how a network's arithmetic precision is handled at
// add time.
type PrecisionMode int

const (
	// PrecisionNone compiles the network as given.
	PrecisionNone PrecisionMode = iota
	// PrecisionQuantize converts the network using a prior profile.
	PrecisionQuantize
	// PrecisionProfile instruments the network to collect a quantization
	// profile; the host is rebuilt onto the profiling backend.
	PrecisionProfile
)

// String implements fmt.Stringer.
func (m PrecisionMode) String() string {
	switch m {
	case PrecisionNone:
		return "None"
	case PrecisionQuantize:
		return "Quantize"
	case PrecisionProfile:
		return "Profile"
	}
	return fmt.Sprintf("PrecisionMode(%d)", int(m))
}

// CompilationContext carries the per-add compilation settings the host
// runtime consumes. The compiler-internal knobs stay inside BackendOpts.
type CompilationContext struct {
	// BackendOpts are backend-specific options, possibly loaded from a file.
	BackendOpts backends.Options

	// BackendSpecificNodeInfo reports that the functions already carry
	// per-node backend overrides, so pre-partition optimization must not
	// mutate them.
	BackendSpecificNodeInfo bool

	// PrecisionMode selects quantization handling.
	PrecisionMode PrecisionMode

	// DelayAndRecordConstantModification guards constants against mutation
	// until after partitioning, then folds with recording.
	DelayAndRecordConstantModification bool

	// SerializeCompiledDAG writes the final partitioned DAG next to the
	// process as <rootName>.onnx.
	SerializeCompiledDAG bool

	// SkipModuleStrip keeps constant payloads in host memory after
	// provisioning.
	SkipModuleStrip bool

	// DumpFinalGraph dumps each function's DAG to a file when the add
	// pipeline fails after partitioning.
	DumpFinalGraph bool

	// EnableP2P / EnableDRT turn the respective modes on for this network,
	// in addition to the process-level flags.
	EnableP2P bool
	EnableDRT bool

	// CallDAGOptimizer invokes the vendor DAG-optimizer hook, when installed.
	CallDAGOptimizer bool

	// SaturateHost replicates partitions across all matching devices instead
	// of packing them onto as few as possible.
	SaturateHost bool
}

// deviceConfigHelper is the YAML shape of one entry in a device-configs file.
// Parameters is a multiline string of `"key" : "value"` lines.
type deviceConfigHelper struct {
	BackendName string `yaml:"backendName"`
	Name        string `yaml:"name"`
	Parameters  string `yaml:"parameters"`
}

// parseBackendParams extracts the parameter mapping from a multiline string
// where each line reads `"key" : "value"`.
func parseBackendParams(s string) (map[string]string, error) {
	params := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(s))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("invalid device parameter line %q", line)
		}
		key := strings.Trim(strings.TrimSpace(parts[0]), `"`)
		value := strings.Trim(strings.TrimSpace(parts[1]), `"`)
		if key == "" {
			return nil, errors.Errorf("invalid device parameter line %q", line)
		}
		params[key] = value
	}
	return params, nil
}

// LoadDeviceConfigsFromFile loads device configs from DeviceConfigsFile,
// assigning memSize to each. It returns (nil, false, nil) when the flag is
// unset.
func LoadDeviceConfigsFromFile(memSize uint64) ([]DeviceConfig, bool, error) {
	if DeviceConfigsFile == "" {
		return nil, false, nil
	}
	data, err := os.ReadFile(DeviceConfigsFile)
	if err != nil {
		return nil, false, errors.Wrapf(err, "reading device configs from %s", DeviceConfigsFile)
	}
	var helpers []deviceConfigHelper
	if err := yaml.Unmarshal(data, &helpers); err != nil {
		return nil, false, errors.Wrapf(err, "parsing device configs from %s", DeviceConfigsFile)
	}
	configs := make([]DeviceConfig, 0, len(helpers))
	for _, h := range helpers {
		params, err := parseBackendParams(h.Parameters)
		if err != nil {
			return nil, false, errors.Wrapf(err, "device config %q", h.Name)
		}
		configs = append(configs, DeviceConfig{
			BackendName:  h.BackendName,
			Name:         h.Name,
			Parameters:   params,
			DeviceMemory: memSize,
		})
	}
	return configs, true, nil
}

// GenerateDeviceConfigs returns configs loaded from the device-configs file
// when one was given, else numDevices identical configs for backendName.
func GenerateDeviceConfigs(numDevices int, backendName string, memSize uint64) ([]DeviceConfig, error) {
	configs, loaded, err := LoadDeviceConfigsFromFile(memSize)
	if err != nil {
		return nil, err
	}
	if loaded {
		return configs, nil
	}
	configs = make([]DeviceConfig, numDevices)
	for i := range configs {
		configs[i] = DeviceConfig{
			BackendName:  backendName,
			DeviceMemory: memSize,
			DeviceID:     DeviceID(i),
		}
	}
	return configs, nil
}
