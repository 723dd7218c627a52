package backends

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// OptionsFileKey is the magic key inside BackendSpecificOpts that points at a
// YAML file to load the real options from at network-add time.
const OptionsFileKey = "loadBackendSpecificOptions"

// Options carries backend-specific compilation options, opaque string pairs
// interpreted by each backend.
type Options struct {
	BackendSpecificOpts map[string]string
}

// Clone returns a deep copy.
func (o *Options) Clone() *Options {
	c := &Options{BackendSpecificOpts: make(map[string]string, len(o.BackendSpecificOpts))}
	for k, v := range o.BackendSpecificOpts {
		c.BackendSpecificOpts[k] = v
	}
	return c
}

// LoadBackendSpecificOpts reads a YAML mapping of string to string from path.
func LoadBackendSpecificOpts(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading backend-specific options from %s", path)
	}
	opts := make(map[string]string)
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return nil, errors.Wrapf(err, "parsing backend-specific options from %s", path)
	}
	return opts, nil
}
