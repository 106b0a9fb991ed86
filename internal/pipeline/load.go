package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadFile reads and compiles a definition. Files ending in .hcl use the
// HCL syntax, everything else is YAML.
func LoadFile(path string) (*Pipeline, error) {
	spec, err := ReadSpec(path)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	p, err := Compile(name, spec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p.Source = path
	return p, nil
}

// ReadSpec parses a definition file without compiling it. Files ending in
// .hcl are read as HCL, everything else as YAML.
func ReadSpec(path string) (*FileSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline definition: %w", err)
	}
	var spec *FileSpec
	if strings.EqualFold(filepath.Ext(path), ".hcl") {
		spec, err = ParseHCL(path, data, os.Environ())
	} else {
		spec, err = ParseYAML(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}
