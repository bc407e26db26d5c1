// Package toolchain holds the build recipes submissions are compiled with.
package toolchain

import (
	"fmt"
	"os"
	"sort"

	pkgerrors "invoker/pkg/errors"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

// BuildCommand is one argv vector.
// In YAML it may be written as a sequence or as a single shell-like string.
type BuildCommand struct {
	Argv []string
}

// UnmarshalYAML accepts both `[g++, main.cpp]` and `"g++ main.cpp"`.
func (c *BuildCommand) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		argv, err := shlex.Split(value.Value)
		if err != nil {
			return fmt.Errorf("line %d: split build command: %w", value.Line, err)
		}
		c.Argv = argv
	case yaml.SequenceNode:
		var argv []string
		if err := value.Decode(&argv); err != nil {
			return err
		}
		c.Argv = argv
	default:
		return fmt.Errorf("line %d: build command must be a string or a list", value.Line)
	}
	if len(c.Argv) == 0 {
		return fmt.Errorf("line %d: build command is empty", value.Line)
	}
	return nil
}

// MarshalYAML writes the argv form.
func (c BuildCommand) MarshalYAML() (interface{}, error) {
	return c.Argv, nil
}

// Toolchain is a named, ordered list of build commands.
type Toolchain struct {
	Name string `yaml:"name"`
	// Filename is the name the submitted source gets inside the isolation root.
	Filename      string            `yaml:"filename"`
	BuildCommands []BuildCommand    `yaml:"buildCommands"`
	Env           map[string]string `yaml:"env"`
}

// Set is the configured collection of toolchains.
type Set struct {
	byName map[string]Toolchain
}

// NewSet indexes toolchains by name; duplicate or empty names are rejected.
func NewSet(toolchains []Toolchain) (*Set, error) {
	s := &Set{byName: make(map[string]Toolchain, len(toolchains))}
	for _, tc := range toolchains {
		if tc.Name == "" {
			return nil, pkgerrors.Newf(pkgerrors.ConfigInvalid, "toolchain name is required")
		}
		if _, dup := s.byName[tc.Name]; dup {
			return nil, pkgerrors.Newf(pkgerrors.ConfigInvalid, "duplicate toolchain %q", tc.Name)
		}
		s.byName[tc.Name] = tc
	}
	return s, nil
}

// Lookup returns the toolchain with the given name.
func (s *Set) Lookup(name string) (Toolchain, bool) {
	if s == nil {
		return Toolchain{}, false
	}
	tc, ok := s.byName[name]
	return tc, ok
}

// Names returns the configured toolchain names in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadFile reads a YAML document of the form `toolchains: [...]`.
func LoadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.ConfigInvalid, "read toolchains %s", path)
	}
	var doc struct {
		Toolchains []Toolchain `yaml:"toolchains"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.ConfigInvalid, "parse toolchains %s", path)
	}
	return NewSet(doc.Toolchains)
}
