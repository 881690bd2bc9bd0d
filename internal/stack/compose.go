// Package stack plans and executes Compose stack deployments: parsing,
// dependency validation, wave computation, rollback planning, and the
// agent-side deploy path.
package stack

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Document is a parsed Compose file, reduced to what deployment planning
// needs.
type Document struct {
	Services map[string]Service `yaml:"services"`
	Networks map[string]Network `yaml:"networks"`
	Volumes  map[string]Volume  `yaml:"volumes"`
}

// Service is one Compose service.
type Service struct {
	Image         string    `yaml:"image"`
	ContainerName string    `yaml:"container_name"`
	Restart       string    `yaml:"restart"`
	DependsOn     DependsOn `yaml:"depends_on"`
	Profiles      []string  `yaml:"profiles"`

	Environment KeyValues `yaml:"environment"`
	Labels      KeyValues `yaml:"labels"`
	Ports       []string  `yaml:"ports"`
	Volumes     []string  `yaml:"volumes"`
	Networks    []string  `yaml:"networks"`
}

// Network is a top-level Compose network declaration.
type Network struct {
	Driver   string   `yaml:"driver"`
	External External `yaml:"external"`
}

// Volume is a top-level Compose volume declaration.
type Volume struct {
	Driver   string   `yaml:"driver"`
	External External `yaml:"external"`
}

// DependsOn accepts both Compose forms: the short list form and the long
// mapping form with per-dependency conditions. Only the service names
// matter for planning.
type DependsOn []string

func (d *DependsOn) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := value.Decode(&names); err != nil {
			return err
		}
		*d = names
		return nil
	case yaml.MappingNode:
		var m map[string]struct {
			Condition string `yaml:"condition"`
		}
		if err := value.Decode(&m); err != nil {
			return err
		}
		names := make([]string, 0, len(m))
		for name := range m {
			names = append(names, name)
		}
		sort.Strings(names)
		*d = names
		return nil
	}
	return fmt.Errorf("depends_on: expected list or mapping at line %d", value.Line)
}

// KeyValues accepts both the mapping form and the "KEY=value" list form.
type KeyValues map[string]string

func (kv *KeyValues) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.MappingNode:
		m := map[string]string{}
		if err := value.Decode(&m); err != nil {
			return err
		}
		*kv = m
		return nil
	case yaml.SequenceNode:
		var entries []string
		if err := value.Decode(&entries); err != nil {
			return err
		}
		m := make(map[string]string, len(entries))
		for _, e := range entries {
			k, v := splitKeyValue(e)
			m[k] = v
		}
		*kv = m
		return nil
	}
	return fmt.Errorf("expected list or mapping at line %d", value.Line)
}

func splitKeyValue(s string) (string, string) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}

// External accepts the boolean form and the legacy mapping form
// ({name: other}); either way it marks the resource as pre-existing.
type External bool

func (e *External) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var b bool
		if err := value.Decode(&b); err != nil {
			return err
		}
		*e = External(b)
		return nil
	case yaml.MappingNode:
		*e = true
		return nil
	}
	return fmt.Errorf("external: expected bool or mapping at line %d", value.Line)
}

// Parse decodes and validates a Compose document.
func Parse(content []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("parse compose: %w", err)
	}
	if len(doc.Services) == 0 {
		return nil, fmt.Errorf("compose document declares no services")
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// validate rejects self-dependencies, dependencies on services absent from
// the document, and dependency cycles.
func (doc *Document) validate() error {
	for _, name := range sortedServiceNames(doc.Services) {
		for _, dep := range doc.Services[name].DependsOn {
			if dep == name {
				return fmt.Errorf("service %q depends on itself", name)
			}
			if _, ok := doc.Services[dep]; !ok {
				return fmt.Errorf("service %q depends on unknown service %q", name, dep)
			}
		}
	}
	return doc.detectCycle()
}

// detectCycle runs a three-colour DFS over the dependency edges and names
// the services forming the first cycle found.
func (doc *Document) detectCycle() error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(doc.Services))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		color[name] = grey
		path = append(path, name)
		for _, dep := range doc.Services[name].DependsOn {
			switch color[dep] {
			case grey:
				return fmt.Errorf("dependency cycle: %s", cycleString(path, dep))
			case white:
				if err := visit(dep, path); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}

	for _, name := range sortedServiceNames(doc.Services) {
		if color[name] == white {
			if err := visit(name, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// cycleString renders "a -> b -> a" from the DFS path and the revisited
// node.
func cycleString(path []string, repeat string) string {
	start := 0
	for i, n := range path {
		if n == repeat {
			start = i
			break
		}
	}
	out := ""
	for _, n := range path[start:] {
		out += n + " -> "
	}
	return out + repeat
}

func sortedServiceNames(services map[string]Service) []string {
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
