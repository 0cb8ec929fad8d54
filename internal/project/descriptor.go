// Package project models build-unit descriptors (MSBuild project files or
// their YAML equivalent) and the items they declare.
package project

import (
	"path/filepath"
	"strings"
)

// Item kinds understood by the stager. Any other MSBuild item type is kept
// verbatim and ignored.
const (
	KindProjectReference  = "ProjectReference"
	KindTypeScriptCompile = "TypeScriptCompile"
)

// Item is one declared entry of a descriptor.
type Item struct {
	Kind    string `yaml:"kind"`
	Include string `yaml:"include"`
}

// IsReference reports whether the item points at another descriptor.
func (i Item) IsReference() bool {
	return i.Kind == KindProjectReference
}

// Descriptor is a loaded build unit. It is read-only after load.
type Descriptor struct {
	Path  string // absolute path of the descriptor file
	Dir   string // base directory items are relative to
	Items []Item
}

// Name is the descriptor file name without its extension.
func (d *Descriptor) Name() string {
	base := filepath.Base(d.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// References returns the ProjectReference items in declaration order.
func (d *Descriptor) References() []Item {
	var refs []Item
	for _, it := range d.Items {
		if it.IsReference() {
			refs = append(refs, it)
		}
	}
	return refs
}

// Key normalizes a descriptor path so the same file reached through
// different relative routes compares equal.
func Key(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

// normalizeInclude converts MSBuild backslash separators to the host form.
func normalizeInclude(include string) string {
	return filepath.FromSlash(strings.ReplaceAll(strings.TrimSpace(include), `\`, "/"))
}
