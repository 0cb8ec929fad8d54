package project

import (
	"path/filepath"
	"strings"

	"tsstage/internal/apperr"
)

const (
	SourceExt      = ".ts"
	DeclarationExt = ".d.ts"
)

// SourceItems returns the compilable TypeScript sources of d in declaration
// order. Declaration files end in .ts too, so they are excluded by a separate
// check.
func SourceItems(d *Descriptor) []Item {
	var out []Item
	for _, it := range d.Items {
		if it.Kind != KindTypeScriptCompile {
			continue
		}
		if !strings.HasSuffix(it.Include, SourceExt) {
			continue
		}
		if strings.HasSuffix(it.Include, DeclarationExt) {
			continue
		}
		out = append(out, it)
	}
	return out
}

// Resolve joins the descriptor's base directory with the item path. An
// absolute item path is returned as is. Empty
// inputs are a programming error and panic with a contract *apperr.Error.
func Resolve(d *Descriptor, it Item) string {
	if d == nil || d.Dir == "" {
		panic(apperr.Contract("descriptor base directory is empty"))
	}
	if it.Include == "" {
		panic(apperr.Contract("item path is empty in " + d.Path))
	}
	if filepath.IsAbs(it.Include) {
		return filepath.Clean(it.Include)
	}
	return filepath.Join(d.Dir, it.Include)
}
