// Package sourcemap rewrites the "sources" entry of a staged .js.map so it
// points at the renamed .ts.source sibling.
package sourcemap

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"tsstage/internal/apperr"
)

type Mode string

const (
	// ModeStrict validates the map's shape and fails when it cannot patch.
	ModeStrict Mode = "strict"
	// ModeLegacy applies a bare text substitution and is silent on mismatch.
	ModeLegacy Mode = "legacy"
)

const renamedSuffix = ".source"

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeStrict, "":
		return ModeStrict, nil
	case ModeLegacy:
		return ModeLegacy, nil
	default:
		return "", apperr.Usage(fmt.Sprintf("unknown patch mode %q: want strict or legacy", s))
	}
}

var (
	// Single entry, no whitespace, exactly as tsc emits it.
	legacyPattern = regexp.MustCompile(`"sources":\["([^"]*?)\.ts"\]`)

	// Same shape with optional whitespace. The empty group marks where the
	// suffix is inserted.
	strictPattern = regexp.MustCompile(`"sources"\s*:\s*\[\s*"(?:[^"\\]|\\.)*?\.ts()"\s*\]`)
)

// Result describes one patch.
type Result struct {
	Before  string
	After   string
	Changed bool
}

// Patch rewrites the sources field of the map at mapPath in place.
// baseName and renamedSourcePath are only checked in strict mode.
func Patch(baseName, mapPath, renamedSourcePath string, mode Mode) (Result, error) {
	raw, err := os.ReadFile(mapPath)
	if err != nil {
		return Result{}, apperr.New(apperr.KindPatch, "read "+mapPath, err)
	}
	before := string(raw)

	var after string
	switch mode {
	case ModeLegacy:
		after = legacyPattern.ReplaceAllString(before, `"sources":["${1}.ts`+renamedSuffix+`"]`)
	case ModeStrict, "":
		after, err = patchStrict(before, baseName, renamedSourcePath)
		if err != nil {
			return Result{}, apperr.New(apperr.KindPatch, mapPath, err)
		}
	default:
		return Result{}, apperr.Usage(fmt.Sprintf("unknown patch mode %q", mode))
	}

	// Legacy mode rewrites the file even when nothing matched.
	if err := os.WriteFile(mapPath, []byte(after), 0o644); err != nil {
		return Result{}, apperr.New(apperr.KindPatch, "write "+mapPath, err)
	}
	return Result{Before: before, After: after, Changed: before != after}, nil
}

type mapSources struct {
	Sources *[]string `json:"sources"`
}

func readSources(text string) ([]string, error) {
	var m mapSources
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return nil, fmt.Errorf("not a JSON source map: %w", err)
	}
	if m.Sources == nil {
		return nil, fmt.Errorf("no sources field")
	}
	return *m.Sources, nil
}

func patchStrict(text, baseName, renamedSourcePath string) (string, error) {
	sources, err := readSources(text)
	if err != nil {
		return "", err
	}
	if len(sources) != 1 {
		return "", fmt.Errorf("sources has %d entries, want exactly 1", len(sources))
	}
	entry := sources[0]
	if !strings.HasSuffix(entry, ".ts") {
		return "", fmt.Errorf("source %q does not end in .ts", entry)
	}
	if baseName != "" && path.Base(entry) != baseName+".ts" {
		return "", fmt.Errorf("source %q does not belong to family %s", entry, baseName)
	}

	loc := strictPattern.FindStringSubmatchIndex(text)
	if loc == nil {
		return "", fmt.Errorf("sources field is not in a patchable form")
	}
	at := loc[2]
	patched := text[:at] + renamedSuffix + text[at:]

	// The first textual match must have been the top-level field.
	got, err := readSources(patched)
	if err != nil || len(got) != 1 || got[0] != entry+renamedSuffix {
		return "", fmt.Errorf("sources field is not in a patchable form")
	}
	if renamedSourcePath != "" {
		want := path.Base(strings.ReplaceAll(renamedSourcePath, `\`, "/"))
		if path.Base(got[0]) != want {
			return "", fmt.Errorf("patched source %q does not name %s", got[0], want)
		}
	}
	return patched, nil
}

// Diff renders a unified diff of a patch for debug logging.
func Diff(name string, r Result) string {
	if !r.Changed {
		return ""
	}
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(r.Before),
		B:        difflib.SplitLines(r.After),
		FromFile: name,
		ToFile:   name + " (patched)",
		Context:  1,
	})
	if err != nil {
		return ""
	}
	return text
}
