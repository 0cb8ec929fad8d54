package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tsstage/internal/apperr"
	"tsstage/internal/project"
	"tsstage/internal/sourcemap"
	"tsstage/internal/storage"
)

// workspace lays out MSBuild projects under a temp dir.
type workspace struct {
	t    *testing.T
	root string
}

func newWorkspace(t *testing.T) *workspace {
	return &workspace{t: t, root: t.TempDir()}
}

func (w *workspace) write(rel, body string) string {
	w.t.Helper()
	p := filepath.Join(w.root, filepath.FromSlash(rel))
	require.NoError(w.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(w.t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

// project writes <name>/<name>.csproj with the given references and sources.
func (w *workspace) project(name string, refs []string, sources ...string) string {
	var b strings.Builder
	b.WriteString("<Project>\n  <ItemGroup>\n")
	for _, r := range refs {
		b.WriteString(`    <ProjectReference Include="..\` + r + `\` + r + `.csproj" />` + "\n")
	}
	for _, s := range sources {
		b.WriteString(`    <TypeScriptCompile Include="` + s + `" />` + "\n")
	}
	b.WriteString("  </ItemGroup>\n</Project>\n")
	return w.write(name+"/"+name+".csproj", b.String())
}

// family writes the four compiler outputs of dir/base.ts.
func (w *workspace) family(dir, base string) {
	w.write(dir+"/"+base+".ts", "export const "+base+" = 1;\n")
	w.write(dir+"/"+base+".d.ts", "export declare const "+base+": number;\n")
	w.write(dir+"/"+base+".js", "exports."+base+" = 1;\n//# sourceMappingURL="+base+".js.map\n")
	w.write(dir+"/"+base+".js.map", `{"version":3,"file":"`+base+`.js","sourceRoot":"","sources":["`+base+`.ts"],"names":[],"mappings":"AAAA"}`)
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func snapshot(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	for _, name := range listDir(t, dir) {
		b, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		out[name] = string(b)
	}
	return out
}

func newTestStager(opts Options) *Stager {
	return NewStager(project.NewFileLoader(), nil, opts)
}

func TestStager_EndToEnd(t *testing.T) {
	w := newWorkspace(t)
	root := w.project("app", []string{"b"}, "main.ts")
	w.family("app", "main")
	w.project("b", nil, "util.ts", "util.d.ts")
	w.family("b", "util")
	lib := filepath.Join(w.root, "app", "lib")

	report, err := newTestStager(Options{}).Run(context.Background(), root, lib)
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.Equal(t, 1, report.Projects)
	require.Len(t, report.Families, 1)
	assert.True(t, report.Families[0].MapPatched)
	assert.Equal(t, "b", report.Families[0].Project)

	assert.Equal(t, []string{"util.d.ts", "util.js", "util.js.map", "util.ts.source"}, listDir(t, lib))

	m, err := os.ReadFile(filepath.Join(lib, "util.js.map"))
	require.NoError(t, err)
	assert.Contains(t, string(m), `"sources":["util.ts.source"]`)

	src, err := os.ReadFile(filepath.Join(lib, "util.ts.source"))
	require.NoError(t, err)
	assert.Equal(t, "export const util = 1;\n", string(src))
}

func TestStager_IdempotentRerun(t *testing.T) {
	w := newWorkspace(t)
	root := w.project("app", []string{"b"})
	w.project("b", []string{"c"}, "util.ts")
	w.family("b", "util")
	w.project("c", nil, `nested\core.ts`)
	w.family("c/nested", "core")
	lib := filepath.Join(w.root, "lib")

	s := newTestStager(Options{})
	_, err := s.Run(context.Background(), root, lib)
	require.NoError(t, err)
	first := snapshot(t, lib)

	_, err = s.Run(context.Background(), root, lib)
	require.NoError(t, err)
	assert.Equal(t, first, snapshot(t, lib))
	assert.Len(t, first, 8)
	assert.Contains(t, first["core.js.map"], `"sources":["core.ts.source"]`)
}

func TestStager_CyclicReferences(t *testing.T) {
	w := newWorkspace(t)
	root := w.project("app", []string{"b"})
	w.project("b", []string{"c"}, "util.ts")
	w.family("b", "util")
	w.project("c", []string{"app", "b"}, "core.ts")
	w.family("c", "core")

	report, err := newTestStager(Options{}).Run(context.Background(), root, filepath.Join(w.root, "lib"))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Projects)
	assert.Len(t, report.Families, 2)
}

func TestStager_IncompleteFamily(t *testing.T) {
	w := newWorkspace(t)
	root := w.project("app", []string{"b"})
	w.project("b", nil, "util.ts")
	w.family("b", "util")
	require.NoError(t, os.Remove(filepath.Join(w.root, "b", "util.js.map")))
	lib := filepath.Join(w.root, "lib")

	report, err := newTestStager(Options{}).Run(context.Background(), root, lib)
	require.Error(t, err)
	assert.Equal(t, apperr.KindCopy, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "incomplete family util")

	assert.False(t, report.Success)
	assert.Equal(t, "copy", report.ErrorKind)
	assert.Empty(t, listDir(t, lib), "nothing is copied for an incomplete family")
}

func TestStager_AllowPartial(t *testing.T) {
	w := newWorkspace(t)
	root := w.project("app", []string{"b"})
	w.project("b", nil, "util.ts")
	w.family("b", "util")
	require.NoError(t, os.Remove(filepath.Join(w.root, "b", "util.js.map")))
	lib := filepath.Join(w.root, "lib")

	report, err := newTestStager(Options{AllowPartial: true}).Run(context.Background(), root, lib)
	require.NoError(t, err)
	assert.Equal(t, []string{"util.d.ts", "util.js", "util.ts.source"}, listDir(t, lib))
	require.Len(t, report.Signals, 1)
	assert.Equal(t, SignalPartialFamily, report.Signals[0].Code)
}

func TestStager_PatchModes(t *testing.T) {
	setup := func(t *testing.T) (*workspace, string) {
		w := newWorkspace(t)
		root := w.project("app", []string{"b"})
		w.project("b", nil, "util.ts")
		w.family("b", "util")
		w.write("b/util.js.map", `{"sources":["util.ts","other.ts"]}`)
		return w, root
	}

	t.Run("strict fails loudly", func(t *testing.T) {
		w, root := setup(t)
		_, err := newTestStager(Options{PatchMode: sourcemap.ModeStrict}).Run(context.Background(), root, filepath.Join(w.root, "lib"))
		require.Error(t, err)
		assert.Equal(t, apperr.KindPatch, apperr.KindOf(err))
	})

	t.Run("legacy leaves the map unchanged", func(t *testing.T) {
		w, root := setup(t)
		lib := filepath.Join(w.root, "lib")
		report, err := newTestStager(Options{PatchMode: sourcemap.ModeLegacy}).Run(context.Background(), root, lib)
		require.NoError(t, err)

		m, err := os.ReadFile(filepath.Join(lib, "util.js.map"))
		require.NoError(t, err)
		assert.Equal(t, `{"sources":["util.ts","other.ts"]}`, string(m))
		assert.False(t, report.Families[0].MapPatched)
	})
}

func TestStager_NameCollision(t *testing.T) {
	w := newWorkspace(t)
	root := w.project("app", []string{"b", "c"})
	w.project("b", nil, "util.ts")
	w.family("b", "util")
	w.project("c", nil, "util.ts")
	w.family("c", "util")
	w.write("c/util.ts", "export const fromC = 1;\n")

	report, err := newTestStager(Options{}).Run(context.Background(), root, filepath.Join(w.root, "lib"))
	require.NoError(t, err)
	require.Len(t, report.Signals, 1)
	assert.Equal(t, SignalNameCollision, report.Signals[0].Code)

	src, err := os.ReadFile(filepath.Join(w.root, "lib", "util.ts.source"))
	require.NoError(t, err)
	assert.Equal(t, "export const fromC = 1;\n", string(src))
}

func TestStager_MissingInputs(t *testing.T) {
	s := newTestStager(Options{})

	report, err := s.Run(context.Background(), "", "lib")
	assert.Equal(t, apperr.KindUsage, apperr.KindOf(err))
	assert.False(t, report.Success)

	_, err = s.Run(context.Background(), "app.csproj", "")
	assert.Equal(t, apperr.KindUsage, apperr.KindOf(err))
}

func TestStager_MissingReference(t *testing.T) {
	w := newWorkspace(t)
	root := w.project("app", []string{"gone"})

	_, err := newTestStager(Options{}).Run(context.Background(), root, filepath.Join(w.root, "lib"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindDescriptor, apperr.KindOf(err))
}

func TestStager_ContractViolationIsReported(t *testing.T) {
	loader := project.LoaderFunc(func(path string) (*project.Descriptor, error) {
		return &project.Descriptor{
			Path:  path,
			Items: []project.Item{{Kind: project.KindProjectReference, Include: "b.csproj"}},
		}, nil
	})

	report, err := NewStager(loader, nil, Options{}).Run(context.Background(), "/w/app.csproj", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, apperr.KindContract, apperr.KindOf(err))
	assert.False(t, report.Success)
}

func TestStager_Ledger(t *testing.T) {
	w := newWorkspace(t)
	root := w.project("app", []string{"b"})
	w.project("b", nil, "util.ts")
	w.family("b", "util")

	ledger, err := storage.NewSQLiteLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer ledger.Close()

	ctx := context.Background()
	_, err = newTestStager(Options{}).WithLedger(ledger).Run(ctx, root, filepath.Join(w.root, "lib"))
	require.NoError(t, err)

	runs, err := ledger.ListRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Success)
	assert.Equal(t, 4, runs[0].FileCount)

	files, err := ledger.RunFiles(ctx, runs[0].ID)
	require.NoError(t, err)
	require.Len(t, files, 4)
	assert.Equal(t, filepath.Join(w.root, "b", "util.ts"), files[2].Source)
	assert.Equal(t, filepath.Join(w.root, "lib", "util.ts.source"), files[2].Dest)
	assert.Len(t, files[3].SHA256, 64)
}

func TestReport_Save(t *testing.T) {
	w := newWorkspace(t)
	root := w.project("app", []string{"b"})
	w.project("b", nil, "util.ts")
	w.family("b", "util")

	report, err := newTestStager(Options{}).Run(context.Background(), root, filepath.Join(w.root, "lib"))
	require.NoError(t, err)

	path := filepath.Join(w.root, "out", "report.json")
	require.NoError(t, report.Save(path))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"success": true`)
	assert.Contains(t, string(b), `"base_name": "util"`)
	assert.Equal(t, 4, report.FileCount())
}

func TestStager_ReadOnlySourcesRerun(t *testing.T) {
	w := newWorkspace(t)
	root := w.project("app", []string{"b"})
	w.project("b", nil, "util.ts")
	w.family("b", "util")
	for _, ext := range []string{".ts", ".d.ts", ".js", ".js.map"} {
		require.NoError(t, os.Chmod(filepath.Join(w.root, "b", "util"+ext), 0o444))
	}
	lib := filepath.Join(w.root, "lib")

	s := newTestStager(Options{})
	_, err := s.Run(context.Background(), root, lib)
	require.NoError(t, err)
	first := snapshot(t, lib)
	assert.Contains(t, first["util.js.map"], `"sources":["util.ts.source"]`)

	_, err = s.Run(context.Background(), root, lib)
	require.NoError(t, err)
	assert.Equal(t, first, snapshot(t, lib))
}
