// Package stage copies families of compiler outputs that share a base name
// into a flat destination directory.
package stage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"tsstage/internal/apperr"
)

// Member maps one source extension to its staged extension.
type Member struct {
	OldExt string
	NewExt string
}

// Well-known members of a TypeScript output family.
var (
	Declaration = Member{OldExt: ".d.ts", NewExt: ".d.ts"}
	Compiled    = Member{OldExt: ".js", NewExt: ".js"}
	Source      = Member{OldExt: ".ts", NewExt: ".ts.source"}
	SourceMap   = Member{OldExt: ".js.map", NewExt: ".js.map"}
)

// Layout is the copy order used for every family.
var Layout = []Member{Declaration, Compiled, Source, SourceMap}

// Family is the set of sibling files derived from one source item.
type Family struct {
	SourceDir string
	BaseName  string
}

// FamilyOf derives the family of a resolved source file path.
func FamilyOf(sourcePath string) (Family, error) {
	dir := filepath.Dir(sourcePath)
	base := filepath.Base(sourcePath)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if dir == "" || name == "" || base == string(filepath.Separator) {
		return Family{}, apperr.Contract(fmt.Sprintf("cannot derive family from %q", sourcePath))
	}
	return Family{SourceDir: dir, BaseName: name}, nil
}

// Path returns the source path of member m.
func (f Family) Path(m Member) string {
	return filepath.Join(f.SourceDir, f.BaseName+m.OldExt)
}

// Missing lists the members of layout whose source file does not exist.
func (f Family) Missing(layout []Member) ([]Member, error) {
	var missing []Member
	for _, m := range layout {
		_, err := os.Stat(f.Path(m))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			missing = append(missing, m)
		case err != nil:
			return nil, apperr.New(apperr.KindCopy, "stat "+f.Path(m), err)
		}
	}
	return missing, nil
}

// CheckFamily fails with a descriptive error when any member is absent.
func CheckFamily(f Family, layout []Member) error {
	missing, err := f.Missing(layout)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}
	exts := make([]string, len(missing))
	for i, m := range missing {
		exts[i] = f.BaseName + m.OldExt
	}
	return apperr.New(apperr.KindCopy,
		fmt.Sprintf("incomplete family %s in %s: missing %s", f.BaseName, f.SourceDir, strings.Join(exts, ", ")),
		fs.ErrNotExist)
}

// CopyFamily copies sourceDir/baseName+oldExt to destDir/baseName+newExt,
// replacing any existing destination file, and returns the destination path.
func CopyFamily(sourceDir, baseName, destDir, oldExt, newExt string) (string, error) {
	if baseName == "" {
		return "", apperr.Contract("family base name is empty")
	}
	src := filepath.Join(sourceDir, baseName+oldExt)
	dst := filepath.Join(destDir, baseName+newExt)
	if err := copyFile(src, dst); err != nil {
		return "", apperr.New(apperr.KindCopy, fmt.Sprintf("copy %s to %s", src, dst), err)
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", src)
	}

	out, err := createDest(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// createDest opens dst for writing with mode 0644. A read-only file left at
// dst is removed and recreated so reruns always overwrite.
func createDest(dst string) (*os.File, error) {
	const flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	out, err := os.OpenFile(dst, flags, 0o644)
	if err == nil || !errors.Is(err, fs.ErrPermission) {
		return out, err
	}
	if rmErr := os.Remove(dst); rmErr != nil {
		return nil, err
	}
	return os.OpenFile(dst, flags, 0o644)
}
