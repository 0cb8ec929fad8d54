// Package pipeline stages the TypeScript outputs of every project referenced
// by a root project into one library directory.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"tsstage/internal/apperr"
	"tsstage/internal/graph"
	"tsstage/internal/logging"
	"tsstage/internal/project"
	"tsstage/internal/sourcemap"
	"tsstage/internal/stage"
	"tsstage/internal/storage"
)

type Options struct {
	PatchMode    sourcemap.Mode
	AllowPartial bool // skip missing family members instead of failing
}

type Stager struct {
	loader project.Loader
	ledger storage.Ledger
	logger *slog.Logger
	opts   Options
	now    func() time.Time
}

func NewStager(loader project.Loader, logger *slog.Logger, opts Options) *Stager {
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.PatchMode == "" {
		opts.PatchMode = sourcemap.ModeStrict
	}
	return &Stager{
		loader: loader,
		logger: logger,
		opts:   opts,
		now:    time.Now,
	}
}

// WithLedger makes every run record its staged files in l.
func (s *Stager) WithLedger(l storage.Ledger) *Stager {
	s.ledger = l
	return s
}

// run carries the per-invocation state.
type run struct {
	report *Report
	dest   string
	runID  int64
	owners map[string]string // base name -> source dir that staged it
}

// Run stages every source family of the projects transitively referenced by
// the descriptor at rootPath into destDir. The root's own sources are not
// staged. The first failure stops the run; files already written stay in
// place. The returned report is never nil and records the failure too.
func (s *Stager) Run(ctx context.Context, rootPath, destDir string) (report *Report, err error) {
	r := &run{
		report: NewReport(rootPath, destDir, s.now()),
		dest:   destDir,
		owners: make(map[string]string),
	}
	report = r.report

	defer func() {
		if rec := recover(); rec != nil {
			var ae *apperr.Error
			perr, ok := rec.(error)
			if !ok || !errors.As(perr, &ae) || ae.Kind != apperr.KindContract {
				panic(rec)
			}
			err = perr
		}
		r.report.finish(s.now(), err)
		s.finishLedger(ctx, r, err)
	}()

	if rootPath == "" {
		return report, apperr.Usage("root project path is required")
	}
	if destDir == "" {
		return report, apperr.Usage("library directory is required")
	}

	root, err := s.loader.Open(rootPath)
	if err != nil {
		return report, fmt.Errorf("open root project: %w", err)
	}
	s.logger.Debug("root project loaded", "path", root.Path, "items", len(root.Items))

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return report, apperr.New(apperr.KindCopy, "create library directory "+destDir, err)
	}
	s.beginLedger(ctx, r, root.Path)

	first := true
	for d, walkErr := range graph.Walk(ctx, s.loader, root) {
		if walkErr != nil {
			return report, walkErr
		}
		if first {
			first = false
			continue
		}
		r.report.Projects++
		if err := s.stageProject(ctx, r, d); err != nil {
			return report, fmt.Errorf("stage project %s: %w", d.Name(), err)
		}
	}

	s.logger.Info("staging finished",
		"projects", r.report.Projects,
		"families", len(r.report.Families),
		"files", r.report.FileCount())
	return report, nil
}

func (s *Stager) stageProject(ctx context.Context, r *run, d *project.Descriptor) error {
	items := project.SourceItems(d)
	s.logger.Debug("staging project", "project", d.Name(), "sources", len(items))
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.stageFamily(ctx, r, d, project.Resolve(d, it)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stager) stageFamily(ctx context.Context, r *run, d *project.Descriptor, sourcePath string) error {
	fam, err := stage.FamilyOf(sourcePath)
	if err != nil {
		return err
	}

	members := stage.Layout
	if s.opts.AllowPartial {
		missing, err := fam.Missing(stage.Layout)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			members = without(stage.Layout, missing)
			msg := fmt.Sprintf("%s in %s is missing %d member(s)", fam.BaseName, fam.SourceDir, len(missing))
			r.report.AddSignal(SignalPartialFamily, "warn", msg)
			s.logger.Warn("partial family", "family", fam.BaseName, "dir", fam.SourceDir, "missing", len(missing))
		}
	} else if err := stage.CheckFamily(fam, stage.Layout); err != nil {
		return err
	}

	if owner, ok := r.owners[fam.BaseName]; ok && owner != fam.SourceDir {
		msg := fmt.Sprintf("%s from %s overwrites the one staged from %s", fam.BaseName, fam.SourceDir, owner)
		r.report.AddSignal(SignalNameCollision, "warn", msg)
		s.logger.Warn("base name collision", "family", fam.BaseName, "dir", fam.SourceDir, "previous", owner)
	}
	r.owners[fam.BaseName] = fam.SourceDir

	staged := StagedFamily{Project: d.Name(), BaseName: fam.BaseName, SourceDir: fam.SourceDir}
	var sourceDest, mapDest string
	for _, m := range members {
		dst, err := stage.CopyFamily(fam.SourceDir, fam.BaseName, r.dest, m.OldExt, m.NewExt)
		if err != nil {
			return err
		}
		switch m {
		case stage.Source:
			sourceDest = dst
		case stage.SourceMap:
			mapDest = dst
		}
		staged.Files = append(staged.Files, dst)
	}

	if mapDest != "" {
		res, err := sourcemap.Patch(fam.BaseName, mapDest, sourceDest, s.opts.PatchMode)
		if err != nil {
			return err
		}
		staged.MapPatched = res.Changed
		if res.Changed {
			s.logger.Debug("source map patched", "map", mapDest, "diff", sourcemap.Diff(fam.BaseName+stage.SourceMap.NewExt, res))
		} else {
			r.report.AddSignal(SignalMapUnpatched, "info", mapDest+" has no single-entry sources field")
		}
	}

	r.report.Families = append(r.report.Families, staged)
	s.logger.Debug("family staged", "family", fam.BaseName, "project", d.Name(), "files", len(staged.Files))

	s.recordFamily(ctx, r, fam, members, staged.Files)
	return nil
}

func without(layout, drop []stage.Member) []stage.Member {
	var out []stage.Member
	for _, m := range layout {
		keep := true
		for _, d := range drop {
			if m == d {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, m)
		}
	}
	return out
}

// Ledger problems never fail a run; they are reported as signals.

func (s *Stager) beginLedger(ctx context.Context, r *run, root string) {
	if s.ledger == nil {
		return
	}
	id, err := s.ledger.BeginRun(ctx, root, r.dest, s.now())
	if err != nil {
		s.ledgerFailed(r, "begin run", err)
		return
	}
	r.runID = id
}

func (s *Stager) recordFamily(ctx context.Context, r *run, fam stage.Family, members []stage.Member, dests []string) {
	if s.ledger == nil || r.runID == 0 {
		return
	}
	for i, dst := range dests {
		size, sum, err := hashFile(dst)
		if err != nil {
			s.ledgerFailed(r, "hash "+dst, err)
			return
		}
		f := storage.StagedFile{
			Family: fam.BaseName,
			Source: fam.Path(members[i]),
			Dest:   dst,
			Size:   size,
			SHA256: sum,
		}
		if err := s.ledger.RecordFile(ctx, r.runID, f); err != nil {
			s.ledgerFailed(r, "record "+dst, err)
			return
		}
	}
}

func (s *Stager) finishLedger(ctx context.Context, r *run, runErr error) {
	if s.ledger == nil || r.runID == 0 {
		return
	}
	if err := s.ledger.FinishRun(context.WithoutCancel(ctx), r.runID, s.now(), runErr); err != nil {
		s.ledgerFailed(r, "finish run", err)
	}
}

func (s *Stager) ledgerFailed(r *run, op string, err error) {
	r.report.AddSignal(SignalLedger, "warn", op+": "+err.Error())
	s.logger.Warn("ledger write failed", "op", op, "err", err)
	r.runID = 0
}

func hashFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}
