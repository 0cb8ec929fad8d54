package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tsstage/internal/apperr"
)

// Signal codes raised during a run.
const (
	SignalNameCollision = "name_collision"
	SignalPartialFamily = "partial_family"
	SignalMapUnpatched  = "map_unpatched"
	SignalLedger        = "ledger"
)

type ReportSignal struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

type StagedFamily struct {
	Project    string   `json:"project"`
	BaseName   string   `json:"base_name"`
	SourceDir  string   `json:"source_dir"`
	Files      []string `json:"files"`
	MapPatched bool     `json:"map_patched"`
}

// Report is the outcome of one staging run. Success is false whenever Error
// is set.
type Report struct {
	Version    string         `json:"version"`
	Root       string         `json:"root"`
	Dest       string         `json:"dest"`
	StartedAt  string         `json:"started_at"`
	FinishedAt string         `json:"finished_at"`
	DurationMS int64          `json:"duration_ms"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	Projects   int            `json:"projects"`
	Families   []StagedFamily `json:"families"`
	Signals    []ReportSignal `json:"signals,omitempty"`

	started time.Time
}

func NewReport(root, dest string, started time.Time) *Report {
	return &Report{
		Version:   "v1",
		Root:      root,
		Dest:      dest,
		StartedAt: started.UTC().Format(time.RFC3339Nano),
		Families:  []StagedFamily{},
		started:   started,
	}
}

func (r *Report) AddSignal(code, severity, message string) {
	if r == nil {
		return
	}
	r.Signals = append(r.Signals, ReportSignal{
		Code:     strings.TrimSpace(code),
		Severity: strings.ToLower(strings.TrimSpace(severity)),
		Message:  strings.TrimSpace(message),
	})
}

// FileCount is the number of destination files written.
func (r *Report) FileCount() int {
	n := 0
	for _, f := range r.Families {
		n += len(f.Files)
	}
	return n
}

func (r *Report) finish(finished time.Time, err error) {
	r.FinishedAt = finished.UTC().Format(time.RFC3339Nano)
	r.DurationMS = finished.Sub(r.started).Milliseconds()
	r.Success = err == nil
	if err != nil {
		r.Error = err.Error()
		r.ErrorKind = string(apperr.KindOf(err))
	}
}

func (r *Report) Save(path string) error {
	if r == nil || strings.TrimSpace(path) == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
