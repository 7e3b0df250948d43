package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/conjury/conjury/internal/journal"
)

// Stage is a directory that owns a journal. Spells persist each product's
// signature through the journal of the nearest stage at or above that
// product's directory.
type Stage struct {
	Dir     string
	Journal *journal.Journal
}

// StageOptions configures NewStage. An empty Directory means the current
// context's directory; a nil Journal opens the platform default file inside
// the stage directory.
type StageOptions struct {
	Directory string
	Journal   *journal.Journal
}

// NewStage creates the stage directory (mkdir -p, honoring the umask),
// opens or adopts its journal, and registers it. Registering a directory
// that already has a stage is a consistency error.
func (e *Engine) NewStage(opts StageOptions) (*Stage, error) {
	dir := opts.Directory
	if dir == "" {
		if e.current == nil {
			return nil, fmt.Errorf("stage requires a directory or a current context")
		}
		dir = e.current.Dir
	}
	abs, err := Canonical(dir)
	if err != nil {
		return nil, err
	}
	if _, exists := e.stages[abs]; exists {
		return nil, e.Errorf("stage already registered for %s", abs)
	}
	if err := os.MkdirAll(abs, 0777); err != nil {
		return nil, fmt.Errorf("creating stage directory %s: %w", abs, err)
	}

	jnl := opts.Journal
	if jnl == nil {
		jnl, err = journal.Open(filepath.Join(abs, journal.DefaultBasename()), e.Warnf)
		if err != nil {
			return nil, err
		}
	}

	s := &Stage{Dir: abs, Journal: jnl}
	e.stages[abs] = s
	return s, nil
}

// MakeSubdir creates rel under the stage directory with mkdir -p semantics.
// Absolute paths are rejected.
func (s *Stage) MakeSubdir(rel string) error {
	if filepath.IsAbs(rel) {
		return fmt.Errorf("stage subdirectory %s: absolute path not allowed", rel)
	}
	path := filepath.Join(s.Dir, rel)
	if err := os.MkdirAll(path, 0777); err != nil {
		return fmt.Errorf("creating stage subdirectory %s: %w", path, err)
	}
	return nil
}

// StageFor walks from dir toward the filesystem root and returns the
// nearest registered stage, or nil when none is on the path.
func (e *Engine) StageFor(dir string) *Stage {
	for {
		if s, ok := e.stages[dir]; ok {
			return s
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil
		}
		dir = parent
	}
}

// journalFor resolves the journal of the nearest stage at or above dir, or
// nil when none is registered.
func (e *Engine) journalFor(dir string) *journal.Journal {
	if s := e.StageFor(dir); s != nil {
		return s.Journal
	}
	return nil
}
