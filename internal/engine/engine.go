// Package engine implements the spell graph: contexts, stages, spells and
// the invocation algorithm that decides, from journalled signatures, which
// actions must run.
package engine

import (
	"fmt"
	"os"
	"time"

	"github.com/voodooEntity/archivist"
)

// Spawner runs external actions. Zero means success.
type Spawner interface {
	Shell(command string) int
	Argv(argv []string) int
}

// LoadFunc evaluates the description file of a freshly constructed context.
// It runs with the context pushed and may construct further contexts.
type LoadFunc func(e *Engine, c *Context) error

// Engine holds the process-wide state of one run: the three registries,
// the current-context pointer, and the mode flags. Lifetime is a single
// run; watch mode builds a fresh Engine per iteration.
type Engine struct {
	Force   bool
	Preview bool
	Undo    bool
	Verbose bool

	// Defines is the user-visible variable map populated from --define.
	// Opaque to the core; the loader expands it into description strings.
	Defines map[string]string

	Loader LoadFunc
	Spawn  Spawner
	Log    *archivist.Archivist

	contexts map[string]*Context
	stages   map[string]*Stage
	products map[string]*Spell
	current  *Context

	pid        int
	started    int64
	actionsRun int
}

// New returns an empty Engine with no current context.
func New() *Engine {
	return &Engine{
		Defines:  make(map[string]string),
		Log:      archivist.New(&archivist.Config{LogLevel: archivist.LEVEL_INFO}),
		contexts: make(map[string]*Context),
		stages:   make(map[string]*Stage),
		products: make(map[string]*Spell),
		pid:      os.Getpid(),
		started:  time.Now().Unix(),
	}
}

// Current returns the current context, nil outside any push.
func (e *Engine) Current() *Context { return e.current }

// ActionsRun returns how many spell actions ran (or, in preview, would
// have run) during this engine's lifetime.
func (e *Engine) ActionsRun() int { return e.actionsRun }

// ContextDirs returns the directories of every registered context.
func (e *Engine) ContextDirs() []string {
	dirs := make([]string, 0, len(e.contexts))
	for dir := range e.contexts {
		dirs = append(dirs, dir)
	}
	return dirs
}

// Warnf prints a diagnostic and continues. The current context directory
// prefixes the message when one exists.
func (e *Engine) Warnf(format string, args ...any) {
	e.Log.Warning(e.prefix() + fmt.Sprintf(format, args...))
}

// Debugf emits a verbose-only diagnostic.
func (e *Engine) Debugf(format string, args ...any) {
	e.Log.Debug(archivist.DEBUG_LEVEL_TRACE, e.prefix()+fmt.Sprintf(format, args...))
}

// Errorf builds a fatal error for the current run. The current context
// directory prefixes the message when one exists; the caller propagates
// the error out of invoke after popping any pushed context.
func (e *Engine) Errorf(format string, args ...any) error {
	return fmt.Errorf("%s%s", e.prefix(), fmt.Sprintf(format, args...))
}

func (e *Engine) prefix() string {
	if e.current != nil {
		return e.current.Dir + ": "
	}
	return ""
}
