// Package driver ties the engine, loader and executor together for one
// run: bootstrap the root context, resolve targets, invoke their spells.
package driver

import (
	"fmt"

	"github.com/voodooEntity/archivist"

	"github.com/conjury/conjury/internal/engine"
	"github.com/conjury/conjury/internal/executor"
	"github.com/conjury/conjury/internal/loader"
)

// Options carries the mode flags and defines for one run.
type Options struct {
	Force   bool
	Preview bool
	Undo    bool
	Verbose bool
	Defines map[string]string
}

// TargetResult records the signature one resolved target produced. Name is
// "" for a default spell.
type TargetResult struct {
	Name      string
	Signature string
}

// Result summarizes a run.
type Result struct {
	Targets     []TargetResult
	ActionsRun  int
	ContextDirs []string
}

// Execute builds the named targets: construct the root context at topDir
// (loading its description tree), resolve targets against currentDir's
// context, and invoke each resulting spell in order. A fresh engine is
// built per call, so registries and the current-context pointer never leak
// between runs.
func Execute(topDir, currentDir string, targets []string, opts Options) (*Result, error) {
	e := engine.New()
	e.Force = opts.Force
	e.Preview = opts.Preview
	e.Undo = opts.Undo
	e.Verbose = opts.Verbose
	if opts.Defines != nil {
		e.Defines = opts.Defines
	}
	if opts.Verbose {
		e.Log = archivist.New(&archivist.Config{
			LogLevel:   archivist.LEVEL_DEBUG,
			DebugLevel: archivist.DEBUG_LEVEL_TRACE,
		})
	}
	e.Loader = loader.Load
	e.Spawn = executor.Local{}

	root, err := e.NewContext(topDir)
	if err != nil {
		return nil, err
	}

	// Product signatures need somewhere to persist. When the description
	// tree registered no stage at or above the root, attach a default one
	// to the top directory.
	if e.StageFor(root.Dir) == nil {
		if _, err := e.NewStage(engine.StageOptions{Directory: root.Dir}); err != nil {
			return nil, err
		}
	}

	cur := root
	if currentDir != "" {
		cur, err = e.FetchContext(currentDir)
		if err != nil {
			return nil, err
		}
	}

	var selected []*engine.Spell
	var names []string
	if len(targets) == 0 {
		selected = e.FetchSpells(cur, "")
		if len(selected) == 0 {
			return nil, fmt.Errorf("no default spells in %s", cur.Dir)
		}
		names = make([]string, len(selected))
	} else {
		for _, target := range targets {
			spells := e.FetchSpells(cur, target)
			if len(spells) == 0 {
				return nil, fmt.Errorf("no spells named %s in %s", target, cur.Dir)
			}
			for _, sp := range spells {
				selected = append(selected, sp)
				names = append(names, target)
			}
		}
	}

	result := &Result{}
	for i, sp := range selected {
		sig, err := sp.Invoke()
		if err != nil {
			return nil, err
		}
		result.Targets = append(result.Targets, TargetResult{Name: names[i], Signature: sig})
	}
	result.ActionsRun = e.ActionsRun()
	result.ContextDirs = e.ContextDirs()
	return result, nil
}
