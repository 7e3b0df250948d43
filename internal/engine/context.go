package engine

import (
	"fmt"
	"os"
)

// Context associates a directory with the spells declared there: a name →
// spells table plus an ordered list of default (unnamed) spells. Contexts
// are created once per directory and live for the whole run.
type Context struct {
	Dir string

	SpellsByName  map[string][]*Spell
	DefaultSpells []*Spell
}

// NewContext canonicalizes dir, registers the context, and evaluates the
// directory's description file with the context pushed. Registering the
// same directory twice is a consistency error.
//
// An empty dir means the process working directory.
func (e *Engine) NewContext(dir string) (*Context, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("reading working directory: %w", err)
		}
		dir = wd
	}
	abs, err := Canonical(dir)
	if err != nil {
		return nil, err
	}
	if _, exists := e.contexts[abs]; exists {
		return nil, e.Errorf("context already registered for %s", abs)
	}

	c := &Context{
		Dir:          abs,
		SpellsByName: make(map[string][]*Spell),
	}
	e.contexts[abs] = c

	restore, err := e.push(c)
	if err != nil {
		return nil, err
	}
	defer restore()

	if e.Loader != nil {
		if err := e.Loader(e, c); err != nil {
			return nil, fmt.Errorf("loading %s: %w", abs, err)
		}
	}
	return c, nil
}

// FetchContext returns the registered context for dir, constructing one
// (which loads its description) when absent.
func (e *Engine) FetchContext(dir string) (*Context, error) {
	abs, err := Canonical(dir)
	if err != nil {
		return nil, err
	}
	if c, ok := e.contexts[abs]; ok {
		return c, nil
	}
	return e.NewContext(abs)
}

// FetchSpells resolves a user-assigned name in c. The empty name selects
// the context's default spells.
func (e *Engine) FetchSpells(c *Context, name string) []*Spell {
	if name == "" {
		return c.DefaultSpells
	}
	return c.SpellsByName[name]
}

// push makes c the current context and moves the process working directory
// into it. The returned func restores both and must run on every exit path,
// before any error propagates. Pushing the current context is a no-op.
func (e *Engine) push(c *Context) (func(), error) {
	if c == e.current {
		return func() {}, nil
	}
	prev := e.current
	prevWD, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("reading working directory: %w", err)
	}
	if err := os.Chdir(c.Dir); err != nil {
		return nil, fmt.Errorf("entering %s: %w", c.Dir, err)
	}
	e.current = c
	return func() {
		e.current = prev
		if err := os.Chdir(prevWD); err != nil {
			e.Warnf("restoring working directory %s: %v", prevWD, err)
		}
	}, nil
}
