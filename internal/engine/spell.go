package engine

import (
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/conjury/conjury/internal/journal"
)

// Factor is one dependency of a spell: a direct spell reference, or a name
// resolved at invoke time against the owning context's name table, falling
// back to a source-file stat when no spell carries the name.
type Factor struct {
	Spell *Spell
	Name  string
}

// SpellFactor wraps a direct spell reference.
func SpellFactor(s *Spell) Factor { return Factor{Spell: s} }

// NameFactor wraps a name resolved at invoke time.
func NameFactor(name string) Factor { return Factor{Name: name} }

// Profile is the hash pre-image base: a static string, or a thunk evaluated
// when the spell is invoked so it can incorporate late-bound data.
type Profile struct {
	Static   string
	Computed func() string
}

func (p Profile) isZero() bool { return p.Static == "" && p.Computed == nil }

// Action is what a spell does when it must run: a shell command line, an
// argv vector, or a caller-supplied closure returning a result code.
type Action struct {
	Shell   string
	Argv    []string
	Closure func() int
}

func (a Action) isZero() bool { return a.Shell == "" && a.Argv == nil && a.Closure == nil }

// Spell is a node in the dependency graph. Its signature is the base64 MD5
// of its profile, accumulated at invoke time from factor signatures and
// source mtimes; the journal decides whether its action must run.
type Spell struct {
	engine *Engine
	ctx    *Context
	jnl    *journal.Journal

	factors  []Factor
	products []string

	profile   Profile
	run       func() int
	hasAction bool

	sig  string
	done bool
}

// SpellOptions configures NewSpell. A non-empty Name registers the spell in
// the context's name table; an unnamed spell joins the default list.
type SpellOptions struct {
	Name     string
	Context  *Context
	Factors  []Factor
	Products []string
	Profile  Profile
	Action   Action

	// Journal overrides the per-product resolution through the nearest
	// registered stage.
	Journal *journal.Journal
}

// NewSpell validates the options, registers the spell's products, rewrites
// the action for the active mode, and registers the spell in its context.
//
// In undo mode a product-bearing spell's action is replaced by an unlink of
// its products under a deterministic profile. Shell and argv actions are
// wrapped to print a description line and, outside preview mode, spawn; the
// action's textual form is the default profile. A closure action requires a
// caller-supplied profile. An action-less spell defaults to a profile that
// is unique per process, deliberately unstable across runs.
func (e *Engine) NewSpell(opts SpellOptions) (*Spell, error) {
	ctx := opts.Context
	if ctx == nil {
		ctx = e.current
	}
	if ctx == nil {
		return nil, fmt.Errorf("spell construction requires a current context")
	}

	for _, f := range opts.Factors {
		if f.Spell != nil && f.Name != "" {
			return nil, e.Errorf("factor has both a spell reference and a name")
		}
		if f.Spell == nil && f.Name == "" {
			return nil, e.Errorf("empty factor")
		}
	}
	if len(opts.Products) > 0 && opts.Action.isZero() {
		return nil, e.Errorf("spell declares products but no action")
	}

	products := make([]string, len(opts.Products))
	for i, p := range opts.Products {
		products[i] = absAgainst(ctx.Dir, p)
	}

	s := &Spell{
		engine:   e,
		ctx:      ctx,
		jnl:      opts.Journal,
		factors:  append([]Factor(nil), opts.Factors...),
		products: products,
		profile:  opts.Profile,
	}

	for _, p := range products {
		if other, taken := e.products[p]; taken && other != s {
			return nil, e.Errorf("product %s is already produced by another spell", p)
		}
		e.products[p] = s
	}

	if err := s.bindAction(opts.Action); err != nil {
		return nil, err
	}

	if opts.Name != "" {
		ctx.SpellsByName[opts.Name] = append(ctx.SpellsByName[opts.Name], s)
	} else {
		ctx.DefaultSpells = append(ctx.DefaultSpells, s)
	}
	return s, nil
}

// bindAction turns the declared action into the spell's run thunk and fills
// in the default profile where the action's textual form provides one.
func (s *Spell) bindAction(a Action) error {
	e := s.engine

	if e.Undo && len(s.products) > 0 {
		products := s.products
		s.profile = Profile{Static: "unlink " + strings.Join(products, " ")}
		s.hasAction = true
		s.run = func() int {
			for _, p := range products {
				fmt.Println("unlink " + p)
				if e.Preview {
					continue
				}
				if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
					e.Warnf("unlinking %s: %v", p, err)
					return 1
				}
			}
			return 0
		}
		return nil
	}

	switch {
	case a.Shell != "":
		command := a.Shell
		if s.profile.isZero() {
			s.profile = Profile{Static: command}
		}
		s.hasAction = true
		s.run = func() int {
			fmt.Println(command)
			if e.Preview {
				return 0
			}
			return e.Spawn.Shell(command)
		}
	case a.Argv != nil:
		argv := append([]string(nil), a.Argv...)
		text := strings.Join(argv, " ")
		if s.profile.isZero() {
			s.profile = Profile{Static: text}
		}
		s.hasAction = true
		s.run = func() int {
			fmt.Println(text)
			if e.Preview {
				return 0
			}
			return e.Spawn.Argv(argv)
		}
	case a.Closure != nil:
		if s.profile.isZero() {
			return e.Errorf("a closure action requires a profile")
		}
		fn := a.Closure
		s.hasAction = true
		s.run = func() int {
			if e.Preview {
				return 0
			}
			return fn()
		}
	default:
		// No action. The default profile is unique per process and
		// intentionally unstable across runs; dependents are forced
		// instead of trusting it.
		if s.profile.isZero() {
			s.profile = Profile{Static: fmt.Sprintf("conjury %d %d", e.pid, e.started)}
		}
	}
	return nil
}

// Products returns the spell's canonicalized product paths.
func (s *Spell) Products() []string {
	return append([]string(nil), s.products...)
}

// Context returns the spell's owning context.
func (s *Spell) Context() *Context { return s.ctx }

// Signature hashes a profile: unpadded standard base64 of its MD5 digest,
// or the empty string for an empty profile.
func Signature(profile string) string {
	if profile == "" {
		return ""
	}
	sum := md5.Sum([]byte(profile))
	return base64.RawStdEncoding.EncodeToString(sum[:])
}

// Invoke resolves the spell's factors, computes its signature, runs the
// action when the journal or filesystem disagrees with it, and memoizes the
// result so repeated invocation within a run is a no-op.
func (s *Spell) Invoke() (string, error) {
	if s.done {
		return s.sig, nil
	}
	e := s.engine

	profile := s.profile.Static
	if s.profile.Computed != nil {
		profile = s.profile.Computed()
	}

	restore, err := e.push(s.ctx)
	if err != nil {
		return "", err
	}
	defer restore()

	force := e.Force
	for _, f := range s.factors {
		switch {
		case f.Spell != nil:
			if f.Spell == s {
				continue
			}
			sig, err := f.Spell.Invoke()
			if err != nil {
				return "", err
			}
			if sig != "" {
				profile += " " + sig
			}
			if !f.Spell.hasAction {
				force = true
			}
		default:
			resolved := e.FetchSpells(s.ctx, f.Name)
			if len(resolved) > 0 {
				for _, dep := range resolved {
					if dep == s {
						continue
					}
					sig, err := dep.Invoke()
					if err != nil {
						return "", err
					}
					if sig != "" {
						profile += " " + sig
					}
					if !dep.hasAction {
						force = true
					}
				}
				continue
			}
			info, statErr := os.Stat(f.Name)
			if statErr != nil {
				return "", e.Errorf("no spells for '%s' -- is it a missing source file?", f.Name)
			}
			profile += fmt.Sprintf(" %s %d", f.Name, info.ModTime().Unix())
		}
	}

	sig := Signature(profile)

	if s.run != nil {
		need := force
		if e.Undo {
			for _, p := range s.products {
				if fileExists(p) {
					need = true
				}
			}
			if need && !e.Preview {
				for _, p := range s.products {
					jnl := s.journalFor(p)
					if jnl != nil && jnl.Has(p) {
						if _, _, err := jnl.Delete(p); err != nil {
							return "", err
						}
					}
				}
			}
		} else {
			for _, p := range s.products {
				if !fileExists(p) {
					need = true
					continue
				}
				// An empty signature carries no identity; only a
				// missing product can demand a rebuild then.
				if sig == "" {
					continue
				}
				recorded, known := "", false
				if jnl := s.journalFor(p); jnl != nil {
					recorded, known = jnl.Get(p)
				}
				if !known || recorded != sig {
					need = true
				}
			}
		}

		if need {
			e.Debugf("casting %s", s.describeTarget())
			if code := s.run(); code != 0 {
				return "", e.Errorf("Action failed (%d)", code)
			}
			if !e.Preview && !e.Undo && sig != "" {
				for _, p := range s.products {
					if jnl := s.journalFor(p); jnl != nil {
						if err := jnl.Put(p, sig); err != nil {
							return "", err
						}
					}
				}
			}
			e.actionsRun++
			s.run = nil
		}
	}

	s.sig = sig
	s.done = true
	return sig, nil
}

// journalFor resolves the journal a product persists through: the spell's
// own journal when one was supplied, otherwise the nearest registered
// stage above the product path.
func (s *Spell) journalFor(product string) *journal.Journal {
	if s.jnl != nil {
		return s.jnl
	}
	return s.engine.journalFor(filepath.Dir(product))
}

func (s *Spell) describeTarget() string {
	if len(s.products) > 0 {
		return strings.Join(s.products, " ")
	}
	return "(no products)"
}
