package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// newTestEngine returns an engine with a single context over a fresh temp
// directory and a stage attached to it. No loader is wired; tests register
// spells programmatically.
func newTestEngine(t *testing.T) (*Engine, *Context) {
	t.Helper()
	e := New()
	c, err := e.NewContext(t.TempDir())
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	if _, err := e.NewStage(StageOptions{Directory: c.Dir}); err != nil {
		t.Fatalf("NewStage: %v", err)
	}
	return e, c
}

// touchSource writes a source file and pins its mtime so signature
// comparisons across engines are stable.
func touchSource(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte("source\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestSignature(t *testing.T) {
	if got := Signature(""); got != "" {
		t.Errorf("Signature(empty) = %q, want empty", got)
	}
	sig := Signature("cc -o prog main.o")
	if sig == "" {
		t.Fatal("expected non-empty signature")
	}
	if strings.ContainsAny(sig, " \t=") {
		t.Errorf("signature %q contains whitespace or padding", sig)
	}
	if sig != Signature("cc -o prog main.o") {
		t.Error("signature is not deterministic")
	}
	if sig == Signature("cc -o prog other.o") {
		t.Error("distinct profiles produced the same signature")
	}
}

func TestInvokeMemoizesWithinRun(t *testing.T) {
	e, c := newTestEngine(t)
	product := filepath.Join(c.Dir, "out")

	runs := 0
	s, err := e.NewSpell(SpellOptions{
		Context:  c,
		Products: []string{product},
		Profile:  Profile{Static: "build out"},
		Action: Action{Closure: func() int {
			runs++
			return writeProduct(product)
		}},
	})
	if err != nil {
		t.Fatalf("NewSpell: %v", err)
	}

	first, err := s.Invoke()
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	second, err := s.Invoke()
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if first != second {
		t.Errorf("signatures differ across invocations: %q vs %q", first, second)
	}
	if runs != 1 {
		t.Errorf("action ran %d times, want 1", runs)
	}
	if first != Signature("build out") {
		t.Errorf("signature = %q, want md5 of profile", first)
	}
}

func TestInvokeWritesJournal(t *testing.T) {
	e, c := newTestEngine(t)
	product := filepath.Join(c.Dir, "out")

	s, err := e.NewSpell(SpellOptions{
		Context:  c,
		Products: []string{product},
		Profile:  Profile{Static: "build out"},
		Action:   Action{Closure: func() int { return writeProduct(product) }},
	})
	if err != nil {
		t.Fatal(err)
	}

	sig, err := s.Invoke()
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	jnl := e.StageFor(c.Dir).Journal
	recorded, ok := jnl.Get(product)
	if !ok || recorded != sig {
		t.Errorf("journal entry = %q, %v, want %q", recorded, ok, sig)
	}
}

func TestUnchangedSecondRunSkipsAction(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in")
	touchSource(t, src, time.Unix(1000000000, 0))

	runOnce := func(force bool) (int, string) {
		e := New()
		e.Force = force
		c, err := e.NewContext(dir)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := e.NewStage(StageOptions{Directory: c.Dir}); err != nil {
			t.Fatal(err)
		}
		product := filepath.Join(c.Dir, "out")
		s, err := e.NewSpell(SpellOptions{
			Context:  c,
			Factors:  []Factor{NameFactor(src)},
			Products: []string{product},
			Profile:  Profile{Static: "compile"},
			Action:   Action{Closure: func() int { return writeProduct(product) }},
		})
		if err != nil {
			t.Fatal(err)
		}
		sig, err := s.Invoke()
		if err != nil {
			t.Fatalf("Invoke: %v", err)
		}
		return e.ActionsRun(), sig
	}

	ran, sig1 := runOnce(false)
	if ran != 1 {
		t.Fatalf("first run: %d actions, want 1", ran)
	}

	ran, sig2 := runOnce(false)
	if ran != 0 {
		t.Errorf("unchanged second run: %d actions, want 0", ran)
	}
	if sig1 != sig2 {
		t.Errorf("signatures differ across runs: %q vs %q", sig1, sig2)
	}

	// A source mtime change invalidates every dependent.
	touchSource(t, src, time.Unix(1000000100, 0))
	ran, sig3 := runOnce(false)
	if ran != 1 {
		t.Errorf("after mtime change: %d actions, want 1", ran)
	}
	if sig3 == sig2 {
		t.Error("signature did not change with source mtime")
	}

	// Force mode treats everything as out-of-date.
	ran, _ = runOnce(true)
	if ran != 1 {
		t.Errorf("forced run: %d actions, want 1", ran)
	}
}

func TestFactorSignatureFlowsIntoProfile(t *testing.T) {
	e, c := newTestEngine(t)
	obj := filepath.Join(c.Dir, "main.o")
	prog := filepath.Join(c.Dir, "prog")

	dep, err := e.NewSpell(SpellOptions{
		Name:     "main.o",
		Context:  c,
		Products: []string{obj},
		Profile:  Profile{Static: "compile main.o"},
		Action:   Action{Closure: func() int { return writeProduct(obj) }},
	})
	if err != nil {
		t.Fatal(err)
	}

	top, err := e.NewSpell(SpellOptions{
		Context:  c,
		Factors:  []Factor{SpellFactor(dep)},
		Products: []string{prog},
		Profile:  Profile{Static: "link prog"},
		Action:   Action{Closure: func() int { return writeProduct(prog) }},
	})
	if err != nil {
		t.Fatal(err)
	}

	sig, err := top.Invoke()
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	depSig := Signature("compile main.o")
	want := Signature("link prog " + depSig)
	if sig != want {
		t.Errorf("signature = %q, want %q", sig, want)
	}
}

func TestNameFactorResolvesSpellsFirst(t *testing.T) {
	e, c := newTestEngine(t)
	lib := filepath.Join(c.Dir, "lib.o")
	prog := filepath.Join(c.Dir, "prog")

	if _, err := e.NewSpell(SpellOptions{
		Name:     "lib",
		Context:  c,
		Products: []string{lib},
		Profile:  Profile{Static: "compile lib"},
		Action:   Action{Closure: func() int { return writeProduct(lib) }},
	}); err != nil {
		t.Fatal(err)
	}

	top, err := e.NewSpell(SpellOptions{
		Context:  c,
		Factors:  []Factor{NameFactor("lib")},
		Products: []string{prog},
		Profile:  Profile{Static: "link"},
		Action:   Action{Closure: func() int { return writeProduct(prog) }},
	})
	if err != nil {
		t.Fatal(err)
	}

	sig, err := top.Invoke()
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	want := Signature("link " + Signature("compile lib"))
	if sig != want {
		t.Errorf("signature = %q, want %q", sig, want)
	}
}

func TestUnresolvableFactorIsFatal(t *testing.T) {
	e, c := newTestEngine(t)

	s, err := e.NewSpell(SpellOptions{
		Context: c,
		Factors: []Factor{NameFactor("no-such-thing")},
		Profile: Profile{Static: "p"},
		Action:  Action{Closure: func() int { return 0 }},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.Invoke()
	if err == nil {
		t.Fatal("expected resolution error")
	}
	if !strings.Contains(err.Error(), "no spells for 'no-such-thing'") {
		t.Errorf("error = %q", err)
	}
}

func TestSelfFactorSkipped(t *testing.T) {
	e, c := newTestEngine(t)

	s, err := e.NewSpell(SpellOptions{
		Name:    "loop",
		Context: c,
		Factors: []Factor{NameFactor("loop")},
		Profile: Profile{Static: "p"},
		Action:  Action{Closure: func() int { return 0 }},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Invoke(); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
}

func TestActionlessFactorForcesDependent(t *testing.T) {
	dir := t.TempDir()

	runOnce := func() int {
		e := New()
		c, err := e.NewContext(dir)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := e.NewStage(StageOptions{Directory: c.Dir}); err != nil {
			t.Fatal(err)
		}
		phony, err := e.NewSpell(SpellOptions{Name: "phony", Context: c})
		if err != nil {
			t.Fatal(err)
		}
		product := filepath.Join(c.Dir, "out")
		s, err := e.NewSpell(SpellOptions{
			Context:  c,
			Factors:  []Factor{SpellFactor(phony)},
			Products: []string{product},
			Profile:  Profile{Static: "build"},
			Action:   Action{Closure: func() int { return writeProduct(product) }},
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.Invoke(); err != nil {
			t.Fatalf("Invoke: %v", err)
		}
		return e.ActionsRun()
	}

	if ran := runOnce(); ran != 1 {
		t.Fatalf("first run: %d actions, want 1", ran)
	}
	// The phony factor keeps forcing the dependent on every run.
	if ran := runOnce(); ran != 1 {
		t.Errorf("second run: %d actions, want 1 (forced by actionless factor)", ran)
	}
}

func TestDuplicateProductRejected(t *testing.T) {
	e, c := newTestEngine(t)
	product := filepath.Join(c.Dir, "out")

	if _, err := e.NewSpell(SpellOptions{
		Context:  c,
		Products: []string{product},
		Profile:  Profile{Static: "a"},
		Action:   Action{Closure: func() int { return 0 }},
	}); err != nil {
		t.Fatal(err)
	}

	_, err := e.NewSpell(SpellOptions{
		Context:  c,
		Products: []string{product},
		Profile:  Profile{Static: "b"},
		Action:   Action{Closure: func() int { return 0 }},
	})
	if err == nil {
		t.Fatal("expected consistency error for duplicate product")
	}
	if !strings.Contains(err.Error(), "already produced") {
		t.Errorf("error = %q", err)
	}
}

func TestProductWithoutActionRejected(t *testing.T) {
	e, c := newTestEngine(t)

	_, err := e.NewSpell(SpellOptions{
		Context:  c,
		Products: []string{filepath.Join(c.Dir, "out")},
	})
	if err == nil {
		t.Fatal("expected usage error for product without action")
	}
}

func TestClosureActionRequiresProfile(t *testing.T) {
	e, c := newTestEngine(t)

	_, err := e.NewSpell(SpellOptions{
		Context: c,
		Action:  Action{Closure: func() int { return 0 }},
	})
	if err == nil {
		t.Fatal("expected usage error for closure without profile")
	}
}

func TestPreviewSuppressesSideEffects(t *testing.T) {
	e, c := newTestEngine(t)
	e.Preview = true
	product := filepath.Join(c.Dir, "out")

	called := false
	s, err := e.NewSpell(SpellOptions{
		Context:  c,
		Products: []string{product},
		Profile:  Profile{Static: "build"},
		Action:   Action{Closure: func() int { called = true; return writeProduct(product) }},
	})
	if err != nil {
		t.Fatal(err)
	}

	sig, err := s.Invoke()
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if called {
		t.Error("preview mode called the action closure")
	}
	if sig != Signature("build") {
		t.Errorf("preview signature = %q, want md5 of profile", sig)
	}
	if fileExists(product) {
		t.Error("preview mode produced a file")
	}
	if e.StageFor(c.Dir).Journal.Has(product) {
		t.Error("preview mode wrote to the journal")
	}
	if e.ActionsRun() != 1 {
		t.Errorf("ActionsRun = %d, want 1 (a would-run)", e.ActionsRun())
	}
}

func TestUndoRemovesProductAndJournalEntry(t *testing.T) {
	dir := t.TempDir()
	var product string

	// Build first.
	{
		e := New()
		c, err := e.NewContext(dir)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := e.NewStage(StageOptions{Directory: c.Dir}); err != nil {
			t.Fatal(err)
		}
		product = filepath.Join(c.Dir, "out")
		s, err := e.NewSpell(SpellOptions{
			Context:  c,
			Products: []string{product},
			Profile:  Profile{Static: "build"},
			Action:   Action{Closure: func() int { return writeProduct(product) }},
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.Invoke(); err != nil {
			t.Fatal(err)
		}
	}

	// Undo.
	e := New()
	e.Undo = true
	c, err := e.NewContext(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.NewStage(StageOptions{Directory: c.Dir}); err != nil {
		t.Fatal(err)
	}
	s, err := e.NewSpell(SpellOptions{
		Context:  c,
		Products: []string{product},
		Profile:  Profile{Static: "build"},
		Action:   Action{Closure: func() int { return writeProduct(product) }},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Invoke(); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if fileExists(product) {
		t.Error("undo left the product behind")
	}
	if e.StageFor(c.Dir).Journal.Has(product) {
		t.Error("undo left the journal entry behind")
	}
}

func TestUndoMissingProductIsNoOp(t *testing.T) {
	e, c := newTestEngine(t)
	e.Undo = true
	product := filepath.Join(c.Dir, "out")

	jnl := e.StageFor(c.Dir).Journal
	if err := jnl.Put(product, "stale"); err != nil {
		t.Fatal(err)
	}

	s, err := e.NewSpell(SpellOptions{
		Context:  c,
		Products: []string{product},
		Profile:  Profile{Static: "build"},
		Action:   Action{Closure: func() int { return 0 }},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Invoke(); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if e.ActionsRun() != 0 {
		t.Errorf("ActionsRun = %d, want 0", e.ActionsRun())
	}
	if !jnl.Has(product) {
		t.Error("undo removed a journal entry without running")
	}
}

func TestEmptyProfileBoundary(t *testing.T) {
	e, c := newTestEngine(t)
	product := filepath.Join(c.Dir, "out")

	runs := 0
	build := func() (*Spell, error) {
		return e.NewSpell(SpellOptions{
			Context:  c,
			Products: []string{product},
			Profile:  Profile{Computed: func() string { return "" }},
			Action:   Action{Closure: func() int { runs++; return writeProduct(product) }},
		})
	}

	s, err := build()
	if err != nil {
		t.Fatal(err)
	}
	sig, err := s.Invoke()
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if sig != "" {
		t.Errorf("signature = %q, want empty", sig)
	}
	if runs != 1 {
		t.Fatalf("action ran %d times, want 1 (product was missing)", runs)
	}

	// Product now exists: a fresh engine over the same directory must not
	// run the action again.
	e2 := New()
	c2, err := e2.NewContext(c.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e2.NewStage(StageOptions{Directory: c2.Dir}); err != nil {
		t.Fatal(err)
	}
	s2, err := e2.NewSpell(SpellOptions{
		Context:  c2,
		Products: []string{product},
		Profile:  Profile{Computed: func() string { return "" }},
		Action:   Action{Closure: func() int { runs++; return writeProduct(product) }},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s2.Invoke(); err != nil {
		t.Fatal(err)
	}
	if runs != 1 {
		t.Errorf("action ran %d times, want 1 (product exists)", runs)
	}
	_ = s2
}

func TestActionFailureIsFatal(t *testing.T) {
	e, c := newTestEngine(t)

	s, err := e.NewSpell(SpellOptions{
		Context:  c,
		Products: []string{filepath.Join(c.Dir, "out")},
		Profile:  Profile{Static: "doomed"},
		Action:   Action{Closure: func() int { return 2 }},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.Invoke()
	if err == nil {
		t.Fatal("expected action failure")
	}
	if !strings.Contains(err.Error(), "Action failed (2)") {
		t.Errorf("error = %q", err)
	}
}

func TestInvokeRunsInOwningContextDirectory(t *testing.T) {
	e, c := newTestEngine(t)

	var sawDir string
	s, err := e.NewSpell(SpellOptions{
		Context: c,
		Profile: Profile{Static: "where"},
		Action: Action{Closure: func() int {
			wd, err := os.Getwd()
			if err != nil {
				return 1
			}
			sawDir = wd
			return 0
		}},
		Products: []string{filepath.Join(c.Dir, "out")},
	})
	if err != nil {
		t.Fatal(err)
	}

	before, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Invoke(); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	after, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}

	if sawDir != c.Dir {
		t.Errorf("action ran in %q, want %q", sawDir, c.Dir)
	}
	if before != after {
		t.Errorf("working directory not restored: %q vs %q", before, after)
	}
}

func TestDuplicateFactorsContributeTwice(t *testing.T) {
	e, c := newTestEngine(t)
	obj := filepath.Join(c.Dir, "a.o")
	prog := filepath.Join(c.Dir, "prog")

	dep, err := e.NewSpell(SpellOptions{
		Context:  c,
		Products: []string{obj},
		Profile:  Profile{Static: "compile a"},
		Action:   Action{Closure: func() int { return writeProduct(obj) }},
	})
	if err != nil {
		t.Fatal(err)
	}

	top, err := e.NewSpell(SpellOptions{
		Context:  c,
		Factors:  []Factor{SpellFactor(dep), SpellFactor(dep)},
		Products: []string{prog},
		Profile:  Profile{Static: "link"},
		Action:   Action{Closure: func() int { return writeProduct(prog) }},
	})
	if err != nil {
		t.Fatal(err)
	}

	sig, err := top.Invoke()
	if err != nil {
		t.Fatal(err)
	}
	depSig := Signature("compile a")
	want := Signature("link " + depSig + " " + depSig)
	if sig != want {
		t.Errorf("signature = %q, want %q (profile is a sequence, not a set)", sig, want)
	}
}

// writeProduct creates a product file the way a real action would.
func writeProduct(path string) int {
	if err := os.WriteFile(path, []byte("built\n"), 0644); err != nil {
		return 1
	}
	return 0
}
