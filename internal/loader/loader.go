// Package loader discovers and evaluates conjury description files. A
// description registers spells and stages in the context being loaded; the
// file keeps the historical conjury.pl basename but its content is a
// declarative YAML document.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/conjury/conjury/internal/engine"
)

var candidates = []string{"conjury.pl", "Conjury.pl"}

// ValidationError holds every problem found in one description file.
type ValidationError struct {
	Path   string
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("description %s is invalid:\n  - %s", e.Path, strings.Join(e.Errors, "\n  - "))
}

// Discover returns the description file path for dir. On a case-sensitive
// filesystem where both candidate names exist, it warns and uses the last
// match in candidate order. Returns "" when the directory has none.
func Discover(dir string, warnf func(format string, args ...any)) string {
	var found []string
	var infos []os.FileInfo
	for _, name := range candidates {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		// On a case-insensitive filesystem both candidates stat to the
		// same file; count it once.
		duplicate := false
		for _, prior := range infos {
			if os.SameFile(prior, info) {
				duplicate = true
			}
		}
		if duplicate {
			continue
		}
		found = append(found, path)
		infos = append(infos, info)
	}

	switch len(found) {
	case 0:
		return ""
	case 1:
		return found[0]
	default:
		last := found[len(found)-1]
		if warnf != nil {
			warnf("both %s exist in %s; using %s",
				strings.Join(candidates, " and "), dir, filepath.Base(last))
		}
		return last
	}
}

// Load is the engine.LoadFunc wired by the driver: it evaluates the
// description file of c, registering stages, spells, file copies and
// deferrals. A context directory without a description file is a load
// error.
func Load(e *engine.Engine, c *engine.Context) error {
	path := Discover(c.Dir, e.Warnf)
	if path == "" {
		return fmt.Errorf("no description file (%s) in %s", candidates[0], c.Dir)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading description %s: %w", path, err)
	}

	var desc Description
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return fmt.Errorf("parsing description %s: %w", path, err)
	}

	expand(&desc, e.Defines)

	if errs := validate(&desc); len(errs) > 0 {
		return &ValidationError{Path: path, Errors: errs}
	}

	for _, st := range desc.Stages {
		if _, err := e.NewStage(engine.StageOptions{Directory: st.Directory}); err != nil {
			return err
		}
	}

	for i, decl := range desc.Spells {
		action, err := decodeAction(decl.Action)
		if err != nil {
			return fmt.Errorf("description %s: spell[%d]: %w", path, i, err)
		}
		opts := engine.SpellOptions{
			Name:     decl.Name,
			Products: decl.Products,
			Factors:  expandFactors(decl.Factors),
			Action:   action,
		}
		if decl.Profile != "" {
			opts.Profile = engine.Profile{Static: decl.Profile}
		}
		if _, err := e.NewSpell(opts); err != nil {
			return err
		}
	}

	for _, decl := range desc.Copy {
		files := expandFiles(decl.Files)
		if _, err := e.NewFileCopy(engine.FileCopyOptions{
			Name:       decl.Name,
			Directory:  decl.Directory,
			Files:      files,
			Permission: os.FileMode(decl.Permission),
			Owner:      decl.Owner,
		}); err != nil {
			return err
		}
	}

	for _, decl := range desc.Defer {
		if _, err := e.NewDeferral(engine.DeferralOptions{
			Name:        decl.Name,
			Directories: decl.Directories,
			Targets:     decl.Targets,
			IfPresent:   decl.IfPresent,
		}); err != nil {
			return err
		}
	}

	return nil
}

// validate collects every structural problem before anything registers.
func validate(desc *Description) []string {
	var errs []string

	for i, decl := range desc.Spells {
		prefix := fmt.Sprintf("spell[%d]", i)
		if decl.Name != "" {
			prefix = fmt.Sprintf("spell '%s'", decl.Name)
		}
		if len(decl.Products) > 0 && decl.Action.IsZero() {
			errs = append(errs, fmt.Sprintf("%s: 'products' requires an 'action'", prefix))
		}
		if len(decl.Products) == 0 && decl.Action.IsZero() && len(decl.Factors) == 0 {
			errs = append(errs, fmt.Sprintf("%s: declares nothing to do", prefix))
		}
	}

	for i, decl := range desc.Defer {
		prefix := fmt.Sprintf("defer[%d]", i)
		if len(decl.Directories) == 0 {
			errs = append(errs, fmt.Sprintf("%s: 'directories' is required", prefix))
		}
	}

	for i, decl := range desc.Copy {
		prefix := fmt.Sprintf("copy[%d]", i)
		if decl.Directory == "" {
			errs = append(errs, fmt.Sprintf("%s: 'directory' is required", prefix))
		}
		if len(decl.Files) == 0 {
			errs = append(errs, fmt.Sprintf("%s: 'files' is required", prefix))
		}
	}

	return errs
}

// decodeAction maps a YAML node to the engine's action variants: scalar →
// shell command, sequence → argv vector.
func decodeAction(node yaml.Node) (engine.Action, error) {
	switch node.Kind {
	case 0:
		return engine.Action{}, nil
	case yaml.ScalarNode:
		var shell string
		if err := node.Decode(&shell); err != nil {
			return engine.Action{}, fmt.Errorf("decoding action: %w", err)
		}
		return engine.Action{Shell: shell}, nil
	case yaml.SequenceNode:
		var argv []string
		if err := node.Decode(&argv); err != nil {
			return engine.Action{}, fmt.Errorf("decoding action: %w", err)
		}
		return engine.Action{Argv: argv}, nil
	default:
		return engine.Action{}, fmt.Errorf("action must be a string or a sequence")
	}
}

// expandFactors turns declared factor strings into engine factors, running
// glob patterns through doublestar relative to the context directory (the
// working directory during load). A pattern matching nothing is kept
// verbatim so it can still resolve as a spell name or fail as a missing
// source at invoke time.
func expandFactors(factors []string) []engine.Factor {
	var out []engine.Factor
	for _, f := range factors {
		for _, name := range expandGlob(f) {
			out = append(out, engine.NameFactor(name))
		}
	}
	return out
}

func expandFiles(files []string) []string {
	var out []string
	for _, f := range files {
		out = append(out, expandGlob(f)...)
	}
	return out
}

func expandGlob(pattern string) []string {
	if !strings.ContainsAny(pattern, "*?[{") {
		return []string{pattern}
	}
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil || len(matches) == 0 {
		return []string{pattern}
	}
	return matches
}

// expand substitutes ${NAME} from the defines map into every string field.
// Unknown names are left untouched so descriptions stay inspectable when a
// define is missing.
func expand(desc *Description, defines map[string]string) {
	sub := func(s string) string {
		return os.Expand(s, func(name string) string {
			if v, ok := defines[name]; ok {
				return v
			}
			return "${" + name + "}"
		})
	}
	subAll := func(ss []string) {
		for i := range ss {
			ss[i] = sub(ss[i])
		}
	}

	for i := range desc.Spells {
		decl := &desc.Spells[i]
		subAll(decl.Products)
		subAll(decl.Factors)
		decl.Profile = sub(decl.Profile)
		expandActionNode(&decl.Action, sub)
	}
	for i := range desc.Stages {
		desc.Stages[i].Directory = sub(desc.Stages[i].Directory)
	}
	for i := range desc.Defer {
		subAll(desc.Defer[i].Directories)
		subAll(desc.Defer[i].Targets)
	}
	for i := range desc.Copy {
		desc.Copy[i].Directory = sub(desc.Copy[i].Directory)
		subAll(desc.Copy[i].Files)
		desc.Copy[i].Owner = sub(desc.Copy[i].Owner)
	}
}

func expandActionNode(node *yaml.Node, sub func(string) string) {
	switch node.Kind {
	case yaml.ScalarNode:
		node.Value = sub(node.Value)
	case yaml.SequenceNode:
		for _, child := range node.Content {
			expandActionNode(child, sub)
		}
	}
}
