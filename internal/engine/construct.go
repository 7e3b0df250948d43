package engine

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
)

// DeferralOptions configures NewDeferral. Targets names the spells to fetch
// from each directory's context; an empty list selects the default spells.
// IfPresent downgrades a missing directory from fatal to a warning.
type DeferralOptions struct {
	Name        string
	Directories []string
	Targets     []string
	IfPresent   bool
}

// NewDeferral builds a spell whose factors are spells fetched from other
// directories' contexts. Directories without a registered context are
// constructed, which loads their descriptions.
func (e *Engine) NewDeferral(opts DeferralOptions) (*Spell, error) {
	if e.current == nil {
		return nil, fmt.Errorf("deferral requires a current context")
	}
	if len(opts.Directories) == 0 {
		return nil, e.Errorf("deferral requires at least one directory")
	}

	var factors []Factor
	for _, dir := range opts.Directories {
		abs := absAgainst(e.current.Dir, dir)
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			if opts.IfPresent {
				e.Warnf("skipping missing directory %s", dir)
				continue
			}
			return nil, e.Errorf("deferral directory %s is not present", dir)
		}

		sub, err := e.FetchContext(abs)
		if err != nil {
			return nil, err
		}

		names := opts.Targets
		if len(names) == 0 {
			names = []string{""}
		}
		for _, name := range names {
			spells := e.FetchSpells(sub, name)
			if len(spells) == 0 {
				if name == "" {
					e.Warnf("no default spells in %s", abs)
				} else {
					e.Warnf("no spells named %s in %s", name, abs)
				}
				continue
			}
			for _, sp := range spells {
				factors = append(factors, SpellFactor(sp))
			}
		}
	}

	return e.NewSpell(SpellOptions{Name: opts.Name, Factors: factors})
}

// FileCopyOptions configures NewFileCopy. Permission zero leaves the source
// mode in place; Owner is "user" or "user:group", resolved to numeric ids
// when the action runs.
type FileCopyOptions struct {
	Name       string
	Directory  string
	Files      []string
	Permission os.FileMode
	Owner      string
}

// NewFileCopy builds a spell that copies each source file into Directory.
// Products are Directory/basename(src); the sources are factors, so their
// mtimes enter the profile. The action copies, then chmods, then chowns;
// any post-copy failure unlinks every file produced so far and returns the
// failing code.
func (e *Engine) NewFileCopy(opts FileCopyOptions) (*Spell, error) {
	if e.current == nil {
		return nil, fmt.Errorf("filecopy requires a current context")
	}
	if opts.Directory == "" {
		return nil, e.Errorf("filecopy requires a destination directory")
	}
	if len(opts.Files) == 0 {
		return nil, e.Errorf("filecopy requires at least one source file")
	}

	dest := absAgainst(e.current.Dir, opts.Directory)
	sources := append([]string(nil), opts.Files...)

	products := make([]string, len(sources))
	factors := make([]Factor, len(sources))
	for i, src := range sources {
		products[i] = filepath.Join(dest, filepath.Base(src))
		factors[i] = NameFactor(src)
	}

	profile := "filecopy " + dest
	if opts.Permission != 0 {
		profile += fmt.Sprintf(" permission=%04o", opts.Permission)
	}
	if opts.Owner != "" {
		profile += " owner=" + opts.Owner
	}

	perm := opts.Permission
	owner := opts.Owner
	action := func() int {
		var produced []string
		undo := func(code int) int {
			for _, p := range produced {
				_ = os.Remove(p)
			}
			return code
		}

		for i, src := range sources {
			fmt.Printf("copy %s %s\n", src, products[i])
			if err := copyFile(src, products[i]); err != nil {
				e.Warnf("copying %s: %v", src, err)
				return undo(1)
			}
			produced = append(produced, products[i])
		}

		if perm != 0 {
			for _, p := range produced {
				if err := os.Chmod(p, perm); err != nil {
					e.Warnf("chmod %s: %v", p, err)
					return undo(1)
				}
			}
		}

		if owner != "" {
			uid, gid, err := lookupOwner(owner)
			if err != nil {
				e.Warnf("resolving owner %s: %v", owner, err)
				return undo(1)
			}
			for _, p := range produced {
				if err := os.Chown(p, uid, gid); err != nil {
					e.Warnf("chown %s: %v", p, err)
					return undo(1)
				}
			}
		}
		return 0
	}

	return e.NewSpell(SpellOptions{
		Name:     opts.Name,
		Factors:  factors,
		Products: products,
		Profile:  Profile{Static: profile},
		Action:   Action{Closure: action},
	})
}

// copyFile copies src to dst through a temp file in the destination
// directory, renamed into place so a crashed copy never leaves a partial
// product behind.
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

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".conjury-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, info.Mode().Perm()); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return err
	}
	success = true
	return nil
}

// lookupOwner resolves "user" or "user:group" to numeric ids. A missing
// group leaves the file's group unchanged.
func lookupOwner(owner string) (uid, gid int, err error) {
	name, group, hasGroup := strings.Cut(owner, ":")

	u, err := user.Lookup(name)
	if err != nil {
		return 0, 0, err
	}
	uid, err = strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, fmt.Errorf("non-numeric uid %q for %s", u.Uid, name)
	}

	gid = -1
	if hasGroup {
		g, err := user.LookupGroup(group)
		if err != nil {
			return 0, 0, err
		}
		gid, err = strconv.Atoi(g.Gid)
		if err != nil {
			return 0, 0, fmt.Errorf("non-numeric gid %q for %s", g.Gid, group)
		}
	}
	return uid, gid, nil
}
