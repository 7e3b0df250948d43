// Package journal persists the product → signature map that decides whether
// a spell must run again.
//
// The on-disk format is an append-only, line-oriented log. Each record is
// `<op> <signature> <name>` where op is "+" (assert) or "-" (retract),
// fields are separated by runs of whitespace, and the name absorbs the
// remainder of the line, so product paths containing spaces survive the
// round trip. Folding the log left to right yields the current map; opening
// a journal compacts the log back to one "+" record per live entry.
package journal

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Journal is the in-memory view of one journal file.
//
// Put and Delete append a single record each and keep no buffer, so after
// either returns the on-disk log reconstructs exactly the in-memory state.
type Journal struct {
	path    string
	entries map[string]string
	warnf   func(format string, args ...any)
}

// Open folds the journal file at path into memory and rewrites it compacted.
//
// A file that does not exist yields an empty journal. A file that exists but
// cannot be read degrades to a warning and an empty map. Failing to unlink
// the old file before the compacted rewrite is a warning; failing to create
// the rewritten file is an error.
func Open(path string, warnf func(format string, args ...any)) (*Journal, error) {
	j := &Journal{
		path:    path,
		entries: make(map[string]string),
		warnf:   warnf,
	}

	f, err := os.Open(path)
	switch {
	case err == nil:
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			j.fold(scanner.Text())
		}
		if scanErr := scanner.Err(); scanErr != nil {
			j.warn("reading journal %s: %v", path, scanErr)
			j.entries = make(map[string]string)
		}
		_ = f.Close()
	case os.IsNotExist(err):
		// First run for this stage.
	default:
		j.warn("reading journal %s: %v", path, err)
	}

	if err := j.rewrite(); err != nil {
		return nil, err
	}
	return j, nil
}

// Path returns the journal's file path.
func (j *Journal) Path() string { return j.path }

// Get returns the recorded signature for name.
func (j *Journal) Get(name string) (string, bool) {
	sig, ok := j.entries[name]
	return sig, ok
}

// Has reports whether name has a recorded signature.
func (j *Journal) Has(name string) bool {
	_, ok := j.entries[name]
	return ok
}

// Entries returns a copy of the live name → signature map.
func (j *Journal) Entries() map[string]string {
	out := make(map[string]string, len(j.entries))
	for k, v := range j.entries {
		out[k] = v
	}
	return out
}

// Put records that name was last built with signature and appends the
// assertion to the file.
func (j *Journal) Put(name, signature string) error {
	if name == "" {
		return fmt.Errorf("journal put: empty name")
	}
	if signature == "" || strings.ContainsAny(signature, " \t\r\n") {
		return fmt.Errorf("journal put for %s: invalid signature %q", name, signature)
	}
	if err := j.append("+", signature, name); err != nil {
		return err
	}
	j.entries[name] = signature
	return nil
}

// Delete retracts any assertion for name, appending a "-" record, and
// returns the prior signature if one was recorded.
func (j *Journal) Delete(name string) (string, bool, error) {
	if name == "" {
		return "", false, fmt.Errorf("journal delete: empty name")
	}
	prior, had := j.entries[name]
	if err := j.append("-", "-", name); err != nil {
		return "", false, err
	}
	delete(j.entries, name)
	return prior, had, nil
}

// Clear unlinks the journal file and resets the map.
func (j *Journal) Clear() error {
	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing journal %s: %w", j.path, err)
	}
	j.entries = make(map[string]string)
	return nil
}

// fold applies one log record to the in-memory map.
func (j *Journal) fold(line string) {
	op, sig, name, ok := parseRecord(line)
	if !ok {
		return
	}
	switch op {
	case "+":
		j.entries[name] = sig
	case "-":
		delete(j.entries, name)
	}
	// Unknown ops are ignored so newer writers stay readable.
}

// parseRecord splits `<op> <sig> <name>` on runs of whitespace. The name is
// everything after the second separator and may itself contain spaces.
func parseRecord(line string) (op, sig, name string, ok bool) {
	rest := strings.TrimLeft(strings.TrimRight(line, "\r\n"), " \t")
	i := strings.IndexAny(rest, " \t")
	if i < 0 {
		return "", "", "", false
	}
	op = rest[:i]
	rest = strings.TrimLeft(rest[i:], " \t")
	i = strings.IndexAny(rest, " \t")
	if i < 0 {
		return "", "", "", false
	}
	sig = rest[:i]
	name = strings.TrimLeft(rest[i:], " \t")
	if name == "" {
		return "", "", "", false
	}
	return op, sig, name, true
}

// append writes one record and closes the file again. No handle survives
// the call.
func (j *Journal) append(op, sig, name string) error {
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return fmt.Errorf("appending to journal %s: %w", j.path, err)
	}
	_, werr := fmt.Fprintf(f, "%s %s %s\n", op, sig, name)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("appending to journal %s: %w", j.path, werr)
	}
	if cerr != nil {
		return fmt.Errorf("appending to journal %s: %w", j.path, cerr)
	}
	return nil
}

// rewrite replaces the file with a compacted log: one "+" record per live
// entry, sorted by name so the output is deterministic.
func (j *Journal) rewrite() error {
	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		j.warn("unlinking journal %s before rewrite: %v", j.path, err)
	}

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return fmt.Errorf("rewriting journal %s: %w", j.path, err)
	}

	names := make([]string, 0, len(j.entries))
	for name := range j.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	w := bufio.NewWriter(f)
	for _, name := range names {
		fmt.Fprintf(w, "+ %s %s\n", j.entries[name], name)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("rewriting journal %s: %w", j.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("rewriting journal %s: %w", j.path, err)
	}
	return nil
}

func (j *Journal) warn(format string, args ...any) {
	if j.warnf != nil {
		j.warnf(format, args...)
	}
}
