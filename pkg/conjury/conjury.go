// Package conjury provides the public Go API for the conjury build engine.
//
// conjury interprets description files scattered across a source tree,
// assembles a dependency graph of spells, derives a signature for each
// spell from its inputs and the signatures of its dependencies, and runs
// only the spells whose signature disagrees with the persisted journal.
//
// # Basic Usage
//
//	client, err := conjury.New(conjury.Options{
//	    TopDir: "/path/to/project",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := client.Build("all")
package conjury

import (
	"fmt"
	"path/filepath"

	"github.com/conjury/conjury/internal/driver"
)

// Result and TargetResult re-export the driver's run summary types.
type (
	Result       = driver.Result
	TargetResult = driver.TargetResult
)

// Options configures a conjury Client.
type Options struct {
	// TopDir is the directory holding the root description file.
	TopDir string

	// Dir is the directory whose context resolves target names.
	// Defaults to TopDir.
	Dir string

	// Force treats every spell as out-of-date.
	Force bool

	// Preview computes decisions but performs no side effects.
	Preview bool

	// Undo replaces product-creating actions with unlink actions.
	Undo bool

	// Defines populates the variable map expanded into descriptions.
	Defines map[string]string
}

// Client is the entry point for embedding conjury.
type Client struct {
	topDir string
	dir    string
	opts   Options
}

// New validates the options and returns a Client.
func New(opts Options) (*Client, error) {
	if opts.TopDir == "" {
		return nil, fmt.Errorf("TopDir is required")
	}
	top, err := filepath.Abs(opts.TopDir)
	if err != nil {
		return nil, fmt.Errorf("resolving top directory: %w", err)
	}
	dir := opts.Dir
	if dir == "" {
		dir = top
	}

	return &Client{topDir: top, dir: dir, opts: opts}, nil
}

// Build invokes the named targets (or the defaults when none are given)
// and returns the run summary.
func (c *Client) Build(targets ...string) (*Result, error) {
	return driver.Execute(c.topDir, c.dir, targets, driver.Options{
		Force:   c.opts.Force,
		Preview: c.opts.Preview,
		Undo:    c.opts.Undo,
		Defines: c.opts.Defines,
	})
}
