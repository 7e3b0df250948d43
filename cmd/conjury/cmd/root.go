package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/voodooEntity/archivist"

	"github.com/conjury/conjury/internal/driver"
	"github.com/conjury/conjury/internal/watch"
)

// Build-time variables set via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags.
var (
	topDir    string
	verbose   bool
	force     bool
	preview   bool
	undo      bool
	watchMode bool
	defines   []string
)

var log *archivist.Archivist

var rootCmd = &cobra.Command{
	Use:   "conjury [targets...]",
	Short: "Content-addressed hierarchical build engine",
	Long: `conjury interprets description files scattered across a source tree,
assembles a dependency graph of build tasks ("spells"), derives a signature
for each task from its inputs and the signatures of its dependencies, and
runs only the tasks whose signature disagrees with the persisted journal.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		level := archivist.LEVEL_INFO
		if verbose {
			level = archivist.LEVEL_DEBUG
		}
		log = archivist.New(&archivist.Config{LogLevel: level})

		defs, err := parseDefines(defines)
		if err != nil {
			return err
		}

		currentDir, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("reading working directory: %w", err)
		}

		opts := driver.Options{
			Force:   force,
			Preview: preview,
			Undo:    undo,
			Verbose: verbose,
			Defines: defs,
		}

		result, err := driver.Execute(topDir, currentDir, args, opts)
		if err != nil {
			if !watchMode {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			fmt.Fprintln(os.Stderr, err)
		} else {
			report(result)
		}

		if !watchMode {
			return nil
		}

		var dirs []string
		if result != nil {
			dirs = result.ContextDirs
		} else {
			dirs = []string{topDir}
		}
		return watch.Run(dirs, func() ([]string, error) {
			r, rerr := driver.Execute(topDir, currentDir, args, opts)
			if rerr != nil {
				return nil, rerr
			}
			report(r)
			return r.ContextDirs, nil
		}, warnf)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("conjury %s\n", version)
		fmt.Printf("  commit:  %s\n", commit)
		fmt.Printf("  built:   %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&topDir, "directory", ".", "top directory holding the root description file")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "emit progress and diagnostic lines")
	rootCmd.PersistentFlags().BoolVar(&force, "force", false, "treat every spell as out-of-date")
	rootCmd.PersistentFlags().BoolVar(&preview, "preview", false, "compute decisions but perform no side effects")
	rootCmd.PersistentFlags().BoolVar(&undo, "undo", false, "replace product-creating actions with unlink actions")
	rootCmd.PersistentFlags().BoolVar(&watchMode, "watch", false, "stay alive and rebuild when a watched directory changes")
	rootCmd.PersistentFlags().StringArrayVar(&defines, "define", nil, "NAME=VALUE variable expanded into descriptions (repeatable)")

	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return err
	}
	return nil
}

// parseDefines splits repeated NAME=VALUE flags into the variable map.
func parseDefines(pairs []string) (map[string]string, error) {
	defs := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --define %q, expected NAME=VALUE", pair)
		}
		defs[name] = value
	}
	return defs, nil
}

func report(result *driver.Result) {
	if preview {
		fmt.Printf("preview: %d action(s) would run\n", result.ActionsRun)
		return
	}
	if result.ActionsRun == 0 {
		fmt.Println("up to date")
		return
	}
	fmt.Printf("%d action(s) run\n", result.ActionsRun)
}

func warnf(format string, args ...any) {
	log.Warning(fmt.Sprintf(format, args...))
}
