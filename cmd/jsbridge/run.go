package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type runOptions struct {
	*rootOptions
	Module bool
	UseMax bool
	Wait   time.Duration
}

func newRunCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run a script file or an ES module graph",
		Long: `Run a script as global code, or bundle and run it as an ES module.
Files ending in .mjs are treated as modules; imports are resolved relative
to the file.

Example:
  jsbridge run ./app.js --wait 2s
  jsbridge run ./main.mjs`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFile(cmd, opts, args[0])
		},
	}
	cmd.Flags().BoolVar(&opts.Module, "module", false, "treat the file as an ES module")
	cmd.Flags().BoolVar(&opts.UseMax, "max", false, "prefer the unminified <name>.max.js sibling")
	cmd.Flags().DurationVar(&opts.Wait, "wait", 0, "keep the bridge running this long after the script")
	return cmd
}

func runFile(cmd *cobra.Command, opts *runOptions, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return &exitError{code: exitSetupError, err: err}
	}
	dir, name := filepath.Split(abs)
	module := opts.Module || strings.HasSuffix(name, ".mjs")
	if module {
		opts.moduleRoot = dir
	}

	s, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	if module {
		err = s.bridge.EvaluateModule(s.ctx, name)
	} else {
		err = s.bridge.EvaluateLocalFile(s.ctx, os.DirFS(dir), name, opts.UseMax)
	}
	if err != nil {
		return &exitError{code: exitScriptError, err: err}
	}
	linger(s, opts.Wait)
	return nil
}

// fileLoader loads modules from root. Names may not leave it.
func fileLoader(root string) func(string) (string, error) {
	fsys := os.DirFS(root)
	return func(name string) (string, error) {
		clean := filepath.ToSlash(filepath.Clean(strings.TrimPrefix(name, "/")))
		if ext := filepath.Ext(clean); ext == "" {
			clean += ".js"
		}
		data, err := fs.ReadFile(fsys, clean)
		if err != nil {
			return "", fmt.Errorf("module %s: %w", name, err)
		}
		return string(data), nil
	}
}
