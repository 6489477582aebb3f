package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cryguy/jsbridge"
	"github.com/cryguy/jsbridge/payload"
)

type evalOptions struct {
	*rootOptions
	Wait time.Duration
}

func newEvalCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &evalOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "eval <js>",
		Short: "Evaluate an expression and print its value",
		Long: `Evaluate JavaScript source and print the completion value as JSON.
Strings are printed as is. A promise is awaited.

Example:
  jsbridge eval '1 + 1'
  jsbridge eval 'new Promise(r => setTimeout(() => r("done"), 10))'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(cmd, opts, args[0])
		},
	}
	cmd.Flags().DurationVar(&opts.Wait, "wait", 0, "keep the bridge running this long after evaluating")
	return cmd
}

func runEval(cmd *cobra.Command, opts *evalOptions, src string) error {
	s, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	v, err := jsbridge.Evaluate[payload.Value](s.ctx, s.bridge, src)
	if err != nil {
		return &exitError{code: exitScriptError, err: err}
	}
	fmt.Fprintln(cmd.OutOrStdout(), plainValue(v))
	linger(s, opts.Wait)
	return nil
}

// plainValue renders v for non-interactive output.
func plainValue(v payload.Value) string {
	if str, ok := payload.AsString(v); ok {
		return str
	}
	return payload.Encode(v, true)
}

// linger keeps s alive for d so that timers and requests can finish.
func linger(s *session, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-s.ctx.Done():
	}
}
