package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cryguy/jsbridge"
)

// Exit codes.
const (
	exitScriptError = 2
	exitSetupError  = 3
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// rootOptions holds the flags shared by every subcommand.
type rootOptions struct {
	ConfigPath string
	Standard   bool
	Namespace  string
	Verbose    bool

	moduleRoot string // directory modules load from, "." by default
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "jsbridge",
		Short: "Run JavaScript through a jsbridge Bridge",
		Long: `jsbridge evaluates JavaScript on an embedded QuickJS engine, with the
bridge extensions (console, timers, promises, XMLHttpRequest, localStorage)
selected by flags or a YAML configuration file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML configuration file")
	cmd.PersistentFlags().BoolVar(&opts.Standard, "standard", true, "enable the standard extensions")
	cmd.PersistentFlags().StringVar(&opts.Namespace, "namespace", "jsbridge-cli", "localStorage namespace")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log bridge internals")

	cmd.AddCommand(newEvalCommand(opts))
	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newReplCommand(opts))
	return cmd
}

// config builds the bridge configuration from the flags.
func (o *rootOptions) config(cmd *cobra.Command) (jsbridge.Config, error) {
	var cfg jsbridge.Config
	if o.ConfigPath != "" {
		c, err := jsbridge.LoadConfig(o.ConfigPath)
		if err != nil {
			return jsbridge.Config{}, err
		}
		cfg = c
		if cmd.Flags().Changed("namespace") {
			cfg.LocalStorage.Namespace = o.Namespace
		}
	} else if o.Standard {
		cfg = jsbridge.StandardConfig(o.Namespace)
	} else {
		cfg = jsbridge.BareConfig()
	}
	cfg.Console.Append = consoleWriter(cmd.OutOrStdout(), cmd.ErrOrStderr())
	root := o.moduleRoot
	if root == "" {
		root = "."
	}
	cfg.Modules.Loader = fileLoader(root)
	return cfg, nil
}

func (o *rootOptions) logger() (*zap.Logger, error) {
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if o.Verbose {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	zc.DisableStacktrace = !o.Verbose
	return zc.Build()
}

// session is an open bridge plus the resources of one command run.
type session struct {
	bridge *jsbridge.Bridge
	log    *zap.Logger
	ctx    context.Context
	stop   context.CancelFunc
}

func (o *rootOptions) open(cmd *cobra.Command) (*session, error) {
	cfg, err := o.config(cmd)
	if err != nil {
		return nil, &exitError{code: exitSetupError, err: err}
	}
	log, err := o.logger()
	if err != nil {
		return nil, &exitError{code: exitSetupError, err: fmt.Errorf("creating logger: %w", err)}
	}
	cfg.Logger = log

	b := jsbridge.New(cfg)
	errOut := cmd.ErrOrStderr()
	b.AddErrorListener(jsbridge.ErrorListenerFunc(func(err jsbridge.Error) {
		fmt.Fprintln(errOut, warnStyle.Render("bridge:")+" "+describeError(err))
	}))
	b.Start()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	return &session{bridge: b, log: log, ctx: ctx, stop: stop}, nil
}

func (s *session) close() {
	s.bridge.Release()
	<-s.bridge.Done()
	s.stop()
	_ = s.log.Sync()
}

// consoleWriter prints console output, warnings and errors to errOut.
func consoleWriter(out, errOut io.Writer) func(level, msg string) {
	return func(level, msg string) {
		switch level {
		case "warn":
			fmt.Fprintln(errOut, warnStyle.Render(msg))
		case "error":
			fmt.Fprintln(errOut, errorMsgStyle.Render(msg))
		case "debug", "trace":
			fmt.Fprintln(out, dimStyle.Render(msg))
		default:
			fmt.Fprintln(out, msg)
		}
	}
}

// describeError renders err, with the script stack when there is one.
func describeError(err error) string {
	if se, ok := jsbridge.AsScriptException(err); ok {
		s := err.Error()
		for _, f := range se.ScriptStack {
			s += "\n    at " + f.String()
		}
		return s
	}
	return err.Error()
}
