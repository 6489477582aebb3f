package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/lipgloss"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/cryguy/jsbridge"
	"github.com/cryguy/jsbridge/payload"
)

var (
	primaryColor = lipgloss.Color("#7C3AED")
	errorColor   = lipgloss.Color("#EF4444")
	warningColor = lipgloss.Color("#F59E0B")
	dimColor     = lipgloss.Color("#6B7280")

	promptStyle       = lipgloss.NewStyle().Foreground(primaryColor).Bold(true)
	continuationStyle = lipgloss.NewStyle().Foreground(dimColor)
	errorStyle        = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	errorMsgStyle     = lipgloss.NewStyle().Foreground(errorColor)
	warnStyle         = lipgloss.NewStyle().Foreground(warningColor)
	dimStyle          = lipgloss.NewStyle().Foreground(dimColor)
	cmdStyle          = lipgloss.NewStyle().Foreground(warningColor)
)

// highlighter colors JSON results for the terminal.
type highlighter struct {
	lexer     chroma.Lexer
	style     *chroma.Style
	formatter chroma.Formatter
}

func newHighlighter() *highlighter {
	lexer := lexers.Get("json")
	if lexer == nil {
		lexer = lexers.Fallback
	}
	style := styles.Get("dracula")
	if style == nil {
		style = styles.Fallback
	}
	formatter := formatters.Get("terminal256")
	if formatter == nil {
		formatter = formatters.Fallback
	}
	return &highlighter{lexer: chroma.Coalesce(lexer), style: style, formatter: formatter}
}

func (h *highlighter) render(code string) string {
	it, err := h.lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}
	var buf bytes.Buffer
	if err := h.formatter.Format(&buf, h.style, it); err != nil {
		return code
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

type replOptions struct {
	*rootOptions
	History string
}

func newReplCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &replOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Start an interactive session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepl(cmd, opts)
		},
	}
	history := ""
	if home, err := os.UserHomeDir(); err == nil {
		history = filepath.Join(home, ".jsbridge_history")
	}
	cmd.Flags().StringVar(&opts.History, "history", history, "history file, empty to disable")
	return cmd
}

type replState struct {
	s         *session
	out       io.Writer
	hl        *highlighter
	multiline strings.Builder
	timing    bool
}

func runRepl(cmd *cobra.Command, opts *replOptions) error {
	s, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            promptStyle.Render("jsbridge") + dimStyle.Render(" > "),
		HistoryFile:       opts.History,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdout:            cmd.OutOrStdout(),
	})
	if err != nil {
		return &exitError{code: exitSetupError, err: fmt.Errorf("initializing readline: %w", err)}
	}
	defer rl.Close()

	st := &replState{s: s, out: cmd.OutOrStdout(), hl: newHighlighter()}
	fmt.Fprintln(st.out, dimStyle.Render("jsbridge REPL, bridge "+s.bridge.ID()+". Type .help for commands."))

	for {
		if st.multiline.Len() > 0 {
			rl.SetPrompt(continuationStyle.Render("... "))
		} else {
			rl.SetPrompt(promptStyle.Render("jsbridge") + dimStyle.Render(" > "))
		}
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			st.multiline.Reset()
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}

		if st.multiline.Len() == 0 && strings.HasPrefix(line, ".") {
			if quit := st.command(line); quit {
				return nil
			}
			continue
		}
		if strings.HasSuffix(line, "\\") {
			st.multiline.WriteString(strings.TrimSuffix(line, "\\"))
			st.multiline.WriteString("\n")
			continue
		}
		st.multiline.WriteString(line)
		src := st.multiline.String()
		st.multiline.Reset()
		if strings.TrimSpace(src) != "" {
			st.eval(src)
		}
	}
}

// command runs a dot command and reports whether the session ends.
func (st *replState) command(line string) bool {
	parts := strings.Fields(line)
	switch parts[0] {
	case ".exit", ".quit", ".q":
		return true
	case ".help":
		for _, c := range [][2]string{
			{".help", "show this help"},
			{".exit", "leave the REPL"},
			{".load <file>", "evaluate a file as global code"},
			{".timing", "toggle evaluation timing"},
			{"line\\", "continue input on the next line"},
		} {
			fmt.Fprintf(st.out, "  %s  %s\n", cmdStyle.Render(fmt.Sprintf("%-14s", c[0])), dimStyle.Render(c[1]))
		}
	case ".timing":
		st.timing = !st.timing
		fmt.Fprintln(st.out, dimStyle.Render(fmt.Sprintf("timing %v", st.timing)))
	case ".load":
		if len(parts) < 2 {
			fmt.Fprintln(st.out, errorStyle.Render("usage: .load <file>"))
			break
		}
		f, err := os.Open(parts[1])
		if err != nil {
			st.fail(err)
			break
		}
		err = st.s.bridge.EvaluateFile(st.s.ctx, f, parts[1])
		_ = f.Close()
		if err != nil {
			st.fail(err)
		}
	default:
		fmt.Fprintln(st.out, errorStyle.Render("unknown command "+parts[0]))
	}
	return false
}

func (st *replState) eval(src string) {
	start := time.Now()
	v, err := jsbridge.Evaluate[payload.Value](st.s.ctx, st.s.bridge, src)
	elapsed := time.Since(start)
	if err != nil {
		st.fail(err)
		return
	}
	fmt.Fprintln(st.out, st.hl.render(payload.Encode(v, true)))
	if st.timing {
		fmt.Fprintln(st.out, dimStyle.Render(elapsed.String()))
	}
}

func (st *replState) fail(err error) {
	fmt.Fprintln(st.out, errorStyle.Render("Uncaught")+" "+errorMsgStyle.Render(describeError(err)))
}
