package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ergochat/readline"
	"golang.org/x/term"
)

const (
	historyFileName = ".meshctrl_history"
	historySize     = 500
)

// lineEditor reads REPL input with readline on a terminal and line by
// line otherwise.
type lineEditor struct {
	rl      *readline.Instance
	scanner *bufio.Scanner
	out     io.Writer
}

func newLineEditor(in io.Reader, out io.Writer) *lineEditor {
	le := &lineEditor{out: out}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		home, _ := os.UserHomeDir()
		rl, err := readline.NewFromConfig(&readline.Config{
			HistoryFile:            filepath.Join(home, historyFileName),
			HistoryLimit:           historySize,
			DisableAutoSaveHistory: true,
		})
		if err == nil {
			le.rl = rl
			return le
		}
	}
	le.scanner = bufio.NewScanner(in)
	return le
}

// line returns the next input line or io.EOF.
func (le *lineEditor) line(prompt string) (string, error) {
	if le.rl != nil {
		le.rl.SetPrompt(prompt)
		line, err := le.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			le.rl.SaveToHistory(trimmed)
		}
		return line, nil
	}

	fmt.Fprint(le.out, prompt)
	if !le.scanner.Scan() {
		if err := le.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return le.scanner.Text(), nil
}

func (le *lineEditor) Close() error {
	if le.rl != nil {
		return le.rl.Close()
	}
	return nil
}

// repl runs commands until EOF or "exit".
func repl(ctx context.Context, r *runner, in io.Reader) error {
	le := newLineEditor(in, r.out)
	defer le.Close()

	fmt.Fprintln(r.out, "Type 'help' for commands, 'node <id>' to select a device, 'exit' to quit.")
	for {
		prompt := "meshctrl> "
		if r.node != "" {
			prompt = fmt.Sprintf("meshctrl [%s]> ", r.node)
		}
		line, err := le.line(prompt)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		switch args[0] {
		case "exit", "quit":
			return nil
		case "node":
			if len(args) != 2 {
				fmt.Fprintln(r.out, "usage: node <id>")
				continue
			}
			r.node = args[1]
			continue
		}

		if err := r.run(ctx, args); err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
			if errors.Is(err, errUsage) {
				fmt.Fprint(r.out, commandHelp)
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
