// Package cli provides interactive terminal prompt helpers for the hub's
// setup commands.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter asks questions on Out and reads answers from In, one per line.
type Prompter struct {
	In  io.Reader
	Out io.Writer

	lines *bufio.Scanner
}

// DefaultPrompter returns a Prompter connected to stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

// Println writes a line to Out.
func (p *Prompter) Println(args ...any) {
	_, _ = fmt.Fprintln(p.Out, args...)
}

func (p *Prompter) next() string {
	if p.lines == nil {
		p.lines = bufio.NewScanner(p.In)
	}
	if !p.lines.Scan() {
		return ""
	}
	return strings.TrimSpace(p.lines.Text())
}

// Ask reads one answer, falling back to def on an empty line.
func (p *Prompter) Ask(question, def string) string {
	if def == "" {
		p.printf("%s: ", question)
	} else {
		p.printf("%s [%s]: ", question, def)
	}
	if ans := p.next(); ans != "" {
		return ans
	}
	return def
}

// AskRequired repeats the question until a non-empty answer arrives or the
// input ends.
func (p *Prompter) AskRequired(question string) string {
	for i := 0; i < 3; i++ {
		if ans := p.Ask(question, ""); ans != "" {
			return ans
		}
		p.printf("  A value is required.\n")
	}
	return ""
}

// AskSecret reads an answer without echo when In is a terminal and as a plain
// line otherwise, so piped input and tests work.
func (p *Prompter) AskSecret(question string) string {
	p.printf("%s: ", question)

	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.Println()
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.next()
}

// AskList reads a comma-separated answer. Blank items are dropped.
func (p *Prompter) AskList(question string, def []string) []string {
	ans := p.Ask(question, strings.Join(def, ","))
	var out []string
	for _, item := range strings.Split(ans, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// AskInt reads a positive integer, re-asking on bad input.
func (p *Prompter) AskInt(question string, def int) int {
	for {
		n, err := strconv.Atoi(p.Ask(question, strconv.Itoa(def)))
		if err == nil && n > 0 {
			return n
		}
		p.printf("  Please enter a positive number.\n")
	}
}

// Choose lists options and returns the picked one. defaultIdx is zero based.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	p.printf("%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == defaultIdx {
			marker = "> "
		}
		p.printf("%s%d) %s\n", marker, i+1, opt)
	}

	for {
		n, err := strconv.Atoi(p.Ask("Choice", strconv.Itoa(defaultIdx+1)))
		if err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		p.printf("  Please enter a number between 1 and %d.\n", len(options))
	}
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	switch strings.ToLower(p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")) {
	case "":
		return defaultYes
	case "y", "yes":
		return true
	}
	return false
}
