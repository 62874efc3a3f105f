// Package script renders platform-agnostic command descriptors into
// executable shell scripts. Descriptors carry a program, an ordered argument
// list, and an optional environment prefix (used for device selection); the
// renderer owns everything shell-specific: headers, line continuation,
// comments, and fail-fast conventions.
package script

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvVar is a single environment assignment prepended to a command, e.g. the
// CUDA device selector.
type EnvVar struct {
	Name  string
	Value string
}

// Command describes one invocation. Args are pre-formed tokens; optional
// flags that are at their defaults must simply not be present.
type Command struct {
	Env     []EnvVar
	Program string
	Args    []string
}

// Quote wraps a value in double quotes for embedding in script text. Paths
// and free-form values are always quoted; bare numeric flags are not.
func Quote(s string) string {
	return `"` + s + `"`
}

// Line renders the command as a single script line.
func (c Command) Line(r Renderer) string {
	parts := make([]string, 0, len(c.Args)+2)
	if prefix := r.EnvPrefix(c.Env); prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, c.Program)
	parts = append(parts, c.Args...)
	return strings.Join(parts, " ")
}

// Multiline renders the command with one argument per line joined by the
// renderer's continuation character, the style used for the long classifier
// pipeline invocations.
func (c Command) Multiline(r Renderer) string {
	cont := " " + r.Continuation() + "\n"

	var b strings.Builder
	if prefix := r.EnvPrefix(c.Env); prefix != "" {
		b.WriteString(prefix)
		b.WriteString(" ")
	}
	b.WriteString(c.Program)
	for _, arg := range c.Args {
		b.WriteString(cont)
		b.WriteString("  ")
		b.WriteString(arg)
	}
	return b.String()
}

// Renderer knows one target shell's conventions.
type Renderer interface {
	// Extension is the script file extension, including the dot.
	Extension() string
	// Header is the fail-fast preamble written at the top of every script.
	// May be empty.
	Header() string
	// Comment renders one comment line (no trailing newline).
	Comment(text string) string
	// Continuation is the line-continuation character.
	Continuation() string
	// CommandSuffix is emitted after each command in multi-command scripts
	// for shells without a set -e equivalent. May be empty.
	CommandSuffix() string
	// EnvPrefix renders environment assignments that precede a command.
	EnvPrefix(vars []EnvVar) string
	// Call renders an invocation of another script from within a script.
	Call(path string) string
}

// Posix renders bash scripts with a set -e header.
type Posix struct{}

func (Posix) Extension() string          { return ".sh" }
func (Posix) Header() string             { return "#!/bin/bash\n\nset -e\n" }
func (Posix) Comment(text string) string { return "# " + text }
func (Posix) Continuation() string       { return `\` }
func (Posix) CommandSuffix() string      { return "" }
func (Posix) Call(path string) string    { return path }

func (Posix) EnvPrefix(vars []EnvVar) string {
	parts := make([]string, len(vars))
	for i, v := range vars {
		parts[i] = v.Name + "=" + v.Value
	}
	return strings.Join(parts, " ")
}

// Batch renders Windows batch files. There is no set -e; callers emit
// CommandSuffix after each command instead.
type Batch struct{}

func (Batch) Extension() string          { return ".bat" }
func (Batch) Header() string             { return "" }
func (Batch) Comment(text string) string { return "REM " + text }
func (Batch) Continuation() string       { return "^" }
func (Batch) CommandSuffix() string {
	return "if %errorlevel% neq 0 exit /b %errorlevel%\n"
}

// Call uses "call": invoking a series of batch files without it only runs
// the first one.
func (Batch) Call(path string) string { return "call " + path }

func (Batch) EnvPrefix(vars []EnvVar) string {
	parts := make([]string, len(vars))
	for i, v := range vars {
		parts[i] = "set " + v.Name + "=" + v.Value + " &"
	}
	return strings.Join(parts, " ")
}

// ForOS returns the renderer for a GOOS value.
func ForOS(goos string) Renderer {
	if goos == "windows" {
		return Batch{}
	}
	return Posix{}
}

// Write persists script content with the renderer's header prepended and
// marks the file executable.
func Write(path string, r Renderer, body string) error {
	var b strings.Builder
	if header := r.Header(); header != "" {
		b.WriteString(header)
		b.WriteString("\n")
	}
	b.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\n")
	}

	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create script directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0755); err != nil {
		return fmt.Errorf("failed to write script %s: %w", path, err)
	}
	return nil
}
