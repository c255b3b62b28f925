// Package command abstracts process execution so every host mutation goes
// through one auditable interface that tests can replace.
package command

import (
	"bytes"
	"os"
	"os/exec"
	"strings"
)

// Runner executes external tools.
type Runner interface {
	// Run executes the command and discards its output. A failure carries
	// the combined output in the returned *Error.
	Run(name string, args ...string) error
	// Output returns combined stdout and stderr.
	Output(name string, args ...string) ([]byte, error)
	// Stdout feeds stdin (may be nil) to the command and returns stdout
	// only, keeping stderr for the error message.
	Stdout(stdin []byte, name string, args ...string) ([]byte, error)
}

// Error describes a failed command together with its diagnostic output.
type Error struct {
	Cmd    string
	Output string
	Err    error
}

func (e *Error) Error() string {
	if e.Output == "" {
		return e.Cmd + ": " + e.Err.Error()
	}
	return e.Cmd + ": " + e.Err.Error() + ": " + e.Output
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ExecRunner runs commands on the local host.
type ExecRunner struct {
	// Env is appended to the inherited environment.
	Env []string
}

func (r ExecRunner) command(name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	return cmd
}

func (r ExecRunner) Run(name string, args ...string) error {
	_, err := r.Output(name, args...)
	return err
}

func (r ExecRunner) Output(name string, args ...string) ([]byte, error) {
	out, err := r.command(name, args...).CombinedOutput()
	if err != nil {
		return out, wrap(name, args, out, err)
	}
	return out, nil
}

func (r ExecRunner) Stdout(stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := r.command(name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), wrap(name, args, stderr.Bytes(), err)
	}
	return stdout.Bytes(), nil
}

// Line joins a command and its arguments with single spaces. Mocks key
// their canned responses by this string.
func Line(name string, args ...string) string {
	return strings.Join(append([]string{name}, args...), " ")
}

func wrap(name string, args []string, out []byte, err error) error {
	return &Error{
		Cmd:    Line(name, args...),
		Output: strings.TrimSpace(string(out)),
		Err:    err,
	}
}
