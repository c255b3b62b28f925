package command

import (
	"errors"
	"sync"
)

// Call records one invocation seen by MockRunner.
type Call struct {
	Name  string
	Args  []string
	Stdin []byte
}

// Line returns the call as a single space-joined string.
func (c Call) Line() string {
	return Line(c.Name, c.Args...)
}

// MockRunner is a deterministic Runner used by unit tests.
//
// Responses are looked up by the joined command line first (Errors,
// Outputs), then Func is consulted. Unconfigured commands succeed with
// empty output.
type MockRunner struct {
	mu sync.Mutex

	Calls []Call

	Errors  map[string]error
	Outputs map[string][]byte
	Func    func(call Call) ([]byte, error)
}

func (m *MockRunner) Run(name string, args ...string) error {
	_, err := m.invoke(nil, name, args)
	return err
}

func (m *MockRunner) Output(name string, args ...string) ([]byte, error) {
	return m.invoke(nil, name, args)
}

func (m *MockRunner) Stdout(stdin []byte, name string, args ...string) ([]byte, error) {
	return m.invoke(stdin, name, args)
}

// Lines returns every recorded call as a joined command line, in order.
func (m *MockRunner) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	lines := make([]string, 0, len(m.Calls))
	for _, call := range m.Calls {
		lines = append(lines, call.Line())
	}
	return lines
}

// Count returns how many recorded calls used the named binary.
func (m *MockRunner) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, call := range m.Calls {
		if call.Name == name {
			n++
		}
	}
	return n
}

func (m *MockRunner) invoke(stdin []byte, name string, args []string) ([]byte, error) {
	call := Call{Name: name, Args: append([]string(nil), args...)}
	if stdin != nil {
		call.Stdin = append([]byte(nil), stdin...)
	}

	m.mu.Lock()
	m.Calls = append(m.Calls, call)
	key := call.Line()
	out, hasOut := m.Outputs[key]
	err, hasErr := m.Errors[key]
	fn := m.Func
	m.mu.Unlock()

	if hasErr {
		if err == nil {
			err = errors.New("mock failure")
		}
		return out, &Error{Cmd: key, Output: string(out), Err: err}
	}
	if hasOut {
		return out, nil
	}
	if fn != nil {
		return fn(call)
	}
	return nil, nil
}
