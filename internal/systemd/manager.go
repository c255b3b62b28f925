// Package systemd drives systemctl for the tunnel daemon unit.
package systemd

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"ikev2-provision/internal/command"
)

var unitNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.@-]+\.service$`)

// ServiceManager defines systemd operations needed by other packages.
type ServiceManager interface {
	Enable(unitName string) error
	Restart(unitName string) error
	Status(unitName string) (string, error)
	IsActive(unitName string) bool
}

// Manager runs systemctl through a command.Runner.
type Manager struct {
	binary string
	runner command.Runner
}

// NewManager creates a manager that executes systemctl on the local host.
func NewManager() *Manager {
	return NewManagerWithDeps("systemctl", command.ExecRunner{})
}

// NewManagerWithDeps creates a manager with a custom binary and command runner.
func NewManagerWithDeps(binary string, runner command.Runner) *Manager {
	if strings.TrimSpace(binary) == "" {
		binary = "systemctl"
	}
	if runner == nil {
		runner = command.ExecRunner{}
	}
	return &Manager{binary: binary, runner: runner}
}

// Enable runs `systemctl enable <unit>`.
func (m *Manager) Enable(unitName string) error {
	return m.runSystemctl("enable", unitName)
}

// Restart runs `systemctl restart <unit>`.
func (m *Manager) Restart(unitName string) error {
	return m.runSystemctl("restart", unitName)
}

// Status runs `systemctl is-active <unit>` and returns the resulting state string.
func (m *Manager) Status(unitName string) (string, error) {
	resolved, err := normalizeUnitName(unitName)
	if err != nil {
		return "", err
	}
	out, runErr := m.runner.Output(m.binary, "is-active", resolved)
	status := strings.TrimSpace(string(out))
	if runErr != nil {
		return status, fmt.Errorf("systemctl is-active %s: %w", resolved, runErr)
	}
	return status, nil
}

// IsActive reports whether the unit is in the active state.
func (m *Manager) IsActive(unitName string) bool {
	status, err := m.Status(unitName)
	return err == nil && status == "active"
}

func (m *Manager) runSystemctl(action, unitName string) error {
	resolved, err := normalizeUnitName(unitName)
	if err != nil {
		return err
	}
	if err := m.runner.Run(m.binary, action, resolved); err != nil {
		return fmt.Errorf("systemctl %s %s: %w", action, resolved, err)
	}
	return nil
}

func normalizeUnitName(unitName string) (string, error) {
	trimmed := strings.TrimSpace(unitName)
	if trimmed == "" {
		return "", fmt.Errorf("unit name is required")
	}
	if !strings.HasSuffix(trimmed, ".service") {
		trimmed += ".service"
	}
	if filepath.Base(trimmed) != trimmed || strings.ContainsAny(trimmed, `/\\`) {
		return "", fmt.Errorf("invalid unit name %q", unitName)
	}
	if !unitNamePattern.MatchString(trimmed) {
		return "", fmt.Errorf("invalid unit name %q", unitName)
	}
	return trimmed, nil
}
