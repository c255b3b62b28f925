// Package packages installs the gateway's system packages with apt.
package packages

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"ikev2-provision/internal/command"
)

// ErrPackageInstall is wrapped when a required package cannot be installed.
var ErrPackageInstall = errors.New("package installation failed")

// Env is the environment apt needs to run without prompting.
var Env = []string{"DEBIAN_FRONTEND=noninteractive"}

// Capability records the outcome for one package.
type Capability struct {
	Name      string `json:"name"`
	Required  bool   `json:"required"`
	Available bool   `json:"available"`
	Installed bool   `json:"installed"`
	Err       error  `json:"-"`
}

// Installer runs apt-get and apt-cache.
type Installer struct {
	runner     command.Runner
	skipUpdate bool
	log        *zap.SugaredLogger
}

// NewInstaller creates an installer. A nil runner executes on the host with
// Env applied.
func NewInstaller(runner command.Runner, skipUpdate bool, log *zap.SugaredLogger) *Installer {
	if runner == nil {
		runner = command.ExecRunner{Env: Env}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Installer{runner: runner, skipUpdate: skipUpdate, log: log}
}

// Install installs every required package in one transaction and then each
// optional package on its own. Only required failures are returned; optional
// failures are recorded on the returned capabilities.
func (i *Installer) Install(required, optional []string) ([]Capability, error) {
	required = clean(required)
	optional = clean(optional)
	if err := checkNames(append(append([]string(nil), required...), optional...)); err != nil {
		return nil, err
	}

	if !i.skipUpdate {
		if err := i.runner.Run("apt-get", "update"); err != nil {
			return nil, fmt.Errorf("%w: apt-get update: %w", ErrPackageInstall, err)
		}
	}

	caps := make([]Capability, 0, len(required)+len(optional))
	if len(required) > 0 {
		i.log.Infow("installing required packages", "packages", required)
		args := append([]string{"install", "-y"}, required...)
		if err := i.runner.Run("apt-get", args...); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPackageInstall, err)
		}
		for _, name := range required {
			caps = append(caps, Capability{Name: name, Required: true, Available: true, Installed: true})
		}
	}

	for _, name := range optional {
		caps = append(caps, i.installOptional(name))
	}
	return caps, nil
}

func (i *Installer) installOptional(name string) Capability {
	c := Capability{Name: name}
	if err := i.runner.Run("apt-cache", "show", name); err != nil {
		c.Err = err
		i.log.Warnw("optional package not available", "package", name)
		return c
	}
	c.Available = true
	if err := i.runner.Run("apt-get", "install", "-y", name); err != nil {
		c.Err = err
		i.log.Warnw("optional package install failed", "package", name, "error", err)
		return c
	}
	c.Installed = true
	return c
}

// Missing returns the optional packages that were not installed.
func Missing(caps []Capability) []string {
	var out []string
	for _, c := range caps {
		if !c.Required && !c.Installed {
			out = append(out, c.Name)
		}
	}
	return out
}

func clean(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// checkNames keeps option-like values away from apt.
func checkNames(names []string) error {
	for _, name := range names {
		if strings.HasPrefix(name, "-") || strings.ContainsAny(name, " \t\n;|&$`") {
			return fmt.Errorf("%w: invalid package name %q", ErrPackageInstall, name)
		}
	}
	return nil
}
