// Package service applies rendered configuration to the running host.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"ikev2-provision/internal/command"
	"ikev2-provision/internal/render"
	"ikev2-provision/internal/systemd"
)

// ErrServiceReload is wrapped by every fatal apply or verify failure.
var ErrServiceReload = errors.New("service reload failed")

// Options name the binaries and unit the controller drives.
type Options struct {
	Unit          string
	Firewall      string
	Sysctl        string
	DaemonControl string
}

// Controller reloads kernel settings, the firewall and the tunnel daemon.
type Controller struct {
	runner  command.Runner
	systemd systemd.ServiceManager
	opts    Options
	log     *zap.SugaredLogger
}

// Verification is the daemon's reported state after Apply.
type Verification struct {
	UnitState string `json:"unit_state"`
	Status    string `json:"status"`
}

// NewController creates a controller. Empty option fields fall back to
// nft, sysctl, ipsec and strongswan-starter.
func NewController(runner command.Runner, manager systemd.ServiceManager, opts Options, log *zap.SugaredLogger) *Controller {
	if runner == nil {
		runner = command.ExecRunner{}
	}
	if manager == nil {
		manager = systemd.NewManagerWithDeps("systemctl", runner)
	}
	if opts.Unit == "" {
		opts.Unit = "strongswan-starter"
	}
	if opts.Firewall == "" {
		opts.Firewall = "nft"
	}
	if opts.Sysctl == "" {
		opts.Sysctl = "sysctl"
	}
	if opts.DaemonControl == "" {
		opts.DaemonControl = "ipsec"
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Controller{runner: runner, systemd: manager, opts: opts, log: log}
}

// Apply loads the written files in dependency order. The context is checked
// between steps; a step that has started always runs to completion.
func (c *Controller) Apply(ctx context.Context, set render.Set) error {
	steps := []struct {
		name string
		run  func() error
	}{
		{"sysctl", func() error { return c.runner.Run(c.opts.Sysctl, "-p", set.Sysctl.Path) }},
		// nft -f with flush ruleset is one transaction, but a syntax error
		// is caught here before the old ruleset is touched.
		{"firewall check", func() error { return c.runner.Run(c.opts.Firewall, "-c", "-f", set.Firewall.Path) }},
		{"firewall load", func() error { return c.runner.Run(c.opts.Firewall, "-f", set.Firewall.Path) }},
		{"enable " + c.opts.Unit, func() error { return c.systemd.Enable(c.opts.Unit) }},
		{"restart " + c.opts.Unit, func() error { return c.systemd.Restart(c.opts.Unit) }},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.log.Debugw("service step", "step", step.name)
		if err := step.run(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrServiceReload, step.name, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.runner.Run(c.opts.DaemonControl, "rereadall"); err != nil {
		c.log.Warnw("tunnel daemon did not reread configuration", "error", err)
	}
	return nil
}

// Verify asks the daemon for its loaded configuration and checks the unit
// is active.
func (c *Controller) Verify() (Verification, error) {
	var v Verification
	if !c.systemd.IsActive(c.opts.Unit) {
		state, err := c.systemd.Status(c.opts.Unit)
		v.UnitState = state
		if err != nil {
			return v, fmt.Errorf("%w: unit %s is not active: %w", ErrServiceReload, c.opts.Unit, err)
		}
		return v, fmt.Errorf("%w: unit %s is %s", ErrServiceReload, c.opts.Unit, state)
	}
	v.UnitState = "active"
	out, err := c.runner.Output(c.opts.DaemonControl, "statusall")
	v.Status = strings.TrimSpace(string(out))
	if err != nil {
		return v, fmt.Errorf("%w: %w", ErrServiceReload, err)
	}
	if !strings.Contains(v.Status, render.ConnectionName) {
		return v, fmt.Errorf("%w: connection %s not loaded", ErrServiceReload, render.ConnectionName)
	}
	return v, nil
}
