package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"ikev2-provision/internal/command"
	"ikev2-provision/internal/render"
	"ikev2-provision/internal/systemd"
)

func testSet() render.Set {
	return render.Set{
		Tunnel:   render.File{Role: render.RoleTunnel, Path: "/etc/ipsec.conf"},
		Secrets:  render.File{Role: render.RoleSecrets, Path: "/etc/ipsec.secrets"},
		Firewall: render.File{Role: render.RoleFirewall, Path: "/etc/nftables.conf"},
		Sysctl:   render.File{Role: render.RoleSysctl, Path: "/etc/sysctl.d/60-ikev2-gateway.conf"},
	}
}

func newTestController(runner *command.MockRunner) *Controller {
	return NewController(runner, systemd.NewManagerWithDeps("systemctl", runner), Options{}, nil)
}

func TestApplyOrder(t *testing.T) {
	runner := &command.MockRunner{}
	if err := newTestController(runner).Apply(context.Background(), testSet()); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := []string{
		"sysctl -p /etc/sysctl.d/60-ikev2-gateway.conf",
		"nft -c -f /etc/nftables.conf",
		"nft -f /etc/nftables.conf",
		"systemctl enable strongswan-starter.service",
		"systemctl restart strongswan-starter.service",
		"ipsec rereadall",
	}
	if diff := cmp.Diff(want, runner.Lines()); diff != "" {
		t.Fatalf("unexpected call order (-want +got):\n%s", diff)
	}
}

func TestFirewallCheckFailurePreventsLoad(t *testing.T) {
	runner := &command.MockRunner{Errors: map[string]error{
		"nft -c -f /etc/nftables.conf": errors.New("exit 1"),
	}}
	err := newTestController(runner).Apply(context.Background(), testSet())
	if !errors.Is(err, ErrServiceReload) {
		t.Fatalf("expected ErrServiceReload, got %v", err)
	}
	for _, line := range runner.Lines() {
		if line == "nft -f /etc/nftables.conf" {
			t.Fatalf("ruleset must not be loaded after a failed check")
		}
		if line == "systemctl restart strongswan-starter.service" {
			t.Fatalf("daemon must not restart after a firewall failure")
		}
	}
}

func TestSysctlFailureAbortsEverything(t *testing.T) {
	runner := &command.MockRunner{Errors: map[string]error{
		"sysctl -p /etc/sysctl.d/60-ikev2-gateway.conf": errors.New("exit 255"),
	}}
	err := newTestController(runner).Apply(context.Background(), testSet())
	if !errors.Is(err, ErrServiceReload) {
		t.Fatalf("expected ErrServiceReload, got %v", err)
	}
	if len(runner.Calls) != 1 {
		t.Fatalf("expected only the sysctl call, got %v", runner.Lines())
	}
}

func TestRereadFailureIsBestEffort(t *testing.T) {
	runner := &command.MockRunner{Errors: map[string]error{"ipsec rereadall": errors.New("exit 7")}}
	if err := newTestController(runner).Apply(context.Background(), testSet()); err != nil {
		t.Fatalf("rereadall failure must not be fatal: %v", err)
	}
}

func TestRestartFailureIsFatal(t *testing.T) {
	manager := &systemd.MockManager{RestartFunc: func(string) error { return errors.New("job failed") }}
	runner := &command.MockRunner{}
	err := NewController(runner, manager, Options{}, nil).Apply(context.Background(), testSet())
	if !errors.Is(err, ErrServiceReload) {
		t.Fatalf("expected ErrServiceReload, got %v", err)
	}
	if runner.Count("ipsec") != 0 {
		t.Fatalf("rereadall must not run after a failed restart")
	}
}

func TestApplyHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := &command.MockRunner{}
	err := newTestController(runner).Apply(ctx, testSet())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(runner.Calls) != 0 {
		t.Fatalf("expected no commands, got %v", runner.Lines())
	}
}

func TestVerify(t *testing.T) {
	runner := &command.MockRunner{Outputs: map[string][]byte{
		"systemctl is-active strongswan-starter.service": []byte("active\n"),
		"ipsec statusall": []byte("Connections:\n   ikev2-vpn:  %any...%any  IKEv2\n"),
	}}
	v, err := newTestController(runner).Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if v.UnitState != "active" {
		t.Fatalf("unexpected unit state %q", v.UnitState)
	}
}

func TestVerifyDetectsMissingConnection(t *testing.T) {
	runner := &command.MockRunner{Outputs: map[string][]byte{
		"systemctl is-active strongswan-starter.service": []byte("active\n"),
		"ipsec statusall": []byte("Connections:\n"),
	}}
	if _, err := newTestController(runner).Verify(); !errors.Is(err, ErrServiceReload) {
		t.Fatalf("expected ErrServiceReload, got %v", err)
	}
}

func TestVerifyDetectsInactiveUnit(t *testing.T) {
	manager := &systemd.MockManager{StatusFunc: func(string) (string, error) { return "failed", nil }}
	v, err := NewController(&command.MockRunner{}, manager, Options{}, nil).Verify()
	if !errors.Is(err, ErrServiceReload) {
		t.Fatalf("expected ErrServiceReload, got %v", err)
	}
	if v.UnitState != "failed" {
		t.Fatalf("expected state to be reported, got %q", v.UnitState)
	}
}

func TestVerifyGatesOnIsActive(t *testing.T) {
	runner := &command.MockRunner{Outputs: map[string][]byte{
		"ipsec statusall": []byte("Connections:\n   ikev2-vpn:  %any...%any  IKEv2\n"),
	}}
	manager := &systemd.MockManager{
		IsActiveFunc: func(string) bool { return true },
		StatusFunc: func(string) (string, error) {
			t.Fatalf("Status must not be queried for an active unit")
			return "", nil
		},
	}
	v, err := NewController(runner, manager, Options{}, nil).Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if v.UnitState != "active" {
		t.Fatalf("unexpected unit state %q", v.UnitState)
	}

	manager = &systemd.MockManager{
		IsActiveFunc: func(string) bool { return false },
		StatusFunc:   func(string) (string, error) { return "activating", errors.New("exit 3") },
	}
	v, err = NewController(runner, manager, Options{}, nil).Verify()
	if !errors.Is(err, ErrServiceReload) {
		t.Fatalf("expected ErrServiceReload, got %v", err)
	}
	if v.UnitState != "activating" || !strings.Contains(err.Error(), "exit 3") {
		t.Fatalf("expected state and cause to be reported, got %q %v", v.UnitState, err)
	}
}
