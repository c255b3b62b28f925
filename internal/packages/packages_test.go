package packages

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"ikev2-provision/internal/command"
)

func TestInstallRequiredAndOptional(t *testing.T) {
	runner := &command.MockRunner{}
	inst := NewInstaller(runner, false, nil)

	caps, err := inst.Install([]string{"strongswan", "nftables"}, []string{"libcharon-extauth-plugins"})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	want := []string{
		"apt-get update",
		"apt-get install -y strongswan nftables",
		"apt-cache show libcharon-extauth-plugins",
		"apt-get install -y libcharon-extauth-plugins",
	}
	if diff := cmp.Diff(want, runner.Lines()); diff != "" {
		t.Fatalf("unexpected commands (-want +got):\n%s", diff)
	}
	wantCaps := []Capability{
		{Name: "strongswan", Required: true, Available: true, Installed: true},
		{Name: "nftables", Required: true, Available: true, Installed: true},
		{Name: "libcharon-extauth-plugins", Available: true, Installed: true},
	}
	if diff := cmp.Diff(wantCaps, caps, cmpopts.IgnoreFields(Capability{}, "Err")); diff != "" {
		t.Fatalf("unexpected capabilities (-want +got):\n%s", diff)
	}
}

func TestMissingOptionalIsNotFatal(t *testing.T) {
	runner := &command.MockRunner{Errors: map[string]error{
		"apt-cache show libstrongswan-extra-plugins": errors.New("exit 100"),
	}}
	inst := NewInstaller(runner, true, nil)

	caps, err := inst.Install([]string{"strongswan"}, []string{"libstrongswan-extra-plugins", "libcharon-extauth-plugins"})
	if err != nil {
		t.Fatalf("optional absence must not fail the run: %v", err)
	}
	if len(caps) != 3 {
		t.Fatalf("expected 3 capabilities, got %d", len(caps))
	}
	missing := caps[1]
	if missing.Available || missing.Installed || missing.Err == nil {
		t.Fatalf("expected unavailable capability, got %#v", missing)
	}
	if !caps[2].Installed {
		t.Fatalf("later optional packages must still be attempted")
	}
	for _, line := range runner.Lines() {
		if line == "apt-get install -y libstrongswan-extra-plugins" {
			t.Fatalf("unavailable package must not be installed")
		}
		if line == "apt-get update" {
			t.Fatalf("update must be skipped")
		}
	}
	if diff := cmp.Diff([]string{"libstrongswan-extra-plugins"}, Missing(caps)); diff != "" {
		t.Fatalf("unexpected missing list (-want +got):\n%s", diff)
	}
}

func TestOptionalInstallFailureRecorded(t *testing.T) {
	runner := &command.MockRunner{Errors: map[string]error{
		"apt-get install -y libcharon-extauth-plugins": errors.New("exit 100"),
	}}
	caps, err := NewInstaller(runner, true, nil).Install([]string{"strongswan"}, []string{"libcharon-extauth-plugins"})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	c := caps[1]
	if !c.Available || c.Installed || c.Err == nil {
		t.Fatalf("expected available but not installed, got %#v", c)
	}
}

func TestRequiredFailureIsFatal(t *testing.T) {
	runner := &command.MockRunner{
		Errors:  map[string]error{"apt-get install -y strongswan": errors.New("exit 100")},
		Outputs: map[string][]byte{"apt-get install -y strongswan": []byte("E: Unable to locate package strongswan")},
	}
	_, err := NewInstaller(runner, true, nil).Install([]string{"strongswan"}, []string{"libcharon-extauth-plugins"})
	if !errors.Is(err, ErrPackageInstall) {
		t.Fatalf("expected ErrPackageInstall, got %v", err)
	}
	if !strings.Contains(err.Error(), "Unable to locate package") {
		t.Fatalf("expected tool output in error, got %v", err)
	}
	if runner.Count("apt-cache") != 0 {
		t.Fatalf("optional packages must not run after a required failure")
	}
}

func TestUpdateFailureIsFatal(t *testing.T) {
	runner := &command.MockRunner{Errors: map[string]error{"apt-get update": errors.New("exit 100")}}
	_, err := NewInstaller(runner, false, nil).Install([]string{"strongswan"}, nil)
	if !errors.Is(err, ErrPackageInstall) {
		t.Fatalf("expected ErrPackageInstall, got %v", err)
	}
}

func TestInstallRejectsOptionLikeNames(t *testing.T) {
	runner := &command.MockRunner{}
	_, err := NewInstaller(runner, false, nil).Install([]string{"--allow-unauthenticated"}, nil)
	if !errors.Is(err, ErrPackageInstall) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if len(runner.Calls) != 0 {
		t.Fatalf("expected no commands, got %v", runner.Lines())
	}
}

func TestInstallDeduplicates(t *testing.T) {
	runner := &command.MockRunner{}
	if _, err := NewInstaller(runner, true, nil).Install([]string{"nftables", " nftables ", ""}, nil); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if diff := cmp.Diff([]string{"apt-get install -y nftables"}, runner.Lines()); diff != "" {
		t.Fatalf("unexpected commands (-want +got):\n%s", diff)
	}
}
