// Package plan runs the provisioning steps in their fixed order.
//
// Steps run strictly one after another. The context is checked before each
// step starts; a step that has started is never interrupted, so a firewall
// reload or certificate issue always completes or fails on its own terms.
// There is no rollback: the first failing step ends the run.
package plan

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"ikev2-provision/internal/config"
	"ikev2-provision/internal/fsutil"
	"ikev2-provision/internal/lock"
	"ikev2-provision/internal/netprobe"
	"ikev2-provision/internal/packages"
	"ikev2-provision/internal/pki"
	"ikev2-provision/internal/render"
	"ikev2-provision/internal/service"
	"ikev2-provision/internal/state"
)

// Step names one stage of the run.
type Step string

const (
	StepLock        Step = "lock"
	StepPackages    Step = "packages"
	StepSysctl      Step = "sysctl"
	StepProbe       Step = "network-probe"
	StepDirectories Step = "directories"
	StepAuthority   Step = "certificate-authority"
	StepServerCert  Step = "server-certificate"
	StepRender      Step = "render"
	StepWrite       Step = "write-config"
	StepServices    Step = "services"
	StepVerify      Step = "verify"
	StepInspect     Step = "inspect"
)

// StepError reports which step failed.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// FailedStep returns the step named by a StepError in err's chain.
func FailedStep(err error) (Step, bool) {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Step, true
	}
	return "", false
}

// Releaser is a held run lock.
type Releaser interface {
	Release() error
}

type Installer interface {
	Install(required, optional []string) ([]packages.Capability, error)
}

type Prober interface {
	Probe(ctx context.Context) (netprobe.HostInfo, error)
	CheckPool(iface string, pool netip.Prefix) error
}

type Authority interface {
	EnsureAuthority(spec pki.AuthoritySpec) (bool, error)
	IssueServer(spec pki.ServerSpec) error
}

type Services interface {
	Apply(ctx context.Context, set render.Set) error
	Verify() (service.Verification, error)
}

// Recorder persists run history. It is optional.
type Recorder interface {
	BeginRun(ctx context.Context, startedAt int64) (int64, error)
	FinishRun(ctx context.Context, run state.RunRecord) error
	SaveCertificate(ctx context.Context, cert state.CertificateRecord) (*state.CertificateRecord, error)
}

// Dependencies are the collaborators a Plan drives.
type Dependencies struct {
	// Lock defaults to an exclusive flock on the configured path.
	Lock      func(path string) (Releaser, error)
	Installer Installer
	Prober    Prober
	Authority Authority
	Services  Services
	Recorder  Recorder
	Log       *zap.SugaredLogger
	Now       func() time.Time
}

type Options struct {
	// RegenerateCA replaces an existing certificate authority.
	RegenerateCA bool
}

// WrittenFile is a generated file as it landed on disk.
type WrittenFile struct {
	Role render.Role `json:"role"`
	Path string      `json:"path"`
	Mode os.FileMode `json:"mode"`
}

// Result is what a run produced, filled in as far as the run got.
type Result struct {
	RunID        int64
	Capabilities []packages.Capability
	Host         netprobe.HostInfo
	CACreated    bool
	CA           pki.CertInfo
	Server       pki.CertInfo
	ServerKey    string
	Files        []WrittenFile
	Verification service.Verification
	Duration     time.Duration
}

// Plan is one provisioning run over an immutable configuration.
type Plan struct {
	cfg  config.Config
	deps Dependencies
	opts Options
	log  *zap.SugaredLogger
}

// New validates cfg and fills dependency defaults.
func New(cfg config.Config, deps Dependencies, opts Options) (*Plan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Installer == nil || deps.Prober == nil || deps.Authority == nil || deps.Services == nil {
		return nil, errors.New("plan: missing dependency")
	}
	if deps.Lock == nil {
		deps.Lock = acquireFileLock
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop().Sugar()
	}
	return &Plan{cfg: cfg, deps: deps, opts: opts, log: deps.Log}, nil
}

func acquireFileLock(path string) (Releaser, error) {
	l, err := lock.Acquire(path)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Run executes every step. The returned Result is never nil.
func (p *Plan) Run(ctx context.Context) (res *Result, err error) {
	res = &Result{ServerKey: p.cfg.Paths.ServerKey}
	started := p.deps.Now()

	var held Releaser
	if err := p.step(ctx, StepLock, func() (err error) {
		held, err = p.deps.Lock(p.cfg.State.LockPath)
		return err
	}); err != nil {
		return res, err
	}
	defer func() {
		if rerr := held.Release(); rerr != nil {
			p.log.Warnw("release run lock", "error", rerr)
		}
	}()

	res.RunID = p.begin(ctx, started)
	defer func() {
		res.Duration = p.deps.Now().Sub(started)
		p.finish(ctx, res, err)
	}()

	if err := p.step(ctx, StepPackages, func() (err error) {
		res.Capabilities, err = p.deps.Installer.Install(p.cfg.Packages.Required, p.cfg.Packages.Optional)
		return err
	}); err != nil {
		return res, err
	}
	for _, name := range packages.Missing(res.Capabilities) {
		p.log.Warnw("optional capability unavailable", "package", name)
	}

	if err := p.step(ctx, StepSysctl, func() error {
		f := render.SysctlFile(p.cfg.Paths.Sysctl)
		return p.write(res, f)
	}); err != nil {
		return res, err
	}

	if err := p.step(ctx, StepProbe, func() error {
		host, err := p.deps.Prober.Probe(ctx)
		if err != nil {
			return err
		}
		pool, err := p.cfg.ClientPool()
		if err != nil {
			return err
		}
		if err := p.deps.Prober.CheckPool(host.WANInterface, pool); err != nil {
			return err
		}
		res.Host = host
		return nil
	}); err != nil {
		return res, err
	}

	if err := p.step(ctx, StepDirectories, p.ensureDirectories); err != nil {
		return res, err
	}

	ca := pki.Artifact{KeyPath: p.cfg.Paths.CAKey, CertPath: p.cfg.Paths.CACert}
	if err := p.step(ctx, StepAuthority, func() (err error) {
		res.CACreated, err = p.deps.Authority.EnsureAuthority(pki.AuthoritySpec{
			Artifact:         ca,
			DN:               p.cfg.PKI.CADN,
			KeySize:          p.cfg.PKI.CAKeySize,
			ValidityDays:     p.cfg.PKI.CAValidityDays,
			Regenerate:       p.opts.RegenerateCA,
			MinRemainingDays: p.cfg.PKI.ServerValidityDays,
		})
		return err
	}); err != nil {
		return res, err
	}

	if err := p.step(ctx, StepServerCert, func() error {
		return p.deps.Authority.IssueServer(pki.ServerSpec{
			Artifact:     pki.Artifact{KeyPath: p.cfg.Paths.ServerKey, CertPath: p.cfg.Paths.ServerCert},
			CA:           ca,
			DN:           ServerDN(p.cfg.PKI.ServerDN, res.Host.PublicIP),
			SAN:          res.Host.PublicIP,
			KeySize:      p.cfg.PKI.ServerKeySize,
			ValidityDays: p.cfg.PKI.ServerValidityDays,
		})
	}); err != nil {
		return res, err
	}

	var set render.Set
	if err := p.step(ctx, StepRender, func() error {
		params, err := render.NewParams(p.cfg, res.Host)
		if err != nil {
			return err
		}
		set, err = render.All(params)
		return err
	}); err != nil {
		return res, err
	}

	if err := p.step(ctx, StepWrite, func() error {
		for _, f := range set.Files() {
			// Written before the probe already.
			if f.Role == render.RoleSysctl {
				continue
			}
			if err := p.write(res, f); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return res, err
	}

	if err := p.step(ctx, StepServices, func() error {
		return p.deps.Services.Apply(ctx, set)
	}); err != nil {
		return res, err
	}

	if err := p.step(ctx, StepVerify, func() (err error) {
		res.Verification, err = p.deps.Services.Verify()
		return err
	}); err != nil {
		return res, err
	}

	if err := p.step(ctx, StepInspect, func() (err error) {
		if res.CA, err = pki.Inspect(p.cfg.Paths.CACert); err != nil {
			return err
		}
		res.Server, err = pki.Inspect(p.cfg.Paths.ServerCert)
		return err
	}); err != nil {
		return res, err
	}
	p.recordCertificates(ctx, res)
	return res, nil
}

// ServerDN returns the configured server DN or CN=<public ip>.
func ServerDN(configured string, ip netip.Addr) string {
	if configured != "" {
		return configured
	}
	return "CN=" + ip.String()
}

func (p *Plan) step(ctx context.Context, name Step, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return &StepError{Step: name, Err: err}
	}
	p.log.Infow("step started", "step", string(name))
	if err := fn(); err != nil {
		p.log.Errorw("step failed", "step", string(name), "error", err)
		return &StepError{Step: name, Err: err}
	}
	return nil
}

func (p *Plan) write(res *Result, f render.File) error {
	if err := fsutil.WriteFileAtomic(f.Path, []byte(f.Content), f.Mode); err != nil {
		return err
	}
	res.Files = append(res.Files, WrittenFile{Role: f.Role, Path: f.Path, Mode: f.Mode})
	p.log.Debugw("wrote file", "role", string(f.Role), "path", f.Path)
	return nil
}

// ensureDirectories creates the certificate directories. Directories that
// hold private keys are owner-only even when they also hold certificates.
func (p *Plan) ensureDirectories() error {
	modes := map[string]os.FileMode{
		filepath.Dir(p.cfg.Paths.CACert):     0o755,
		filepath.Dir(p.cfg.Paths.ServerCert): 0o755,
	}
	for _, key := range []string{p.cfg.Paths.CAKey, p.cfg.Paths.ServerKey} {
		modes[filepath.Dir(key)] = 0o700
	}
	dirs := make([]string, 0, len(modes))
	for dir := range modes {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	for _, dir := range dirs {
		if err := fsutil.EnsureDir(dir, modes[dir]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Plan) begin(ctx context.Context, started time.Time) int64 {
	if p.deps.Recorder == nil {
		return 0
	}
	id, err := p.deps.Recorder.BeginRun(ctx, started.Unix())
	if err != nil {
		p.log.Warnw("could not record run start", "error", err)
		return 0
	}
	return id
}

// finish records the outcome even when ctx has been cancelled.
func (p *Plan) finish(ctx context.Context, res *Result, runErr error) {
	if p.deps.Recorder == nil || res.RunID == 0 {
		return
	}
	run := state.RunRecord{
		ID:           res.RunID,
		FinishedAt:   p.deps.Now().Unix(),
		DurationMS:   res.Duration.Milliseconds(),
		Status:       state.StatusSucceeded,
		WANInterface: res.Host.WANInterface,
		CACreated:    res.CACreated,
	}
	if res.Host.PublicIP.IsValid() {
		run.PublicIP = res.Host.PublicIP.String()
	}
	if runErr != nil {
		run.Status = state.StatusFailed
		run.Error = runErr.Error()
		if step, ok := FailedStep(runErr); ok {
			run.FailedStep = string(step)
		}
	}
	if err := p.deps.Recorder.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		p.log.Warnw("could not record run result", "error", err)
	}
}

func (p *Plan) recordCertificates(ctx context.Context, res *Result) {
	if p.deps.Recorder == nil || res.RunID == 0 {
		return
	}
	for _, c := range []struct {
		role string
		info pki.CertInfo
	}{{state.RoleCA, res.CA}, {state.RoleServer, res.Server}} {
		rec := state.CertificateRecord{
			RunID:    res.RunID,
			Role:     c.role,
			Path:     c.info.Path,
			Subject:  c.info.Subject,
			Issuer:   c.info.Issuer,
			SHA256:   c.info.SHA256,
			NotAfter: c.info.NotAfter.Unix(),
		}
		if len(c.info.IPAddresses) > 0 {
			rec.SAN = c.info.IPAddresses[0].String()
		}
		if _, err := p.deps.Recorder.SaveCertificate(context.WithoutCancel(ctx), rec); err != nil {
			p.log.Warnw("could not record certificate", "role", c.role, "error", err)
		}
	}
}
