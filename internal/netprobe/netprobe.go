// Package netprobe discovers the host's WAN interface and public IPv4
// address.
package netprobe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go4.org/netipx"

	"ikev2-provision/internal/config"
	"ikev2-provision/internal/version"
)

// ErrNetworkDetection is wrapped by every probe failure.
var ErrNetworkDetection = errors.New("network detection failed")

const (
	defaultRouteTable = "/proc/net/route"
	defaultBackoff    = 500 * time.Millisecond
	maxBodyBytes      = 256
)

// HostInfo is the detected network identity of the host.
type HostInfo struct {
	WANInterface string
	PublicIP     netip.Addr
}

// Validate fails when either field is missing.
func (h HostInfo) Validate() error {
	if strings.TrimSpace(h.WANInterface) == "" {
		return fmt.Errorf("%w: wan interface is empty", ErrNetworkDetection)
	}
	if !h.PublicIP.IsValid() || !h.PublicIP.Is4() {
		return fmt.Errorf("%w: public ipv4 address is empty", ErrNetworkDetection)
	}
	return nil
}

// HTTPDoer allows tests to stub HTTP transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Prober performs detection. The zero value is not usable; use NewProber.
type Prober struct {
	routeTable string
	echoURLs   []string
	timeout    time.Duration
	attempts   int
	backoff    time.Duration

	wanOverride string
	ipOverride  netip.Addr

	client     HTTPDoer
	interfaces func(name string) ([]netip.Prefix, error)
	sleep      func(ctx context.Context, d time.Duration) error
	log        *zap.SugaredLogger
}

// NewProber builds a prober from the network section of the configuration.
func NewProber(cfg config.Network, log *zap.SugaredLogger) *Prober {
	p := &Prober{
		routeTable:  cfg.RouteTable,
		echoURLs:    append([]string(nil), cfg.IPEchoURLs...),
		timeout:     cfg.ProbeTimeout,
		attempts:    cfg.ProbeAttempts,
		backoff:     defaultBackoff,
		wanOverride: strings.TrimSpace(cfg.WANInterface),
		client:      &http.Client{},
		interfaces:  interfacePrefixes,
		sleep:       sleepContext,
		log:         log,
	}
	if p.routeTable == "" {
		p.routeTable = defaultRouteTable
	}
	if p.attempts < 1 {
		p.attempts = 1
	}
	if p.timeout <= 0 {
		p.timeout = 10 * time.Second
	}
	if p.log == nil {
		p.log = zap.NewNop().Sugar()
	}
	if cfg.PublicIP != "" {
		if addr, err := netip.ParseAddr(cfg.PublicIP); err == nil {
			p.ipOverride = addr
		}
	}
	return p
}

// SetHTTPClient replaces the transport used for the address echo service.
func (p *Prober) SetHTTPClient(client HTTPDoer) {
	p.client = client
}

// Probe detects the WAN interface and public address, honouring overrides.
func (p *Prober) Probe(ctx context.Context) (HostInfo, error) {
	var info HostInfo

	if p.wanOverride != "" {
		info.WANInterface = p.wanOverride
	} else {
		iface, err := DetectWANInterface(p.routeTable)
		if err != nil {
			return HostInfo{}, fmt.Errorf("%w: %w", ErrNetworkDetection, err)
		}
		info.WANInterface = iface
	}

	if p.ipOverride.IsValid() {
		info.PublicIP = p.ipOverride
	} else {
		addr, err := p.PublicIPv4(ctx)
		if err != nil {
			return HostInfo{}, err
		}
		info.PublicIP = addr
	}

	if err := info.Validate(); err != nil {
		return HostInfo{}, err
	}
	p.log.Infow("network detected", "wan", info.WANInterface, "public_ip", info.PublicIP.String())
	return info, nil
}

// PublicIPv4 asks each echo URL in turn, retrying whole rounds with
// exponential backoff.
func (p *Prober) PublicIPv4(ctx context.Context) (netip.Addr, error) {
	var lastErr error
	delay := p.backoff
	for attempt := 1; attempt <= p.attempts; attempt++ {
		for _, url := range p.echoURLs {
			addr, err := p.queryEcho(ctx, url)
			if err == nil {
				return addr, nil
			}
			lastErr = err
			p.log.Warnw("public ip lookup failed", "url", url, "attempt", attempt, "error", err)
			if ctx.Err() != nil {
				return netip.Addr{}, fmt.Errorf("%w: %w", ErrNetworkDetection, ctx.Err())
			}
		}
		if attempt == p.attempts {
			break
		}
		if err := p.sleep(ctx, delay); err != nil {
			return netip.Addr{}, fmt.Errorf("%w: %w", ErrNetworkDetection, err)
		}
		delay *= 2
	}
	if lastErr == nil {
		lastErr = errors.New("no address echo urls configured")
	}
	return netip.Addr{}, fmt.Errorf("%w: public ip: %w", ErrNetworkDetection, lastErr)
}

func (p *Prober) queryEcho(ctx context.Context, url string) (netip.Addr, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return netip.Addr{}, err
	}
	req.Header.Set("User-Agent", version.Current().UserAgent())
	req.Header.Set("Accept", "text/plain")
	resp, err := p.client.Do(req)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%s: %w", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		return netip.Addr{}, fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	text := strings.TrimSpace(string(body))
	addr, err := netip.ParseAddr(text)
	if err != nil || !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%s returned %q, not an ipv4 literal", url, text)
	}
	return addr, nil
}

// CheckPool fails when the client pool overlaps any network bound to the
// WAN interface; such a pool would make masqueraded replies unroutable.
func (p *Prober) CheckPool(iface string, pool netip.Prefix) error {
	prefixes, err := p.interfaces(iface)
	if err != nil {
		// A missing interface is not fatal here; the route table said it exists.
		p.log.Warnw("could not list interface addresses", "wan", iface, "error", err)
		return nil
	}
	var b netipx.IPSetBuilder
	for _, prefix := range prefixes {
		b.AddPrefix(prefix.Masked())
	}
	set, err := b.IPSet()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNetworkDetection, err)
	}
	if set.OverlapsPrefix(pool) {
		return fmt.Errorf("%w: client pool %s overlaps a network on %s", ErrNetworkDetection, pool, iface)
	}
	return nil
}

// DetectWANInterface returns the interface carrying the default route
// according to a /proc/net/route formatted table.
func DetectWANInterface(routeTable string) (string, error) {
	file, err := os.Open(routeTable)
	if err != nil {
		return "", err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	// skip header
	if !scanner.Scan() {
		return "", fmt.Errorf("unexpected %s format", routeTable)
	}
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 11 {
			continue
		}
		iface := fields[0]
		destination := fields[1]
		flags := fields[3]
		mask := fields[7]
		if destination == "00000000" && mask == "00000000" && hasGatewayFlag(flags) {
			return iface, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", errors.New("default route not found")
}

// hasGatewayFlag reports RTF_UP|RTF_GATEWAY in the hex flags column.
func hasGatewayFlag(raw string) bool {
	var flags uint64
	if _, err := fmt.Sscanf(raw, "%x", &flags); err != nil {
		return false
	}
	const rtfUp, rtfGateway = 0x1, 0x2
	return flags&rtfUp != 0 && flags&rtfGateway != 0
}

func interfacePrefixes(name string) ([]netip.Prefix, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, err
	}
	out := make([]netip.Prefix, 0, len(addrs))
	for _, addr := range addrs {
		prefix, err := netip.ParsePrefix(addr.String())
		if err != nil {
			continue
		}
		if prefix.Addr().Is4() {
			out = append(out, prefix)
		}
	}
	return out, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
