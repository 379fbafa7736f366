package target

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/anstrom/scanpilot/internal/logging"
)

const (
	ReasonReachable    = "reachable"
	defaultProbeWindow = 5 * time.Second
)

// Dialer opens TCP connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Prober performs the advisory reachability check.
type Prober struct {
	resolver Resolver
	dialer   Dialer
	timeout  time.Duration
	logger   *logging.Logger
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithResolver replaces the system resolver.
func WithResolver(r Resolver) ProberOption {
	return func(p *Prober) { p.resolver = r }
}

// WithDialer replaces the TCP dialer.
func WithDialer(d Dialer) ProberOption {
	return func(p *Prober) { p.dialer = d }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ProberOption {
	return func(p *Prober) { p.logger = l }
}

// NewProber creates a prober that gives up connecting after timeout.
func NewProber(timeout time.Duration, opts ...ProberOption) *Prober {
	if timeout <= 0 {
		timeout = defaultProbeWindow
	}
	p := &Prober{
		resolver: SystemResolver{},
		dialer:   &net.Dialer{},
		timeout:  timeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrDefault(p.logger).WithComponent("probe")
	return p
}

// Endpoint recovers host and port from a URL-like target. Without an
// explicit port, https implies 443 and everything else 80.
func Endpoint(t string) (host, port string, err error) {
	t = strings.TrimSpace(t)
	if t == "" {
		return "", "", errors.New("empty target")
	}

	raw := t
	if !hasScheme(raw) {
		raw = "//" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid target: %w", err)
	}
	host = u.Hostname()
	if host == "" {
		return "", "", errors.New("target has no host")
	}

	port = u.Port()
	if port == "" {
		port = "80"
		if strings.EqualFold(u.Scheme, "https") {
			port = "443"
		}
	}
	return host, port, nil
}

// CheckReachable resolves the target and attempts one bounded TCP connect.
// It never panics; any failure is reported through the reason string.
func (p *Prober) CheckReachable(ctx context.Context, t string) (bool, string) {
	host, port, err := Endpoint(t)
	if err != nil {
		return false, err.Error()
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	addr := host
	if net.ParseIP(host) == nil {
		addrs, err := p.resolver.LookupHost(ctx, host)
		if err != nil {
			p.logger.Debug("resolution failed", "host", host, "error", err)
			return false, fmt.Sprintf("dns resolution failed for %s: %v", host, err)
		}
		if len(addrs) == 0 {
			return false, fmt.Sprintf("dns resolution returned no addresses for %s", host)
		}
		addr = addrs[0]
	}

	endpoint := net.JoinHostPort(addr, port)
	conn, err := p.dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		if isTimeout(err) {
			return false, fmt.Sprintf("connection to %s timed out after %s (port %s may be filtered)", endpoint, p.timeout, port)
		}
		return false, err.Error()
	}
	_ = conn.Close()

	p.logger.Debug("target reachable", "host", host, "port", port)
	return true, ReasonReachable
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
