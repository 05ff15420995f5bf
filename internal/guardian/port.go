package guardian

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
)

const (
	DefaultScanRange = 200
	minScanPort      = 1024
)

// PortConfig describes the port the target wants to bind and how a
// substitution is handed back to it.
type PortConfig struct {
	Host string
	Port int
	// ScanRange bounds the search for a free port above Port.
	ScanRange int
	// Env names the variable that carries the port to the target.
	Env string
	// HealthURLEnv, when set, receives HealthURL rewritten to the new port.
	HealthURLEnv string
	HealthURL    string
}

func (pc PortConfig) host() string {
	if pc.Host == "" {
		return "127.0.0.1"
	}
	return pc.Host
}

// Available reports whether host:port can be bound right now.
func Available(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// FindFree scans start..start+n-1 (never below 1024) and returns the first
// bindable port, or 0.
func FindFree(ctx context.Context, host string, start, n int) int {
	if start < minScanPort {
		start = minScanPort
	}
	for p := start; p < start+n && p <= 65535; p++ {
		if ctx.Err() != nil {
			return 0
		}
		if Available(host, p) {
			return p
		}
	}
	return 0
}

func (pc PortConfig) check(ctx context.Context) (Check, int) {
	if pc.Port <= 0 {
		return Check{Name: CheckPort, Status: StatusOK, Detail: "no port declared"}, 0
	}
	if Available(pc.host(), pc.Port) {
		return Check{Name: CheckPort, Status: StatusOK, Detail: fmt.Sprintf("port %d free", pc.Port)}, pc.Port
	}
	n := pc.ScanRange
	if n <= 0 {
		n = DefaultScanRange
	}
	free := FindFree(ctx, pc.host(), pc.Port+1, n)
	if free == 0 {
		return Check{
			Name:        CheckPort,
			Status:      StatusWarning,
			Detail:      fmt.Sprintf("port %d in use and no free port in the next %d", pc.Port, n),
			Remediation: fmt.Sprintf("stop the process holding port %d", pc.Port),
		}, pc.Port
	}
	return Check{
		Name:   CheckPort,
		Status: StatusAutoFixed,
		Detail: fmt.Sprintf("port %d in use, using %d", pc.Port, free),
	}, free
}

func (pc PortConfig) overrides(port int) map[string]string {
	out := map[string]string{}
	if pc.Env != "" {
		out[pc.Env] = strconv.Itoa(port)
	}
	if pc.HealthURLEnv != "" && pc.HealthURL != "" {
		if u, err := RewritePort(pc.HealthURL, port); err == nil {
			out[pc.HealthURLEnv] = u
		}
	}
	return out
}

// RewritePort returns raw with its port replaced.
func RewritePort(raw string, port int) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(port))
	return u.String(), nil
}
