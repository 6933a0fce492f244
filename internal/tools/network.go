package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HostPolicy restricts which hosts network probes may reach. An empty
// policy allows every host.
type HostPolicy struct {
	allowed map[string]bool
}

func NewHostPolicy(hosts []string) HostPolicy {
	p := HostPolicy{}
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if p.allowed == nil {
			p.allowed = make(map[string]bool)
		}
		p.allowed[h] = true
	}
	return p
}

// Allow returns ErrHostNotAllowed for hosts outside the policy. Entries of
// the form ".example.com" match subdomains.
func (p HostPolicy) Allow(host string) error {
	if len(p.allowed) == 0 {
		return nil
	}
	host = strings.ToLower(host)
	if p.allowed[host] {
		return nil
	}
	for entry := range p.allowed {
		if strings.HasPrefix(entry, ".") && strings.HasSuffix(host, entry) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrHostNotAllowed, host)
}

// HTTPProbeTool issues a GET and reports status and latency.
type HTTPProbeTool struct {
	client *http.Client
	policy HostPolicy
}

func NewHTTPProbe(client *http.Client, policy HostPolicy) *HTTPProbeTool {
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	return &HTTPProbeTool{client: client, policy: policy}
}

func (t *HTTPProbeTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        HTTPProbe,
		Description: "Send an HTTP GET to a URL and report the status code and latency.",
		Schema: objectSchema([]string{"url"}, map[string]any{
			"url": prop("string", "Absolute http or https URL to probe."),
		}),
		Category:    CategoryNetwork,
		SafetyLevel: ReadOnly,
	}
}

type httpProbeParams struct {
	URL string `json:"url"`
}

func (t *HTTPProbeTool) Execute(ctx context.Context, params json.RawMessage) Result {
	var p httpProbeParams
	if err := decodeParams(params, &p); err != nil {
		return failure(err)
	}
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return failure(fmt.Errorf("%w: url must be absolute http(s), got %q", ErrInvalidParams, p.URL))
	}
	if err := t.policy.Allow(u.Hostname()); err != nil {
		return failure(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return failure(fmt.Errorf("%w: %v", ErrInvalidParams, err))
	}
	req.Header.Set("User-Agent", "troubleshootd-probe")

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return failure(fmt.Errorf("%w: GET %s: %v", ErrToolExecution, u.Redacted(), err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return success(map[string]any{
		"url":         u.Redacted(),
		"status_code": resp.StatusCode,
		"status":      resp.Status,
		"latency_ms":  time.Since(start).Milliseconds(),
	})
}

// Resolver is the subset of *net.Resolver used by DNSLookupTool.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
	LookupCNAME(ctx context.Context, host string) (string, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// DNSLookupTool resolves a name.
type DNSLookupTool struct {
	resolver Resolver
	policy   HostPolicy
}

func NewDNSLookup(resolver Resolver, policy HostPolicy) *DNSLookupTool {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &DNSLookupTool{resolver: resolver, policy: policy}
}

func (t *DNSLookupTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        DNSLookup,
		Description: "Resolve a host name. record_type is one of A, CNAME, MX, TXT (default A).",
		Schema: objectSchema([]string{"host"}, map[string]any{
			"host":        prop("string", "Host name to resolve."),
			"record_type": map[string]any{"type": "string", "enum": []string{"A", "CNAME", "MX", "TXT"}},
		}),
		Category:    CategoryNetwork,
		SafetyLevel: ReadOnly,
	}
}

type dnsLookupParams struct {
	Host       string `json:"host"`
	RecordType string `json:"record_type"`
}

func (t *DNSLookupTool) Execute(ctx context.Context, params json.RawMessage) Result {
	var p dnsLookupParams
	if err := decodeParams(params, &p); err != nil {
		return failure(err)
	}
	host := strings.TrimSuffix(strings.TrimSpace(p.Host), ".")
	if host == "" {
		return failure(fmt.Errorf("%w: host is required", ErrInvalidParams))
	}
	if err := t.policy.Allow(host); err != nil {
		return failure(err)
	}
	rt := strings.ToUpper(p.RecordType)
	if rt == "" {
		rt = "A"
	}

	var records []string
	var err error
	switch rt {
	case "A":
		records, err = t.resolver.LookupHost(ctx, host)
	case "CNAME":
		var cname string
		cname, err = t.resolver.LookupCNAME(ctx, host)
		if err == nil {
			records = []string{cname}
		}
	case "MX":
		var mx []*net.MX
		mx, err = t.resolver.LookupMX(ctx, host)
		for _, m := range mx {
			records = append(records, fmt.Sprintf("%d %s", m.Pref, m.Host))
		}
	case "TXT":
		records, err = t.resolver.LookupTXT(ctx, host)
	default:
		return failure(fmt.Errorf("%w: unsupported record type %q", ErrInvalidParams, p.RecordType))
	}
	if err != nil {
		return failure(fmt.Errorf("%w: lookup %s %s: %v", ErrToolExecution, rt, host, err))
	}
	return success(map[string]any{
		"host":        host,
		"record_type": rt,
		"records":     records,
	})
}

// Dialer is the subset of *net.Dialer used by TCPConnectTool.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// TCPConnectTool checks that a TCP port accepts connections.
type TCPConnectTool struct {
	dialer Dialer
	policy HostPolicy
}

func NewTCPConnect(dialer Dialer, policy HostPolicy) *TCPConnectTool {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	return &TCPConnectTool{dialer: dialer, policy: policy}
}

func (t *TCPConnectTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        TCPConnect,
		Description: "Open a TCP connection to host:port and report whether it succeeded and how long it took.",
		Schema: objectSchema([]string{"host", "port"}, map[string]any{
			"host": prop("string", "Host name or IP."),
			"port": prop("integer", "TCP port, 1-65535."),
		}),
		Category:    CategoryNetwork,
		SafetyLevel: ReadOnly,
	}
}

type tcpConnectParams struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (t *TCPConnectTool) Execute(ctx context.Context, params json.RawMessage) Result {
	var p tcpConnectParams
	if err := decodeParams(params, &p); err != nil {
		return failure(err)
	}
	if p.Host == "" || p.Port < 1 || p.Port > 65535 {
		return failure(fmt.Errorf("%w: host and port 1-65535 are required", ErrInvalidParams))
	}
	if err := t.policy.Allow(p.Host); err != nil {
		return failure(err)
	}

	addr := net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	start := time.Now()
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return failure(fmt.Errorf("%w: connect %s: %v", ErrToolExecution, addr, err))
	}
	_ = conn.Close()
	return success(map[string]any{
		"address":    addr,
		"connected":  true,
		"latency_ms": time.Since(start).Milliseconds(),
	})
}
