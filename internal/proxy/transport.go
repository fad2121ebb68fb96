package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aiproxy-dev/relay/internal/domain"
	"github.com/rs/dnscache"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

// EgressProxy is the decoded shape of UserProviderKey.EgressProxyJSON —
// some tenants' provider credentials are geographically or
// IP-restricted and must egress through a specific proxy.
type EgressProxy struct {
	Type     string `json:"type"` // "socks5" | "http"
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ParseEgressProxy decodes a UserProviderKey's optional egress proxy
// config, returning (nil, nil) when the credential has none.
func ParseEgressProxy(raw *string) (*EgressProxy, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var p EgressProxy
	if err := json.Unmarshal([]byte(*raw), &p); err != nil {
		return nil, fmt.Errorf("proxy: decode egress_proxy_json: %w", err)
	}
	return &p, nil
}

type transportEntry struct {
	transport http.RoundTripper
	lastUsed  time.Time
}

// TransportPool hands out a pooled, keep-alive http.RoundTripper per
// egress configuration, resolving DNS through a shared cache and
// negotiating HTTP/2 over standard TLS. Deliberately uses a standard
// crypto/tls handshake rather than a spoofed client fingerprint — see
// DESIGN.md for why that technique has no home here.
type TransportPool struct {
	resolver *dnscache.Resolver

	mu      sync.Mutex
	entries map[string]*transportEntry
}

func NewTransportPool() *TransportPool {
	resolver := &dnscache.Resolver{}
	p := &TransportPool{resolver: resolver, entries: make(map[string]*transportEntry)}
	go p.refreshDNSLoop()
	return p
}

func (p *TransportPool) refreshDNSLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		p.resolver.Refresh(true)
	}
}

// Get returns a RoundTripper for this credential's egress configuration,
// creating and caching one on first use.
func (p *TransportPool) Get(egress *EgressProxy) http.RoundTripper {
	key := transportKey(egress)

	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[key]; ok {
		e.lastUsed = time.Now()
		return e.transport
	}

	rt := p.build(egress)
	p.entries[key] = &transportEntry{transport: rt, lastUsed: time.Now()}
	return rt
}

func (p *TransportPool) build(egress *EgressProxy) http.RoundTripper {
	if egress != nil {
		return &http.Transport{
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialContext:         p.proxyDialer(egress),
			ForceAttemptHTTP2:   true,
		}
	}
	return &http2.Transport{
		ReadIdleTimeout: 30 * time.Second,
		DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
			return p.dialTLS(ctx, network, addr, cfg)
		},
	}
}

// dialTLS resolves addr through the shared DNS cache before completing
// a standard TLS handshake, without imitating any one client's TLS
// signature.
func (p *TransportPool) dialTLS(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ips, err := p.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	rawConn, err := d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
	if err != nil {
		return nil, err
	}

	tlsCfg := cfg.Clone()
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = host
	}
	conn := tls.Client(rawConn, tlsCfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return conn, nil
}

// RunCleanup periodically closes idle transports so a tenant that
// rotates egress proxies doesn't leak connections forever.
func (p *TransportPool) RunCleanup(ctx context.Context, interval, idleTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cleanup(idleTimeout)
		}
	}
}

func (p *TransportPool) cleanup(idleTimeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-idleTimeout)
	for key, e := range p.entries {
		if e.lastUsed.Before(cutoff) {
			if t, ok := e.transport.(interface{ CloseIdleConnections() }); ok {
				t.CloseIdleConnections()
			}
			delete(p.entries, key)
		}
	}
}

func (p *TransportPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, e := range p.entries {
		if t, ok := e.transport.(interface{ CloseIdleConnections() }); ok {
			t.CloseIdleConnections()
		}
		delete(p.entries, key)
	}
}

func transportKey(egress *EgressProxy) string {
	if egress == nil {
		return "direct"
	}
	return fmt.Sprintf("%s://%s:%d@%s", egress.Type, egress.Host, egress.Port, egress.Username)
}

func (p *TransportPool) proxyDialer(egress *EgressProxy) func(ctx context.Context, network, addr string) (net.Conn, error) {
	switch egress.Type {
	case "socks5":
		return p.socks5Dialer(egress)
	default:
		return p.httpConnectDialer(egress)
	}
}

func (p *TransportPool) socks5Dialer(egress *EgressProxy) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		proxyAddr := fmt.Sprintf("%s:%d", egress.Host, egress.Port)
		var auth *proxy.Auth
		if egress.Username != "" {
			auth = &proxy.Auth{User: egress.Username, Password: egress.Password}
		}
		dialer, err := proxy.SOCKS5("tcp", proxyAddr, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("proxy: socks5 dialer: %w", err)
		}
		return dialer.Dial(network, addr)
	}
}

func (p *TransportPool) httpConnectDialer(egress *EgressProxy) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		proxyAddr := fmt.Sprintf("%s:%d", egress.Host, egress.Port)
		d := net.Dialer{}
		rawConn, err := d.DialContext(ctx, "tcp", proxyAddr)
		if err != nil {
			return nil, fmt.Errorf("proxy: egress tcp dial: %w", err)
		}

		connectReq := &http.Request{
			Method: http.MethodConnect,
			URL:    nil,
			Host:   addr,
			Header: make(http.Header),
		}
		if egress.Username != "" {
			cred := base64.StdEncoding.EncodeToString([]byte(egress.Username + ":" + egress.Password))
			connectReq.Header.Set("Proxy-Authorization", "Basic "+cred)
		}
		if err := connectReq.Write(rawConn); err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("proxy: egress CONNECT write: %w", err)
		}
		resp, err := http.ReadResponse(bufio.NewReader(rawConn), connectReq)
		if err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("proxy: egress CONNECT read: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			rawConn.Close()
			return nil, fmt.Errorf("proxy: egress CONNECT failed: %s", resp.Status)
		}
		return rawConn, nil
	}
}

// credentialTimeout returns the UserServiceApi's configured upstream
// timeout, falling back to the process default.
func credentialTimeout(api *domain.UserServiceApi, fallback time.Duration) time.Duration {
	if api.TimeoutSeconds > 0 {
		return time.Duration(api.TimeoutSeconds) * time.Second
	}
	return fallback
}
