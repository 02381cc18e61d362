// Package forward owns the pooled outbound transports the dispatcher
// sends through.
package forward

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"sync"
	"time"
)

// Well-known transport names.
const (
	ProtoHTTP1 = "http1" // strictly HTTP/1.1 to upstream
	ProtoAuto  = "auto"  // ALPN, allow h2 over TLS when available
)

// Options tunes the default transports.
type Options struct {
	DialTimeout   time.Duration
	DialKeepAlive time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	MaxConnsPerHost     int // 0 = unlimited

	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration // 0 to disable

	// TLS knobs for the defaults; mTLS setups register their own
	// RoundTripper.
	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
}

// DefaultOptions mirrors battle-tested proxy-ish settings.
func DefaultOptions() Options {
	return Options{
		DialTimeout:           5 * time.Second,
		DialKeepAlive:         60 * time.Second,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Factory returns a RoundTripper by name.
type Factory interface {
	Get(name string) http.RoundTripper
	Register(name string, rt http.RoundTripper)
	CloseIdle()
}

// Registry is a threadsafe map of named RoundTrippers.
type Registry struct {
	mu    sync.RWMutex
	store map[string]http.RoundTripper
	opts  Options
}

// NewDefaultRegistry builds a registry with DefaultOptions and
// pre-registers http1/auto.
func NewDefaultRegistry() *Registry { return NewRegistry(DefaultOptions()) }

// NewRegistry builds a registry with given options and pre-registers
// http1/auto.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		store: make(map[string]http.RoundTripper),
		opts:  opts,
	}
	r.store[ProtoHTTP1] = r.build(false)
	r.store[ProtoAuto] = r.build(true)
	return r
}

func (r *Registry) Get(name string) http.RoundTripper {
	r.mu.RLock()
	rt, ok := r.store[name]
	r.mu.RUnlock()
	if ok && rt != nil {
		return rt
	}
	// unknown names fall back to plain HTTP/1.1
	r.mu.RLock()
	fb := r.store[ProtoHTTP1]
	r.mu.RUnlock()
	return fb
}

func (r *Registry) Register(name string, rt http.RoundTripper) {
	if name == "" || rt == nil {
		return
	}
	r.mu.Lock()
	r.store[name] = rt
	r.mu.Unlock()
}

// RegisterCustom builds a transport from the registry's options with a
// dedicated TLS config (e.g. per-upstream mTLS or pinned roots) and
// registers it under name.
func (r *Registry) RegisterCustom(name string, tlsCfg *tls.Config, proto string) {
	allowH2 := proto == ProtoAuto
	tr := r.build(allowH2).(*http.Transport)
	if tlsCfg != nil {
		cfg := tlsCfg.Clone()
		if !allowH2 {
			cfg.NextProtos = []string{"http/1.1"}
		}
		tr.TLSClientConfig = cfg
	}
	r.Register(name, tr)
}

// CloseIdle calls CloseIdleConnections on all http.Transport in the
// registry.
func (r *Registry) CloseIdle() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.store {
		if t, ok := rt.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
}

func (r *Registry) build(allowH2 bool) http.RoundTripper {
	dialer := &net.Dialer{
		Timeout:   r.opts.DialTimeout,
		KeepAlive: r.opts.DialKeepAlive,
	}
	tlsCfg := &tls.Config{
		InsecureSkipVerify: r.opts.InsecureSkipVerify,
		RootCAs:            r.opts.RootCAs,
	}
	if !allowH2 {
		tlsCfg.NextProtos = []string{"http/1.1"}
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     allowH2,
		TLSClientConfig:       tlsCfg,
		MaxIdleConns:          r.opts.MaxIdleConns,
		MaxIdleConnsPerHost:   r.opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       r.opts.IdleConnTimeout,
		MaxConnsPerHost:       r.opts.MaxConnsPerHost,
		TLSHandshakeTimeout:   r.opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: r.opts.ExpectContinueTimeout,
	}
	if r.opts.ResponseHeaderTimeout > 0 {
		tr.ResponseHeaderTimeout = r.opts.ResponseHeaderTimeout
	}
	return tr
}
