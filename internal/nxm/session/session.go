package session

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/fault"
)

// Appliance endpoints.
const (
	LoginPath   = "/userlogin.html"
	LogoutPath  = "/logout"
	ChannelPath = "/websockify"
	DevicePath  = "/Device"
)

// TokenHeader carries the anti-forgery token in both directions.
const TokenHeader = "CREST-XSRF-TOKEN"

const (
	defaultTimeout = 10 * time.Second

	// maxResponseSize bounds a single response body. A full device document
	// for a large matrix is well under this.
	maxResponseSize = 8 << 20
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Config holds session settings.
type Config struct {
	// Host is the appliance host name or address, optionally with a port.
	Host string

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool

	// Timeout bounds each HTTP request. Default: 10 seconds.
	Timeout time.Duration

	// Logger receives diagnostics. Optional.
	Logger Logger
}

// Session is an authenticated HTTPS session with one appliance.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Session struct {
	base      *url.URL
	client    *http.Client
	jar       *cookiejar.Jar
	tlsConfig *tls.Config
	logger    Logger

	mu            sync.RWMutex
	token         string
	authenticated bool
}

// New creates a session bound to cfg.Host. It performs no I/O.
func New(cfg Config) (*Session, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, fmt.Errorf("%w: appliance host is empty", fault.ErrConfiguration)
	}
	if strings.Contains(host, "/") {
		return nil, fmt.Errorf("%w: appliance host %q must not contain a scheme or path", fault.ErrConfiguration, host)
	}

	base := &url.URL{Scheme: "https", Host: host}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		//nolint:gosec // appliances ship with self-signed certificates; operator opt-in
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig

	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	return &Session{
		base: base,
		client: &http.Client{
			Transport: transport,
			Jar:       jar,
			Timeout:   timeout,
		},
		jar:       jar,
		tlsConfig: tlsConfig,
		logger:    logger,
	}, nil
}

// Host returns the appliance host this session is bound to.
func (s *Session) Host() string {
	return s.base.Host
}

// Authenticated reports whether Login has succeeded and Logout has not
// been called since.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// Token returns the currently held anti-forgery token.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Login performs the appliance login handshake: Prime followed by
// Authenticate. Login does not retry.
func (s *Session) Login(ctx context.Context, username, secret string) error {
	if err := s.Prime(ctx); err != nil {
		return err
	}
	return s.Authenticate(ctx, username, secret)
}

// Prime fetches the login page, which establishes the initial cookies. It
// is the first request to reach the appliance, so a failure here means the
// host is unreachable or is not an appliance.
func (s *Session) Prime(ctx context.Context) error {
	if _, err := s.do(ctx, http.MethodGet, LoginPath, nil, ""); err != nil {
		return err
	}
	s.logger.Debug("priming request complete", "cookies", len(s.jar.Cookies(s.base)))
	return nil
}

// Authenticate posts the credentials as a form. Prime must have succeeded.
func (s *Session) Authenticate(ctx context.Context, username, secret string) error {
	form := url.Values{}
	form.Set("login", username)
	form.Set("passwd", secret)

	if _, err := s.do(ctx, http.MethodPost, LoginPath, strings.NewReader(form.Encode()),
		"application/x-www-form-urlencoded"); err != nil {
		return err
	}

	s.mu.Lock()
	s.authenticated = true
	hasToken := s.token != ""
	s.mu.Unlock()

	s.logger.Info("logged in", "host", s.base.Host, "token_present", hasToken)
	return nil
}

// Logout ends the session. It is best effort: the local state is always
// cleared and a failed request is only logged. A session is not reused
// after Logout.
func (s *Session) Logout(ctx context.Context) {
	if s.Authenticated() {
		if _, err := s.do(ctx, http.MethodGet, LogoutPath, nil, ""); err != nil {
			s.logger.Warn("logout request failed", "host", s.base.Host, "error", err)
		}
	}

	s.mu.Lock()
	s.authenticated = false
	s.token = ""
	s.mu.Unlock()
}

// Get issues an authenticated GET and returns the response body.
func (s *Session) Get(ctx context.Context, path string) ([]byte, error) {
	if !s.Authenticated() {
		return nil, fault.ErrNotAuthenticated
	}
	return s.do(ctx, http.MethodGet, path, nil, "")
}

// Post issues an authenticated POST with a JSON body and returns the
// response body.
func (s *Session) Post(ctx context.Context, path string, body []byte) ([]byte, error) {
	if !s.Authenticated() {
		return nil, fault.ErrNotAuthenticated
	}
	return s.do(ctx, http.MethodPost, path, bytes.NewReader(body), "application/json")
}

// ObserveHeader applies token rotation from a response header set. It is
// called for every HTTP response and for the channel handshake response.
func (s *Session) ObserveHeader(h http.Header) {
	tok := h.Get(TokenHeader)
	if tok == "" {
		return
	}

	s.mu.Lock()
	rotated := tok != s.token
	if rotated {
		s.token = tok
	}
	s.mu.Unlock()

	if rotated {
		s.logger.Debug("anti-forgery token rotated")
	}
}

// ChannelURL returns the realtime channel endpoint.
func (s *Session) ChannelURL() string {
	u := *s.base
	u.Scheme = "wss"
	u.Path = ChannelPath
	return u.String()
}

// ChannelHeader returns the headers needed to open the realtime channel:
// the session cookies, the anti-forgery token and an Origin.
func (s *Session) ChannelHeader() http.Header {
	h := http.Header{}
	cookies := s.jar.Cookies(s.base)
	if len(cookies) > 0 {
		parts := make([]string, 0, len(cookies))
		for _, c := range cookies {
			parts = append(parts, c.Name+"="+c.Value)
		}
		h.Set("Cookie", strings.Join(parts, "; "))
	}
	if tok := s.Token(); tok != "" {
		h.Set(TokenHeader, tok)
	}
	h.Set("Origin", s.base.String())
	return h
}

// TLSConfig returns a copy of the TLS configuration used by this session.
func (s *Session) TLSConfig() *tls.Config {
	return s.tlsConfig.Clone()
}

// do sends one request. Every response, successful or not, passes through
// token rotation before its status is checked.
func (s *Session) do(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	u := s.base.ResolveReference(&url.URL{Path: path})
	op := method + " " + path

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, &fault.TransportError{Variant: fault.VariantSetup, Op: op, URL: u.String(), Err: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if tok := s.Token(); tok != "" {
		req.Header.Set(TokenHeader, tok)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fault.FromNetError(op, u.String(), err)
	}
	defer resp.Body.Close()

	s.ObserveHeader(resp.Header)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fault.FromNetError(op, u.String(), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fault.FromHTTPStatus(op, u.String(), resp.StatusCode, data)
	}
	return data, nil
}
