// Package webhook delivers rest-hook notifications: an HTTP POST of a payload
// to a subscriber endpoint with custom headers, recording each attempt.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request is one outbound notification.
type Request struct {
	URL         string
	ContentType string
	Body        []byte   // empty body sends no Content-Type
	Headers     []string // "Name: value"
}

// Attempt records the result of a single POST.
type Attempt struct {
	StatusCode   int           `json:"status_code"`
	ResponseBody string        `json:"response_body,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	Error        string        `json:"error,omitempty"`
	At           time.Time     `json:"at"`
}

// Success reports whether the endpoint answered 2xx.
func (a *Attempt) Success() bool {
	return a.Error == "" && a.StatusCode >= 200 && a.StatusCode < 300
}

// Err returns the failure as an error, or nil.
func (a *Attempt) Err() error {
	if a.Success() {
		return nil
	}
	return fmt.Errorf("rest-hook delivery: %s", a.Error)
}

// Option configures a Sender.
type Option func(*Sender)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sender) { s.httpClient = c }
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(d time.Duration) Option {
	return func(s *Sender) {
		if d > 0 {
			s.httpClient.Timeout = d
		}
	}
}

// WithUserAgent sets the User-Agent header on every request.
func WithUserAgent(ua string) Option {
	return func(s *Sender) { s.userAgent = ua }
}

// Sender posts notifications.
type Sender struct {
	httpClient *http.Client
	userAgent  string
}

// NewSender creates a Sender with a 10 second timeout.
func NewSender(opts ...Option) *Sender {
	s := &Sender{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		userAgent:  "fhir-server-resthook",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Post delivers one request. Transport errors and non-2xx responses are
// reported through the Attempt rather than an error return.
func (s *Sender) Post(ctx context.Context, r Request) *Attempt {
	attempt := &Attempt{At: time.Now().UTC()}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		attempt.Error = "build request: " + err.Error()
		return attempt
	}
	if len(r.Body) > 0 && r.ContentType != "" {
		req.Header.Set("Content-Type", r.ContentType)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	for name, value := range ParseHeaders(r.Headers) {
		req.Header.Set(name, value)
	}

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	attempt.Duration = time.Since(start)
	if err != nil {
		attempt.Error = "http post: " + err.Error()
		return attempt
	}
	defer resp.Body.Close()

	attempt.StatusCode = resp.StatusCode

	// Read at most 1KB of response body.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	_, _ = io.Copy(io.Discard, resp.Body)
	attempt.ResponseBody = string(body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		attempt.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return attempt
}

// ParseHeaders splits "Name: value" strings. Malformed entries are skipped.
func ParseHeaders(headers []string) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		out[name] = strings.TrimSpace(value)
	}
	return out
}

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

var metadataIP = net.ParseIP("169.254.169.254")

// ValidateEndpoint checks that a rest-hook endpoint is an absolute http(s)
// URL. Unless allowPrivate is set, hosts that resolve to loopback, private,
// link-local or unspecified addresses are rejected.
func ValidateEndpoint(ctx context.Context, raw string, allowPrivate bool, resolver Resolver) error {
	if raw == "" {
		return fmt.Errorf("endpoint is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("endpoint URL scheme must be http or https, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("endpoint URL has no host")
	}
	if allowPrivate {
		return nil
	}

	lower := strings.ToLower(host)
	if lower == "localhost" || lower == "0.0.0.0" || lower == "::" {
		return fmt.Errorf("endpoint hostname %q is not allowed", host)
	}

	if resolver == nil {
		resolver = net.DefaultResolver
	}
	ips, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return fmt.Errorf("cannot resolve endpoint hostname %q: %w", host, err)
	}
	for _, s := range ips {
		ip := net.ParseIP(s)
		if ip == nil {
			continue
		}
		if ip.Equal(metadataIP) {
			return fmt.Errorf("endpoint resolves to cloud metadata IP %s", s)
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("endpoint resolves to private/reserved IP %s", s)
		}
	}
	return nil
}
