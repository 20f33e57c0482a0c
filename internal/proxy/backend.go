// Package proxy serves one alias: it forwards MCP traffic to the alias
// backend and runs the interceptor pipeline around every tool call.
package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrUnsupportedBackend is returned for backend specs this gateway cannot
// serve, such as stdio commands.
var ErrUnsupportedBackend = errors.New("unsupported backend")

// DefaultCallTimeout bounds one tools/call round trip.
const DefaultCallTimeout = 60 * time.Second

// Backend is the decoded backend specification for one alias.
type Backend struct {
	URL     *url.URL
	Headers map[string]string
	Timeout time.Duration
}

type backendSpec struct {
	URL       string            `json:"url"`
	Transport string            `json:"transport"`
	Headers   map[string]string `json:"headers"`
	Timeout   json.RawMessage   `json:"timeout"`
	Command   string            `json:"command"`
}

// ParseBackend decodes a backend spec of the form
// {"url": "...", "headers": {...}, "timeout": "30s"}. A numeric timeout is
// taken as seconds.
func ParseBackend(spec json.RawMessage) (*Backend, error) {
	var s backendSpec
	if err := json.Unmarshal(spec, &s); err != nil {
		return nil, fmt.Errorf("decode backend spec: %w", err)
	}
	if s.Command != "" {
		return nil, fmt.Errorf("%w: stdio command %q", ErrUnsupportedBackend, s.Command)
	}
	switch strings.ToLower(s.Transport) {
	case "", "http", "streamable-http", "streamable_http", "sse":
	default:
		return nil, fmt.Errorf("%w: transport %q", ErrUnsupportedBackend, s.Transport)
	}
	if s.URL == "" {
		return nil, errors.New("backend spec has no url")
	}
	u, err := url.Parse(s.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("backend url has no host")
	}

	timeout, err := parseTimeout(s.Timeout)
	if err != nil {
		return nil, err
	}
	return &Backend{URL: u, Headers: s.Headers, Timeout: timeout}, nil
}

func parseTimeout(raw json.RawMessage) (time.Duration, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return DefaultCallTimeout, nil
	}
	var secs float64
	if err := json.Unmarshal(raw, &secs); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("invalid timeout %v", secs)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("invalid timeout %s", raw)
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid timeout %q", s)
	}
	return d, nil
}

// Target returns the backend URL for a path relative to the alias root.
func (b *Backend) Target(rest, rawQuery string) string {
	u := *b.URL
	if rest != "" {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(rest, "/")
		u.RawPath = ""
	}
	if rawQuery != "" {
		if u.RawQuery != "" {
			u.RawQuery += "&" + rawQuery
		} else {
			u.RawQuery = rawQuery
		}
	}
	return u.String()
}
