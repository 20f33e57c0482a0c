// Package relay forwards /v1/{alias} traffic to the listener that the
// route table assigns to the alias.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/mcpgate/internal/logging"
	"github.com/rsclarke/mcpgate/internal/telemetry"
)

// ErrRouteNotFound is returned for an alias with no route table entry.
var ErrRouteNotFound = errors.New("route not found")

// Response modes reported to metrics.
const (
	ModeStream = "stream"
	ModeBuffer = "buffer"
)

// Routes resolves an alias to its listener port.
type Routes interface {
	Lookup(alias string) (int, bool)
}

// Relay is the front-door reverse proxy.
type Relay struct {
	routes  Routes
	host    string
	client  *http.Client
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

// Option configures a Relay.
type Option func(*Relay)

// WithTransport sets the transport used for downstream requests.
func WithTransport(rt http.RoundTripper) Option {
	return func(r *Relay) { r.client.Transport = rt }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

// WithHost overrides the loopback host listeners are reached on.
func WithHost(host string) Option {
	return func(r *Relay) { r.host = host }
}

func New(routes Routes, opts ...Option) *Relay {
	r := &Relay{
		routes: routes,
		host:   "127.0.0.1",
		client: &http.Client{
			Transport: NewTransport(),
			// Redirects are the caller's business.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewTransport returns a transport that leaves response encodings alone
// so buffered responses keep their original headers.
func NewTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DisableCompression = true
	t.MaxIdleConnsPerHost = 32
	return t
}

// Register mounts the relay on mux.
func (r *Relay) Register(mux *http.ServeMux) {
	mux.Handle("/v1/{alias}", r)
	mux.Handle("/v1/{alias}/{rest...}", r)
}

// Target returns the downstream URL for alias, or ErrRouteNotFound.
func (r *Relay) Target(alias, rest, rawQuery string) (string, error) {
	port, ok := r.routes.Lookup(alias)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrRouteNotFound, alias)
	}
	u := fmt.Sprintf("http://%s:%d/v1/%s/%s", r.host, port, alias, strings.TrimPrefix(rest, "/"))
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u, nil
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	alias := req.PathValue("alias")
	start := time.Now()

	target, err := r.Target(alias, req.PathValue("rest"), req.URL.RawQuery)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	out, err := http.NewRequestWithContext(req.Context(), req.Method, target, req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	out.Header = req.Header.Clone()
	out.Header.Del("Host")
	out.ContentLength = req.ContentLength

	resp, err := r.client.Do(out)
	if err != nil {
		if req.Context().Err() == nil {
			r.logger.Warn("relay failed", logging.Alias(alias), zap.Error(err))
		}
		writeError(w, http.StatusBadGateway, "backend unavailable")
		return
	}

	mode, err := CopyResponse(w, resp)
	if err != nil && req.Context().Err() == nil {
		r.logger.Debug("relay copy ended early", logging.Alias(alias), logging.Mode(mode), zap.Error(err))
	}
	r.metrics.Relayed(alias, mode, time.Since(start).Seconds())
}

// Streaming reports whether resp should be streamed rather than buffered.
func Streaming(resp *http.Response) bool {
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.HasPrefix(ct, "text/event-stream") || strings.HasPrefix(ct, "application/octet-stream") {
		return true
	}
	for _, te := range resp.TransferEncoding {
		if strings.EqualFold(te, "chunked") {
			return true
		}
	}
	return strings.Contains(strings.ToLower(resp.Header.Get("Transfer-Encoding")), "chunked")
}

// CopyResponse writes resp to w, streaming or buffering per Streaming,
// and always closes resp.Body.
func CopyResponse(w http.ResponseWriter, resp *http.Response) (string, error) {
	defer func() { _ = resp.Body.Close() }()

	if !Streaming(resp) {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			writeError(w, http.StatusBadGateway, "backend response truncated")
			return ModeBuffer, err
		}
		copyHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, err = w.Write(body)
		return ModeBuffer, err
	}

	h := w.Header()
	copyHeader(h, resp.Header)
	h.Del("Transfer-Encoding")
	h.Del("Content-Encoding")
	h.Del("Content-Length")
	w.WriteHeader(resp.StatusCode)

	rc := http.NewResponseController(w)
	_ = rc.Flush()
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return ModeStream, werr
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return ModeStream, ferr
			}
		}
		if rerr == io.EOF {
			return ModeStream, nil
		}
		if rerr != nil {
			return ModeStream, rerr
		}
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append([]string(nil), vv...)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
