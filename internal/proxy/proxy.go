package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/rsclarke/mcpgate/internal/correlation"
	"github.com/rsclarke/mcpgate/internal/intercept"
	"github.com/rsclarke/mcpgate/internal/logging"
	"github.com/rsclarke/mcpgate/internal/relay"
	"github.com/rsclarke/mcpgate/internal/telemetry"
)

const maxBodyBytes = 8 << 20

// codeResultTooLarge is the JSON-RPC internal error returned for results
// over maxBodyBytes.
const codeResultTooLarge = -32603

// MetaKey is the result _meta key carrying scan annotations.
const MetaKey = "mcpgate/scan"

// Tool call outcomes reported to metrics.
const (
	outcomeOK         = "ok"
	outcomeBlocked    = "blocked"
	outcomeSuppressed = "suppressed"
	outcomeAnnotated  = "annotated"
	outcomeError      = "backend_error"
)

// Proxy forwards /v1/{alias}/... to the alias backend.
type Proxy struct {
	alias    string
	prefix   string
	backend  *Backend
	client   *http.Client
	pipeline *intercept.Pipeline
	metrics  *telemetry.Metrics
	logger   *zap.Logger
}

// Option configures a Proxy.
type Option func(*Proxy)

func WithTransport(rt http.RoundTripper) Option {
	return func(p *Proxy) { p.client.Transport = rt }
}

func WithPipeline(pl *intercept.Pipeline) Option {
	return func(p *Proxy) { p.pipeline = pl }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Proxy) { p.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Proxy) { p.logger = l }
}

func New(alias string, backend *Backend, opts ...Option) *Proxy {
	p := &Proxy{
		alias:   alias,
		prefix:  "/v1/" + alias + "/",
		backend: backend,
		client: &http.Client{
			Transport: relay.NewTransport(),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Prefix is the path prefix this proxy serves.
func (p *Proxy) Prefix() string { return p.prefix }

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      map[string]any  `json:"_meta,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

type rpcErrorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   any             `json:"error"`
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, strings.TrimSuffix(p.prefix, "/")), "/")

	if r.Method != http.MethodPost {
		p.forward(w, r, r.Body, rest)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if batchHasToolCall(trimmed) {
			writeRPC(w, rpcErrorResponse{
				JSONRPC: "2.0",
				Error:   intercept.Denial{Code: -32600, Message: "batched tool calls are not supported"},
			})
			return
		}
		p.forward(w, r, bytes.NewReader(body), rest)
		return
	}

	var req rpcRequest
	if err := sonic.Unmarshal(trimmed, &req); err != nil || req.Method != "tools/call" {
		p.forward(w, r, bytes.NewReader(body), rest)
		return
	}
	var params toolCallParams
	if len(req.Params) > 0 {
		if err := sonic.Unmarshal(req.Params, &params); err != nil {
			p.forward(w, r, bytes.NewReader(body), rest)
			return
		}
	}
	p.serveToolCall(w, r, body, rest, &req, &params)
}

func batchHasToolCall(body []byte) bool {
	var batch []rpcRequest
	if err := sonic.Unmarshal(body, &batch); err != nil {
		return false
	}
	for _, req := range batch {
		if req.Method == "tools/call" {
			return true
		}
	}
	return false
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, body io.Reader, rest string) {
	resp, err := p.roundTrip(r.Context(), r, body, rest, "")
	if err != nil {
		if r.Context().Err() == nil {
			p.logger.Warn("backend request failed", logging.Alias(p.alias), zap.Error(err))
		}
		writeError(w, http.StatusBadGateway, "backend unavailable")
		return
	}
	_, _ = relay.CopyResponse(w, resp)
}

func (p *Proxy) roundTrip(ctx context.Context, r *http.Request, body io.Reader, rest, traceparent string) (*http.Response, error) {
	out, err := http.NewRequestWithContext(ctx, r.Method, p.backend.Target(rest, r.URL.RawQuery), body)
	if err != nil {
		return nil, err
	}
	out.Header = r.Header.Clone()
	out.Header.Del("Host")
	if body == r.Body {
		out.ContentLength = r.ContentLength
	}
	for k, v := range p.backend.Headers {
		out.Header.Set(k, v)
	}
	if traceparent != "" {
		out.Header.Set(correlation.Header, traceparent)
	}
	return p.client.Do(out)
}

func (p *Proxy) serveToolCall(w http.ResponseWriter, r *http.Request, body []byte, rest string, req *rpcRequest, params *toolCallParams) {
	call := &intercept.Call{
		Alias:     p.alias,
		RequestID: req.ID,
		Tool:      params.Name,
		Arguments: params.Arguments,
	}

	ctx, tp, end := correlation.Ensure(r.Context(), correlation.FromRequest(r.Header, params.Meta))
	defer end()
	call.Traceparent = tp
	if id, err := correlation.ID(tp); err != nil {
		call.CorrelationErr = err
		p.logger.Debug("no correlation id for tool call", logging.Alias(p.alias), logging.Tool(params.Name), zap.Error(err))
	} else {
		call.CorrelationID = id
	}

	p.pipeline.Before(ctx, call)
	if d := call.Denied(); d != nil {
		p.logger.Info("tool call blocked", logging.Alias(p.alias), logging.Tool(call.Tool), logging.ScanID(call.CorrelationID))
		p.metrics.ToolCall(p.alias, outcomeBlocked)
		writeRPC(w, rpcErrorResponse{JSONRPC: "2.0", ID: call.RequestID, Error: d})
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, p.backend.Timeout)
	defer cancel()
	resp, err := p.roundTrip(callCtx, r, bytes.NewReader(body), rest, tp)
	if err != nil {
		p.metrics.ToolCall(p.alias, outcomeError)
		p.logger.Warn("tool call failed", logging.Alias(p.alias), logging.Tool(call.Tool), zap.Error(err))
		writeError(w, http.StatusBadGateway, "backend unavailable")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mt {
	case "application/json":
		p.finishJSON(ctx, w, resp, call)
	case "text/event-stream":
		p.finishSSE(ctx, w, resp, call)
	default:
		p.metrics.ToolCall(p.alias, outcomeOK)
		_, _ = relay.CopyResponse(w, resp)
	}
}

func (p *Proxy) finishJSON(ctx context.Context, w http.ResponseWriter, resp *http.Response, call *intercept.Call) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		p.metrics.ToolCall(p.alias, outcomeError)
		writeError(w, http.StatusBadGateway, "backend response truncated")
		return
	}
	if len(raw) > maxBodyBytes {
		// An unscanned result never reaches the client.
		p.metrics.ToolCall(p.alias, outcomeError)
		p.logger.Warn("tool result too large", logging.Alias(p.alias), logging.Tool(call.Tool),
			logging.ScanID(call.CorrelationID), zap.Int("limit", maxBodyBytes))
		writeRPC(w, rpcErrorResponse{
			JSONRPC: "2.0",
			ID:      call.RequestID,
			Error:   intercept.Denial{Code: codeResultTooLarge, Message: "tool result exceeds the gateway size limit"},
		})
		return
	}

	out := raw
	var rpc rpcResponse
	if err := sonic.Unmarshal(raw, &rpc); err == nil && (rpc.Result != nil || rpc.Error != nil) {
		var outcome string
		out, outcome = p.complete(ctx, call, &rpc, raw)
		p.metrics.ToolCall(p.alias, outcome)
	} else {
		p.metrics.ToolCall(p.alias, outcomeError)
	}

	h := w.Header()
	copyHeader(h, resp.Header)
	h.Del("Content-Length")
	h.Del("Content-Encoding")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(out)
}

// finishSSE streams the backend events through, running the after hooks
// on the event that carries the response to this call.
func (p *Proxy) finishSSE(ctx context.Context, w http.ResponseWriter, resp *http.Response, call *intercept.Call) {
	h := w.Header()
	copyHeader(h, resp.Header)
	h.Del("Content-Length")
	h.Del("Content-Encoding")
	h.Del("Transfer-Encoding")
	w.WriteHeader(resp.StatusCode)

	rc := http.NewResponseController(w)
	_ = rc.Flush()

	answered := false
	events := newEventReader(resp.Body)
	for {
		ev, err := events.next()
		if len(ev) > 0 {
			if !answered {
				if data, ok := eventData(ev); ok {
					var rpc rpcResponse
					if sonic.UnmarshalString(data, &rpc) == nil && sameID(rpc.ID, call.RequestID) &&
						(rpc.Result != nil || rpc.Error != nil) {
						answered = true
						out, outcome := p.complete(ctx, call, &rpc, []byte(data))
						p.metrics.ToolCall(p.alias, outcome)
						if outcome != outcomeOK {
							ev = replaceData(ev, out)
						}
					}
				}
			}
			if _, werr := w.Write(ev); werr != nil {
				return
			}
			_ = rc.Flush()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				p.logger.Debug("event stream ended", logging.Alias(p.alias), zap.Error(err))
			}
			break
		}
	}
	if !answered {
		p.metrics.ToolCall(p.alias, outcomeError)
	}
}

// complete runs the after hooks and renders the final response payload.
func (p *Proxy) complete(ctx context.Context, call *intercept.Call, rpc *rpcResponse, raw []byte) ([]byte, string) {
	call.Result = rpc.Result
	call.Error = rpc.Error
	p.pipeline.After(ctx, call)

	if d := call.Denied(); d != nil {
		p.logger.Info("tool result suppressed", logging.Alias(p.alias), logging.Tool(call.Tool), logging.ScanID(call.CorrelationID))
		b, err := sonic.Marshal(rpcErrorResponse{JSONRPC: "2.0", ID: rpc.ID, Error: d})
		if err != nil {
			return raw, outcomeError
		}
		return b, outcomeSuppressed
	}

	notes := call.Annotations()
	if len(notes) == 0 || rpc.Result == nil {
		return raw, outcomeOK
	}
	result, err := annotate(rpc.Result, notes)
	if err != nil {
		p.logger.Warn("could not annotate result", logging.Alias(p.alias), zap.Error(err))
		return raw, outcomeOK
	}
	rpc.Result = result
	b, err := sonic.Marshal(rpc)
	if err != nil {
		return raw, outcomeOK
	}
	return b, outcomeAnnotated
}

func annotate(result json.RawMessage, notes map[string]any) (json.RawMessage, error) {
	var m map[string]any
	if err := sonic.Unmarshal(result, &m); err != nil {
		return nil, err
	}
	meta, _ := m["_meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	meta[MetaKey] = notes
	m["_meta"] = meta
	return sonic.Marshal(m)
}

func sameID(a, b json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append([]string(nil), vv...)
	}
}

func writeRPC(w http.ResponseWriter, v rpcErrorResponse) {
	if v.ID == nil {
		v.ID = json.RawMessage("null")
	}
	b, err := sonic.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
