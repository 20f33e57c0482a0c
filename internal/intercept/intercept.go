// Package intercept defines the hooks that observe every tool invocation
// passing through a per-alias listener.
package intercept

import (
	"context"
	"encoding/json"
)

// Hook is the base interface all interceptors implement.
type Hook interface {
	ID() string
}

// BeforeCallHook runs after the call is parsed and before it is forwarded.
type BeforeCallHook interface {
	BeforeCall(ctx context.Context, c *Call) error
}

// AfterCallHook runs after the backend answers, before the answer is
// written to the client.
type AfterCallHook interface {
	AfterCall(ctx context.Context, c *Call) error
}

// ConfigurableHook is an optional interface for hooks that expose their
// settings.
type ConfigurableHook interface {
	Config() map[string]any
}

// HookInfo describes a registered hook.
type HookInfo struct {
	ID     string         `json:"id"`
	Before bool           `json:"before"`
	After  bool           `json:"after"`
	Config map[string]any `json:"config,omitempty"`
}

// JSON-RPC error codes used for denials.
const (
	CodeBlocked    = -32001
	CodeSuppressed = -32002
)

// Denial replaces the tool result with a JSON-RPC error.
type Denial struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Call is one tools/call invocation.
type Call struct {
	Alias string
	// CorrelationID keys the audit record. It is empty when
	// CorrelationErr is set.
	CorrelationID  string
	CorrelationErr error
	Traceparent    string

	RequestID json.RawMessage
	Tool      string
	Arguments json.RawMessage

	// Result and Error hold the backend's JSON-RPC answer.
	Result json.RawMessage
	Error  json.RawMessage

	denial      *Denial
	annotations map[string]any
}

// Deny stops the call. The first denial wins.
func (c *Call) Deny(d Denial) {
	if c.denial == nil {
		c.denial = &d
	}
}

// Denied returns the denial, or nil.
func (c *Call) Denied() *Denial { return c.denial }

// Annotate attaches v under key to the result's _meta.
func (c *Call) Annotate(key string, v any) {
	if c.annotations == nil {
		c.annotations = map[string]any{}
	}
	c.annotations[key] = v
}

// Annotations returns everything attached with Annotate.
func (c *Call) Annotations() map[string]any { return c.annotations }
