package intercept

import (
	"context"

	"go.uber.org/zap"

	"github.com/rsclarke/mcpgate/internal/logging"
)

// Pipeline runs registered hooks in registration order.
type Pipeline struct {
	hooks  []Hook
	before []BeforeCallHook
	after  []AfterCallHook
	logger *zap.Logger
}

// NewPipeline creates a new Pipeline with the given logger.
func NewPipeline(logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		logger: logger,
		hooks:  make([]Hook, 0),
		before: make([]BeforeCallHook, 0),
		after:  make([]AfterCallHook, 0),
	}
}

// Register detects which capability interfaces a hook implements and adds
// it to the matching lists. Register must not be called once the pipeline
// is serving.
func (p *Pipeline) Register(h Hook) {
	p.hooks = append(p.hooks, h)
	if hook, ok := h.(BeforeCallHook); ok {
		p.before = append(p.before, hook)
	}
	if hook, ok := h.(AfterCallHook); ok {
		p.after = append(p.after, hook)
	}
}

// ListHooks returns metadata about all registered hooks.
func (p *Pipeline) ListHooks() []HookInfo {
	infos := make([]HookInfo, 0, len(p.hooks))
	for _, h := range p.hooks {
		info := HookInfo{ID: h.ID()}
		_, info.Before = h.(BeforeCallHook)
		_, info.After = h.(AfterCallHook)
		if ch, ok := h.(ConfigurableHook); ok {
			info.Config = ch.Config()
		}
		infos = append(infos, info)
	}
	return infos
}

// Empty reports whether no hooks are registered.
func (p *Pipeline) Empty() bool { return p == nil || len(p.hooks) == 0 }

// Before runs BeforeCall hooks until one denies the call.
func (p *Pipeline) Before(ctx context.Context, c *Call) {
	if p == nil {
		return
	}
	for _, hook := range p.before {
		if err := hook.BeforeCall(ctx, c); err != nil {
			p.logger.Warn("before call hook error",
				zap.String("hook", hookID(hook)),
				logging.Alias(c.Alias),
				logging.Tool(c.Tool),
				zap.Error(err))
		}
		if c.Denied() != nil {
			return
		}
	}
}

// After runs every AfterCall hook. A denial does not skip later hooks so
// each of them still sees the backend result.
func (p *Pipeline) After(ctx context.Context, c *Call) {
	if p == nil {
		return
	}
	for _, hook := range p.after {
		if err := hook.AfterCall(ctx, c); err != nil {
			p.logger.Warn("after call hook error",
				zap.String("hook", hookID(hook)),
				logging.Alias(c.Alias),
				logging.Tool(c.Tool),
				zap.Error(err))
		}
	}
}

func hookID(hook any) string {
	if h, ok := hook.(Hook); ok {
		return h.ID()
	}
	return "unknown"
}
