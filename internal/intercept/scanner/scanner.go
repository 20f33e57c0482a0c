// Package scanner is the interceptor that classifies tool input and output,
// records the verdicts in the audit store and applies the threat policies.
package scanner

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rsclarke/mcpgate/internal/audit"
	"github.com/rsclarke/mcpgate/internal/classifier"
	"github.com/rsclarke/mcpgate/internal/intercept"
	"github.com/rsclarke/mcpgate/internal/logging"
	"github.com/rsclarke/mcpgate/internal/telemetry"
)

// FailurePolicy decides what happens to a call when the classifier fails.
type FailurePolicy string

const (
	FailOpen   FailurePolicy = "open"
	FailClosed FailurePolicy = "closed"
)

// InputAction applies to a threat found in tool input.
type InputAction string

const (
	InputBlock    InputAction = "block"
	InputAnnotate InputAction = "annotate"
)

// OutputAction applies to a threat found in tool output.
type OutputAction string

const (
	OutputSuppress OutputAction = "suppress"
	OutputAnnotate OutputAction = "annotate"
)

// CheckName keys this scanner's verdicts under each text type.
const CheckName = "classifier"

// Verdict labels reported to metrics.
const (
	verdictThreat  = "threat"
	verdictClean   = "clean"
	verdictError   = "error"
	verdictSkipped = "skipped"
)

// Policies supplies the policy descriptions for an alias.
type Policies interface {
	Descriptions(alias string) []string
}

// Options are the scanner's policy switches.
type Options struct {
	Failure  FailurePolicy
	OnInput  InputAction
	OnOutput OutputAction
}

// Validate checks the switches. A failure policy is required whenever a
// classifier is configured.
func (o Options) Validate(hasClassifier bool) error {
	switch o.Failure {
	case FailOpen, FailClosed:
	case "":
		if hasClassifier {
			return errors.New("classifier failure policy must be set to open or closed")
		}
	default:
		return fmt.Errorf("invalid classifier failure policy %q", o.Failure)
	}
	switch o.OnInput {
	case InputBlock, InputAnnotate:
	default:
		return fmt.Errorf("invalid input threat action %q", o.OnInput)
	}
	switch o.OnOutput {
	case OutputSuppress, OutputAnnotate:
	default:
		return fmt.Errorf("invalid output threat action %q", o.OnOutput)
	}
	return nil
}

// Scanner implements intercept.BeforeCallHook and intercept.AfterCallHook.
type Scanner struct {
	classifier classifier.Classifier
	store      audit.Store
	policies   Policies
	opts       Options
	metrics    *telemetry.Metrics
	logger     *zap.Logger
}

var (
	_ intercept.BeforeCallHook   = (*Scanner)(nil)
	_ intercept.AfterCallHook    = (*Scanner)(nil)
	_ intercept.ConfigurableHook = (*Scanner)(nil)
)

// New creates a scanner. A nil classifier records texts without verdicts.
func New(c classifier.Classifier, store audit.Store, policies Policies, opts Options, metrics *telemetry.Metrics, logger *zap.Logger) (*Scanner, error) {
	if err := opts.Validate(c != nil); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		classifier: c,
		store:      store,
		policies:   policies,
		opts:       opts,
		metrics:    metrics,
		logger:     logger,
	}, nil
}

func (s *Scanner) ID() string { return "scanner" }

func (s *Scanner) Config() map[string]any {
	return map[string]any{
		"classifier":         s.classifier != nil,
		"classifier_failure": string(s.opts.Failure),
		"on_input_threat":    string(s.opts.OnInput),
		"on_output_threat":   string(s.opts.OnOutput),
	}
}

func (s *Scanner) BeforeCall(ctx context.Context, c *intercept.Call) error {
	text := InputText(c)
	v, err := s.scan(ctx, c, audit.TextInput, text)
	if err != nil {
		if s.opts.Failure == FailClosed {
			c.Deny(intercept.Denial{Code: intercept.CodeBlocked, Message: "input scan failed"})
		}
		return err
	}
	if v == nil || !v.Threat {
		return nil
	}

	s.logger.Warn("threat in tool input",
		logging.Alias(c.Alias), logging.Tool(c.Tool), logging.ScanID(c.CorrelationID),
		zap.Float64("rating", v.Rating), zap.String("category", v.Category))
	if s.opts.OnInput == InputBlock {
		c.Deny(intercept.Denial{Code: intercept.CodeBlocked, Message: "attack detected in tool input", Data: v.Map()})
		return nil
	}
	c.Annotate(audit.TextInput, v.Map())
	return nil
}

func (s *Scanner) AfterCall(ctx context.Context, c *intercept.Call) error {
	if c.Denied() != nil && c.Result == nil && c.Error == nil {
		return nil
	}
	text := OutputText(c)
	v, err := s.scan(ctx, c, audit.TextOutput, text)
	if err != nil {
		if s.opts.Failure == FailClosed {
			c.Deny(intercept.Denial{Code: intercept.CodeSuppressed, Message: "output scan failed"})
		}
		return err
	}
	if v == nil || !v.Threat {
		return nil
	}

	s.logger.Warn("threat in tool output",
		logging.Alias(c.Alias), logging.Tool(c.Tool), logging.ScanID(c.CorrelationID),
		zap.Float64("rating", v.Rating), zap.String("category", v.Category))
	if s.opts.OnOutput == OutputSuppress {
		c.Deny(intercept.Denial{Code: intercept.CodeSuppressed, Message: "attack detected in tool output", Data: v.Map()})
		return nil
	}
	c.Annotate(audit.TextOutput, v.Map())
	return nil
}

// scan classifies text and records it. Storage is skipped when the call
// has no correlation id. A classifier failure still records the text;
// storage failures are logged and do not count as scan failures.
func (s *Scanner) scan(ctx context.Context, c *intercept.Call, textType, text string) (*classifier.Verdict, error) {
	var (
		v       *classifier.Verdict
		scanErr error
	)
	if s.classifier != nil {
		turns := []classifier.Turn{{Role: "user", Content: text}}
		var descriptions []string
		if s.policies != nil {
			descriptions = s.policies.Descriptions(c.Alias)
		}
		v, scanErr = s.classifier.Classify(ctx, turns, descriptions)
	}

	switch {
	case scanErr != nil:
		s.metrics.Scan(textType, verdictError)
	case v == nil:
		s.metrics.Scan(textType, verdictSkipped)
	case v.Threat:
		s.metrics.Scan(textType, verdictThreat)
	default:
		s.metrics.Scan(textType, verdictClean)
	}

	if c.CorrelationID == "" {
		s.logger.Debug("audit skipped",
			logging.Alias(c.Alias), logging.TextType(textType), zap.Error(c.CorrelationErr))
	} else {
		tree := map[string]any{}
		if v != nil {
			tree[textType] = map[string]any{CheckName: v.Map()}
		}
		if _, err := s.store.Store(ctx, c.CorrelationID, textType, text, tree); err != nil {
			s.logger.Error("failed to store scan",
				logging.Alias(c.Alias), logging.ScanID(c.CorrelationID), logging.TextType(textType), zap.Error(err))
		}
	}
	return v, scanErr
}

// InputText renders the tool invocation for classification.
func InputText(c *intercept.Call) string {
	if len(c.Arguments) == 0 {
		return c.Tool
	}
	return c.Tool + " " + string(c.Arguments)
}

// OutputText renders the backend answer for classification.
func OutputText(c *intercept.Call) string {
	if len(c.Result) > 0 {
		return string(c.Result)
	}
	return string(c.Error)
}
