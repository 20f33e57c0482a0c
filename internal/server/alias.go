package server

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/rsclarke/mcpgate/internal/fleet"
	"github.com/rsclarke/mcpgate/internal/intercept"
	"github.com/rsclarke/mcpgate/internal/logging"
	"github.com/rsclarke/mcpgate/internal/proxy"
	"github.com/rsclarke/mcpgate/internal/telemetry"
)

var ErrInvalidAlias = errors.New("invalid alias")

const maxAliasLength = 64

// ValidAlias reports whether alias can be used as a single path segment.
func ValidAlias(alias string) error {
	if alias == "" || len(alias) > maxAliasLength {
		return fmt.Errorf("%w: %q", ErrInvalidAlias, alias)
	}
	for _, c := range alias {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidAlias, alias)
		}
	}
	if alias == "." || alias == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidAlias, alias)
	}
	return nil
}

// AliasDeps is shared by every per-alias listener.
type AliasDeps struct {
	Pipeline  *intercept.Pipeline
	Metrics   *telemetry.Metrics
	Transport http.RoundTripper
	Logger    *zap.Logger
}

// AliasFactory builds loopback listeners that serve /v1/{alias}/ through a
// backend proxy.
func AliasFactory(deps AliasDeps) fleet.ListenerFactory {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(alias string, spec fleet.Spec, port int) (fleet.Listener, error) {
		if err := ValidAlias(alias); err != nil {
			return nil, err
		}
		backend, err := proxy.ParseBackend(spec)
		if err != nil {
			return nil, err
		}

		l := logger.With(logging.Alias(alias), logging.Port(port))
		opts := []proxy.Option{
			proxy.WithPipeline(deps.Pipeline),
			proxy.WithMetrics(deps.Metrics),
			proxy.WithLogger(l.Named("proxy")),
		}
		if deps.Transport != nil {
			opts = append(opts, proxy.WithTransport(deps.Transport))
		}
		p := proxy.New(alias, backend, opts...)

		mux := http.NewServeMux()
		mux.Handle(p.Prefix(), p)
		mux.Handle("/v1/"+alias, p)
		mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "alias": alias})
		})

		handler := telemetry.WrapHandler("mcpgate."+alias, mux)
		return NewManagedServer(alias, AliasServerConfig(port, handler, l)), nil
	}
}
