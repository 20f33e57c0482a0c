// Package acme obtains and renews the front door's TLS certificate.
package acme

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/caddyserver/certmagic"
	certmagicsqlite "github.com/rsclarke/certmagic-sqlite"
	"go.uber.org/zap"
)

var ErrNoDomain = errors.New("acme: domain is required")

// Manager obtains a certificate for one domain with HTTP-01 or TLS-ALPN-01
// and keeps it in the gateway's sqlite database.
type Manager struct {
	Domain  string
	Email   string
	Staging bool
	DB      *sql.DB
	Logger  *zap.Logger

	config *certmagic.Config
	issuer *certmagic.ACMEIssuer
}

// SetLogger configures the global certmagic loggers.
// Call this before starting any HTTP servers that handle ACME challenges.
func SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	certmagic.Default.Logger = logger
	certmagic.DefaultACME.Logger = logger
}

func NewManager(domain, email string, db *sql.DB, staging bool, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	SetLogger(logger)
	return &Manager{
		Domain:  domain,
		Email:   email,
		Staging: staging,
		DB:      db,
		Logger:  logger,
	}
}

// CA returns the directory URL the manager issues against.
func (m *Manager) CA() string {
	if m.Staging {
		return certmagic.LetsEncryptStagingCA
	}
	return certmagic.LetsEncryptProductionCA
}

// Prepare builds the certmagic config without contacting the CA. Manage
// calls it when needed.
func (m *Manager) Prepare() error {
	if m.config != nil {
		return nil
	}
	if m.Domain == "" {
		return ErrNoDomain
	}

	hostname, _ := os.Hostname()
	storage, err := certmagicsqlite.NewWithDB(m.DB, certmagicsqlite.WithOwnerID(hostname))
	if err != nil {
		return fmt.Errorf("create certmagic storage: %w", err)
	}

	cfg := certmagic.NewDefault()
	cfg.Storage = storage
	cfg.Logger = m.Logger

	m.issuer = certmagic.NewACMEIssuer(cfg, certmagic.ACMEIssuer{
		CA:     m.CA(),
		Email:  m.Email,
		Agreed: true,
		Logger: m.Logger,
	})
	cfg.Issuers = []certmagic.Issuer{m.issuer}
	m.config = cfg
	return nil
}

// Manage obtains the certificate, blocking until it is available, and
// keeps renewing it in the background.
func (m *Manager) Manage(ctx context.Context) error {
	if err := m.Prepare(); err != nil {
		return err
	}
	if err := m.config.ManageSync(ctx, []string{m.Domain}); err != nil {
		return fmt.Errorf("manage certificate for %s: %w", m.Domain, err)
	}
	return nil
}

// TLSConfig returns a TLS configuration that serves the managed
// certificate and answers TLS-ALPN challenges. It is nil before Prepare.
func (m *Manager) TLSConfig() *tls.Config {
	if m.config == nil {
		return nil
	}
	tc := m.config.TLSConfig()
	tc.NextProtos = append([]string{"h2", "http/1.1"}, tc.NextProtos...)
	return tc
}

// HTTPChallengeHandler answers HTTP-01 challenges and passes everything
// else to next.
func (m *Manager) HTTPChallengeHandler(next http.Handler) http.Handler {
	if m.issuer == nil {
		return next
	}
	return m.issuer.HTTPChallengeHandler(next)
}
