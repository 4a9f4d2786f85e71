// Package credentials resolves tenant credentials for the operation
// registry.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/actuator/pkg/engine"
)

// ErrNoCredentials is returned for tenants without credentials.
var ErrNoCredentials = errors.New("no credentials for tenant")

// Entry is one tenant's credentials as written in a credentials file. The
// access token may be given inline or through an environment variable.
type Entry struct {
	AccountID      string    `yaml:"account_id" validate:"required"`
	AccessToken    string    `yaml:"access_token" validate:"required_without=AccessTokenEnv"`
	AccessTokenEnv string    `yaml:"access_token_env"`
	RefreshToken   string    `yaml:"refresh_token"`
	ExpiresAt      time.Time `yaml:"expires_at"`
}

// File is the credentials file layout.
type File struct {
	Tenants map[string]Entry `yaml:"tenants" validate:"dive"`
}

// StaticProvider serves credentials from memory.
type StaticProvider struct {
	mu    sync.RWMutex
	creds map[string]engine.Credentials
}

// NewStatic creates a provider from a tenant map.
func NewStatic(creds map[string]engine.Credentials) *StaticProvider {
	p := &StaticProvider{creds: make(map[string]engine.Credentials, len(creds))}
	for tenant, c := range creds {
		p.creds[tenant] = c
	}
	return p
}

// Set replaces a tenant's credentials.
func (p *StaticProvider) Set(tenantID string, creds engine.Credentials) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creds[tenantID] = creds
}

// GetCredentials implements engine.CredentialProvider. Expiry is left to
// the caller.
func (p *StaticProvider) GetCredentials(ctx context.Context, tenantID string) (*engine.Credentials, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	c, ok := p.creds[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCredentials, tenantID)
	}
	return &c, nil
}

// FileProvider serves credentials loaded from a YAML file.
type FileProvider struct {
	*StaticProvider
	path     string
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewFileProvider loads path and returns a provider for it.
func NewFileProvider(path string, logger zerolog.Logger) (*FileProvider, error) {
	p := &FileProvider{
		StaticProvider: NewStatic(nil),
		path:           path,
		validate:       validator.New(),
		logger:         logger.With().Str("component", "credentials").Logger(),
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the credentials file. On error the loaded credentials
// are kept.
func (p *FileProvider) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("failed to read credentials file: %w", err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse credentials file: %w", err)
	}
	if err := p.validate.Struct(file); err != nil {
		return fmt.Errorf("invalid credentials file: %w", err)
	}

	creds := make(map[string]engine.Credentials, len(file.Tenants))
	for tenant, e := range file.Tenants {
		token := e.AccessToken
		if e.AccessTokenEnv != "" {
			token = os.Getenv(e.AccessTokenEnv)
			if token == "" {
				return fmt.Errorf("tenant %s: environment variable %s is empty", tenant, e.AccessTokenEnv)
			}
		}
		creds[tenant] = engine.Credentials{
			AccountID:    e.AccountID,
			AccessToken:  token,
			RefreshToken: e.RefreshToken,
			ExpiresAt:    e.ExpiresAt,
		}
	}

	p.mu.Lock()
	p.creds = creds
	p.mu.Unlock()

	p.logger.Info().
		Int("tenants", len(creds)).
		Str("path", p.path).
		Msg("Credentials loaded")
	return nil
}

var (
	_ engine.CredentialProvider = (*StaticProvider)(nil)
	_ engine.CredentialProvider = (*FileProvider)(nil)
)
