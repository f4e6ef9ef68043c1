package auth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/ardzix/masjid-display-service/internal/logging"
)

// OIDCConfig holds OIDC provider configuration.
type OIDCConfig struct {
	IssuerURL  string // e.g. https://keycloak.example.com/realms/masjid
	ClientID   string
	AdminClaim string // claim key for admin status (default: "is_admin")
	AdminValue string // claim value that indicates admin (default: "true")
}

// OIDCProvider validates OIDC ID tokens.
type OIDCProvider struct {
	verifier *oidc.IDTokenVerifier
	config   OIDCConfig
}

// NewOIDCProvider creates an OIDC provider from config.
// Returns nil if IssuerURL is empty (OIDC disabled).
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	if cfg.IssuerURL == "" {
		return nil, nil
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider init: %w", err)
	}

	if cfg.AdminClaim == "" {
		cfg.AdminClaim = "is_admin"
	}
	if cfg.AdminValue == "" {
		cfg.AdminValue = "true"
	}

	logging.Info("OIDC provider initialized",
		zap.String("issuer", cfg.IssuerURL),
		zap.String("client_id", cfg.ClientID))

	return &OIDCProvider{
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		config:   cfg,
	}, nil
}

// ValidateToken verifies an OIDC ID token and maps it to Claims. The
// subject becomes the upload owner.
func (o *OIDCProvider) ValidateToken(ctx context.Context, tokenStr string) (*Claims, error) {
	idToken, err := o.verifier.Verify(ctx, tokenStr)
	if err != nil {
		return nil, err
	}

	var std struct {
		PreferredUsername string `json:"preferred_username"`
		Email             string `json:"email"`
	}
	if err := idToken.Claims(&std); err != nil {
		return nil, fmt.Errorf("parse oidc claims: %w", err)
	}
	var raw map[string]interface{}
	if err := idToken.Claims(&raw); err != nil {
		return nil, fmt.Errorf("parse oidc claims: %w", err)
	}

	username := std.PreferredUsername
	if username == "" {
		username = std.Email
	}
	if username == "" {
		username = idToken.Subject
	}

	return &Claims{
		Username: username,
		IsAdmin:  o.isAdmin(raw),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: idToken.Subject,
			Issuer:  idToken.Issuer,
		},
	}, nil
}

func (o *OIDCProvider) isAdmin(raw map[string]interface{}) bool {
	val, ok := raw[o.config.AdminClaim]
	if !ok {
		return false
	}
	return fmt.Sprintf("%v", val) == o.config.AdminValue
}

// SetOIDCProvider sets the OIDC provider on the Auth handler.
func (a *Auth) SetOIDCProvider(p *OIDCProvider) {
	a.oidc = p
}

// HasOIDC returns true if an OIDC provider is configured.
func (a *Auth) HasOIDC() bool {
	return a.oidc != nil
}
