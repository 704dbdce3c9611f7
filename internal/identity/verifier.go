// Package identity authenticates bearer ID tokens, applies the email
// allowlist and resolves the caller's stored household role.
package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"familymeal/api/internal/apperr"
	"familymeal/api/internal/auth"
	"familymeal/api/internal/logging"
	"familymeal/api/internal/policy"
	"familymeal/api/internal/store"
)

// Identity is a verified caller.
type Identity struct {
	UID       string
	Email     string
	Name      string
	TokenKey  string
	ExpiresAt time.Time
}

type profileReader interface {
	GetProfile(ctx context.Context, uid string) (store.UserProfile, error)
}

// Revocations answers whether a token has been signed out.
type Revocations interface {
	Revoke(ctx context.Context, tokenKey, userID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenKey string) (bool, error)
}

type Config struct {
	Secret        []byte
	Issuer        string
	Audience      string
	AllowedEmails []string
	// FailClosed denies everyone while AllowedEmails is empty.
	FailClosed bool
}

type Verifier struct {
	secret      []byte
	parseOpts   []jwt.ParserOption
	allowlist   map[string]struct{}
	failClosed  bool
	profiles    profileReader
	revocations Revocations
	logger      logging.Logger
}

func NewVerifier(cfg Config, profiles profileReader, revocations Revocations, logger logging.Logger) *Verifier {
	allowlist := make(map[string]struct{}, len(cfg.AllowedEmails))
	for _, email := range cfg.AllowedEmails {
		email = strings.ToLower(strings.TrimSpace(email))
		if email != "" {
			allowlist[email] = struct{}{}
		}
	}
	var opts []jwt.ParserOption
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Verifier{
		secret:      cfg.Secret,
		parseOpts:   opts,
		allowlist:   allowlist,
		failClosed:  cfg.FailClosed,
		profiles:    profiles,
		revocations: revocations,
		logger:      logger,
	}
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// Verify authenticates the request's bearer token.
func (v *Verifier) Verify(r *http.Request) (Identity, error) {
	return v.VerifyToken(r.Context(), BearerToken(r))
}

func (v *Verifier) VerifyToken(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, apperr.Unauthenticated("Missing bearer token")
	}
	claims, err := auth.ParseToken(v.secret, token, v.parseOpts...)
	if err != nil {
		return Identity{}, apperr.Unauthenticated("Invalid or expired token")
	}

	tokenKey := claims.ID
	if tokenKey == "" {
		tokenKey = auth.HashToken(token)
	}
	if v.revocations != nil {
		revoked, err := v.revocations.IsRevoked(ctx, tokenKey)
		if err != nil {
			return Identity{}, apperr.Internal(err)
		}
		if revoked {
			return Identity{}, apperr.Unauthenticated("Token has been revoked")
		}
	}

	email := strings.ToLower(strings.TrimSpace(claims.Email))
	if !v.emailAllowed(email) {
		v.logger.Warn(ctx, "email not on allowlist", "uid", claims.Subject)
		return Identity{}, apperr.Forbidden("Account is not allowed")
	}

	identity := Identity{
		UID:      claims.Subject,
		Email:    email,
		Name:     claims.Name,
		TokenKey: tokenKey,
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}

func (v *Verifier) emailAllowed(email string) bool {
	if len(v.allowlist) == 0 {
		return !v.failClosed
	}
	_, ok := v.allowlist[email]
	return ok
}

// Revoke signs the identity's token out until it expires.
func (v *Verifier) Revoke(ctx context.Context, id Identity) error {
	if v.revocations == nil {
		return apperr.Unavailable("Sign-out is not available")
	}
	return v.revocations.Revoke(ctx, id.TokenKey, id.UID, id.ExpiresAt)
}

// ResolveRole returns the stored role ("" when not chosen yet). It fails
// Forbidden when the caller has no profile.
func (v *Verifier) ResolveRole(ctx context.Context, uid string) (string, error) {
	profile, err := v.profiles.GetProfile(ctx, uid)
	if errors.Is(err, store.ErrNotFound) {
		return "", apperr.Forbidden("User profile is required")
	}
	if err != nil {
		return "", err
	}
	return profile.RoleValue(), nil
}

// RequireRole is ResolveRole plus a check that the role is a known one.
func (v *Verifier) RequireRole(ctx context.Context, uid string) (policy.Role, error) {
	role, err := v.ResolveRole(ctx, uid)
	if err != nil {
		return "", err
	}
	if !policy.ValidRole(role) {
		return "", apperr.Forbidden("A valid household role is required")
	}
	return policy.Role(role), nil
}

// Actor builds the policy view of the caller. A missing profile is not an
// error here; the policy decides what a profile-less caller may do.
func (v *Verifier) Actor(ctx context.Context, id Identity) (policy.Actor, error) {
	actor := policy.Actor{UID: id.UID, Email: id.Email}
	profile, err := v.profiles.GetProfile(ctx, id.UID)
	if errors.Is(err, store.ErrNotFound) {
		return actor, nil
	}
	if err != nil {
		return policy.Actor{}, err
	}
	actor.HasProfile = true
	actor.Role = profile.RoleValue()
	return actor, nil
}
