// Package middleware provides HTTP middleware for the color service.
package middleware

import (
	"context"
	"net/http"

	"github.com/R3E-Network/colorwheel/internal/errors"
	"github.com/R3E-Network/colorwheel/internal/extauth"
	internalhttputil "github.com/R3E-Network/colorwheel/internal/httputil"
	"github.com/R3E-Network/colorwheel/internal/logging"
)

type claimsKey struct{}

// TokenQueryParam carries the bearer token on routes that cannot set headers
// (browser websocket handshakes).
const TokenQueryParam = "token"

// AuthFailureRecorder receives the error code of every rejected request.
type AuthFailureRecorder interface {
	RecordAuthFailure(code string)
}

// AuthMiddleware verifies extension tokens and stores the claims in the request context.
type AuthMiddleware struct {
	verifier        *extauth.Verifier
	logger          *logging.Logger
	recorder        AuthFailureRecorder
	skipPaths       map[string]bool
	queryTokenPaths map[string]bool
}

// AuthConfig configures AuthMiddleware.
type AuthConfig struct {
	Verifier *extauth.Verifier
	Logger   *logging.Logger
	Recorder AuthFailureRecorder // optional
	// SkipPaths are served without authentication.
	SkipPaths []string
	// QueryTokenPaths also accept the token from the TokenQueryParam query parameter.
	QueryTokenPaths []string
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(cfg AuthConfig) *AuthMiddleware {
	return &AuthMiddleware{
		verifier:        cfg.Verifier,
		logger:          cfg.Logger,
		recorder:        cfg.Recorder,
		skipPaths:       toSet(cfg.SkipPaths),
		queryTokenPaths: toSet(cfg.QueryTokenPaths),
	}
}

// Handler returns the middleware handler.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" && m.queryTokenPaths[r.URL.Path] {
			if token := r.URL.Query().Get(TokenQueryParam); token != "" {
				header = extauth.BearerPrefix + token
			}
		}

		claims, err := m.verifier.Verify(header)
		if err != nil {
			m.rejectAuth(w, r, err)
			return
		}

		if claims.ChannelID == "" {
			m.respondError(w, r, errors.BadRequest("missing channel_id"))
			return
		}
		if claims.OpaqueUserID == "" {
			m.respondError(w, r, errors.BadRequest("missing opaque_user_id"))
			return
		}

		ctx := WithClaims(r.Context(), claims)
		m.logger.WithContext(ctx).Debug("Authentication successful")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rejectAuth logs the precise cause and answers with a cause-free 401.
func (m *AuthMiddleware) rejectAuth(w http.ResponseWriter, r *http.Request, err error) {
	code := string(errors.CodeUnauthorized)
	if se := errors.GetServiceError(err); se != nil {
		code = string(se.Code)
	}
	if m.recorder != nil {
		m.recorder.RecordAuthFailure(code)
	}

	m.logger.WithContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"code":   code,
	}).Warn("Authentication failed")

	internalhttputil.Unauthorized(w, "")
}

func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, serviceErr *errors.ServiceError) {
	internalhttputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)

	m.logger.WithContext(r.Context()).WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"status": serviceErr.HTTPStatus,
	}).Warn(serviceErr.Message)
}

// GetClaims returns the verified claims stored by AuthMiddleware, or nil.
func GetClaims(ctx context.Context) *extauth.Claims {
	c, _ := ctx.Value(claimsKey{}).(*extauth.Claims)
	return c
}

// WithClaims stores claims in ctx the same way AuthMiddleware does.
func WithClaims(ctx context.Context, claims *extauth.Claims) context.Context {
	ctx = context.WithValue(ctx, claimsKey{}, claims)
	ctx = logging.WithUserID(ctx, claims.OpaqueUserID)
	ctx = logging.WithChannelID(ctx, claims.ChannelID)
	if claims.Role != "" {
		ctx = logging.WithRole(ctx, claims.Role)
	}
	return ctx
}

// GetUserID extracts the opaque viewer id from context.
func GetUserID(ctx context.Context) string {
	return logging.GetUserID(ctx)
}

// GetChannelID extracts the channel id from context.
func GetChannelID(ctx context.Context) string {
	return logging.GetChannelID(ctx)
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
