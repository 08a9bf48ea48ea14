package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/cors"
)

const corsPreflightMaxAge = 3600

// CORSMiddleware handles Cross-Origin Resource Sharing. Extension frontends are
// served from the platform's CDN, so the default configuration allows any origin.
type CORSMiddleware struct {
	cors *cors.Cors
}

// NewCORSMiddleware creates a CORS middleware. "*" allows every origin and an
// entry starting with "." matches any subdomain of it. Entries are compared
// case-insensitively and without a trailing slash.
func NewCORSMiddleware(allowedOrigins []string) *CORSMiddleware {
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = normalizeOrigin(origin)
		switch {
		case origin == "":
		case strings.HasPrefix(origin, "."):
			origins = append(origins, "*"+origin)
		default:
			origins = append(origins, origin)
		}
	}

	opts := cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", TraceHeader},
		ExposedHeaders: []string{TraceHeader},
		MaxAge:         corsPreflightMaxAge,
	}
	if len(origins) == 0 {
		// go-chi/cors reads an empty list as "*".
		opts.AllowOriginFunc = func(*http.Request, string) bool { return false }
	}
	return &CORSMiddleware{cors: cors.New(opts)}
}

// Handler answers preflight requests itself and decorates the rest.
func (m *CORSMiddleware) Handler(next http.Handler) http.Handler {
	return m.cors.Handler(next)
}

func normalizeOrigin(origin string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(origin)), "/")
}
