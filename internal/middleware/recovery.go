package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/R3E-Network/colorwheel/internal/errors"
	internalhttputil "github.com/R3E-Network/colorwheel/internal/httputil"
	"github.com/R3E-Network/colorwheel/internal/logging"
)

// RecoveryMiddleware turns a handler panic into a logged 500 response.
type RecoveryMiddleware struct {
	logger *logging.Logger
}

func NewRecoveryMiddleware(logger *logging.Logger) *RecoveryMiddleware {
	return &RecoveryMiddleware{logger: logger}
}

// Handler returns the recovery middleware handler. http.ErrAbortHandler is
// re-raised so net/http can abort the connection quietly.
func (m *RecoveryMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			serviceErr := errors.Internal("internal server error", fmt.Errorf("panic: %v", rec))
			m.logger.WithContext(r.Context()).
				WithError(serviceErr).
				WithField("path", r.URL.Path).
				WithField("stack", string(debug.Stack())).
				Error("handler panic recovered")

			internalhttputil.InternalError(w, serviceErr.Message)
		}()

		next.ServeHTTP(w, r)
	})
}
