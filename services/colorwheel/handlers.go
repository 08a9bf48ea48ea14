package colorwheel

import (
	"net/http"
	"time"

	"github.com/R3E-Network/colorwheel/internal/httputil"
	"github.com/R3E-Network/colorwheel/internal/middleware"
)

// =============================================================================
// HTTP Handlers
// =============================================================================

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Channels  int    `json:"channels"`
	Timestamp string `json:"timestamp"`
}

func (s *Service) handleCycle(w http.ResponseWriter, r *http.Request) {
	channelID := middleware.GetChannelID(r.Context())

	s.logger.WithContext(r.Context()).Debug("Cycling color")
	hex := s.store.Advance(channelID)
	s.metrics.RecordCycle(s.store.Len())

	httputil.WriteText(w, http.StatusOK, hex)
}

func (s *Service) handleQuery(w http.ResponseWriter, r *http.Request) {
	channelID := middleware.GetChannelID(r.Context())

	hex := s.store.Read(channelID)
	s.logger.WithContext(r.Context()).WithField("color", hex).Debug("Sending color")
	s.metrics.RecordQuery()

	httputil.WriteText(w, http.StatusOK, hex)
}

func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, middleware.GetChannelID(r.Context()))
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	select {
	case <-s.stopCh:
		status = "stopping"
	default:
	}

	var uptime time.Duration
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second)
	}

	httputil.WriteJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Service:   ServiceID,
		Version:   Version,
		Uptime:    uptime.String(),
		Channels:  s.store.Len(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
