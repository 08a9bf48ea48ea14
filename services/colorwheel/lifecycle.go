package colorwheel

import (
	"context"
	"time"
)

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches the broadcaster and the limiter cleanup schedule. Calling it
// again has no effect.
func (s *Service) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.startTime = time.Now()

		if s.broadcaster != nil {
			s.broadcaster.Start(ctx)
			s.unsubscribeRelay = s.store.Subscribe(s.broadcaster.Enqueue)
		}
		s.scheduler.Start()

		s.logger.WithFields(map[string]interface{}{
			"version":   Version,
			"broadcast": s.broadcaster != nil,
		}).Info("colorwheel service started")
	})
	return nil
}

// Stop disconnects stream clients and stops background work. It is idempotent.
func (s *Service) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)

		if s.unsubscribeRelay != nil {
			s.unsubscribeRelay()
		}
		if s.broadcaster != nil {
			s.broadcaster.Stop()
		}
		<-s.scheduler.Stop().Done()
		s.hub.Close()

		s.logger.Info("colorwheel service stopped")
	})
	return nil
}
