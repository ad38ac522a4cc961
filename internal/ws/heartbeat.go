package ws

import (
	"time"

	"github.com/kindred/chat-relay/internal/log"
)

// HeartbeatConfig controls idle detection. A connection with no frame read
// for Interval+Timeout is dropped; the rest are pinged every Interval.
type HeartbeatConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// heartbeat sweeps connections every Interval until the server stops.
func (s *Server) heartbeat(cfg HeartbeatConfig) {
	if cfg.Interval <= 0 {
		cfg = DefaultHeartbeatConfig()
	}
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.sweepIdle(cfg, now)
		}
	}
}

// sweepIdle drops stale connections and pings live ones. Clients answer the
// ping with a pong frame, which counts as activity.
func (s *Server) sweepIdle(cfg HeartbeatConfig, now time.Time) {
	limit := cfg.Interval + cfg.Timeout
	logger := log.Component("ws")

	for _, c := range s.Connections().All() {
		if idle := now.Sub(c.LastSeen()); idle > limit {
			logger.Info().
				Str(log.FieldConnID, c.ID).
				Str(log.FieldUserID, c.UserID).
				Dur("idle", idle.Round(time.Second)).
				Msg("dropping idle connection")
			s.RemoveConnection(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			logger.Debug().Err(err).Str(log.FieldConnID, c.ID).Msg("ping failed")
			s.RemoveConnection(c)
		}
	}
}
