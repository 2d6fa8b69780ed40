package kernel

import (
	"context"
	"time"

	"github.com/codefionn/kernelwire/internal/logger"
	"github.com/codefionn/kernelwire/internal/socket"
)

// runHeartbeat echoes every message back unchanged. Receive errors wait
// for the configured backoff before retrying.
func (k *Kernel) runHeartbeat(ctx context.Context) error {
	log := logger.Slog("heartbeat")
	sock := k.sockets[socket.Heartbeat]
	backoff := k.cfg.HeartbeatBackoff()

	for {
		frames, err := sock.RecvMultipart()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Debug("heartbeat receive failed, retrying", "error_kind", KindTransport, "error", err, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		if err := sock.SendMultipart(frames); err != nil {
			log.Warn("heartbeat echo failed", "error_kind", KindTransport, "error", err)
		}
	}
}
