package app

import (
	"context"
	"time"

	"github.com/dkeye/VoiceSFU/internal/engine"
	"github.com/rs/zerolog/log"
)

// WatchWorker blocks until the worker dies or ctx is done. A dead worker
// invalidates every router in the process, so exit(1) is called after
// grace to let in-flight cleanup and logging finish.
func WatchWorker(ctx context.Context, w engine.Worker, grace time.Duration, exit func(int)) {
	select {
	case <-ctx.Done():
		return
	case err := <-w.Died():
		log.Error().Str("module", "app.watchdog").Err(err).Dur("grace", grace).Msg("media worker died, exiting")
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	<-t.C
	exit(1)
}
