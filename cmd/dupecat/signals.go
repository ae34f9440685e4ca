package main

import (
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ivoronin/dupecat/internal/engine"
)

const stopNotice = "stopping: in-flight reads are abandoned, committed work is kept; interrupt again to exit immediately"

// handleSignals maps process signals onto engine controls. The first
// interrupt stops the scan: in-flight reads are abandoned and everything
// already committed is kept. The second exits at once.
// The returned function unregisters the handler.
func handleSignals(eng *engine.Engine, logger *zap.Logger) func() {
	sigs := []os.Signal{os.Interrupt, syscall.SIGTERM}
	if pauseSignal != nil {
		sigs = append(sigs, pauseSignal, resumeSignal)
	}

	ch := make(chan os.Signal, 2)
	signal.Notify(ch, sigs...)
	done := make(chan struct{})

	go func() {
		stopping := false
		for {
			select {
			case <-done:
				return
			case sig := <-ch:
				switch {
				case pauseSignal != nil && sig == pauseSignal:
					logger.Info("pausing scan")
					eng.Pause()
				case resumeSignal != nil && sig == resumeSignal:
					logger.Info("resuming scan")
					eng.Resume()
				case stopping:
					logger.Warn("forced exit")
					_ = logger.Sync()
					os.Exit(exitInterrupted)
				default:
					stopping = true
					logger.Warn(stopNotice)
					eng.Stop()
				}
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
