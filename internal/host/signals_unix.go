//go:build unix

package host

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	logx "ruleflow/pkg/logx"
)

func (h *Host) watchSignals(ctx context.Context) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGCONT, syscall.SIGUSR1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-ch:
				h.log.Debug("visibility signal", logx.String("signal", sig.String()))
				h.NotifyVisible()
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		<-done
	}
}
