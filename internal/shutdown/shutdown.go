// Package shutdown implements the Shutdown Controller (spec.md §4.8):
// cancel the global cancellation token, close every room (which stops
// each room's pipeline), and wait for background work to drain within a
// bounded timeout. Grounded on the teacher's crdtserver signal
// handling plus the http.Server.Shutdown(ctx) idiom.
package shutdown

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskgraph/collabcore/internal/registry"
	"github.com/taskgraph/collabcore/internal/session"
)

// Controller drives the process's graceful shutdown sequence.
type Controller struct {
	cancel  context.CancelFunc
	reg     *registry.Registry
	bgWG    *sync.WaitGroup
	timeout time.Duration
	logger  *zap.Logger
}

func New(cancel context.CancelFunc, reg *registry.Registry, bgWG *sync.WaitGroup, timeout time.Duration, logger *zap.Logger) *Controller {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Controller{cancel: cancel, reg: reg, bgWG: bgWG, timeout: timeout, logger: logger}
}

// Stop runs the four-step sequence spec.md §4.8 names:
//  1. cancel the global token, so no new rooms/sessions are accepted
//     and every context-aware loop starts unwinding
//  2. close_all: every room closes its sessions and stops accepting
//     inbound work
//  3. (implicit) every room's pipeline stops both stages through its
//     done channel as part of Close; the work channels stay open
//  4. wait for background compaction/fan-out work to drain, bounded by
//     Controller.timeout
//
// Stop returns an error if the drain did not complete before the
// timeout; callers should log it and proceed with process exit
// regardless, since the timeout itself is the safety net.
func (c *Controller) Stop(reason string) error {
	c.logger.Info("shutdown: starting", zap.String("reason", reason), zap.Duration("timeout", c.timeout))

	c.cancel()

	rooms := c.reg.Rooms()
	for _, r := range rooms {
		r.Close(session.CloseRestart, reason)
	}
	c.logger.Info("shutdown: rooms closed", zap.Int("room_count", len(rooms)))

	done := make(chan struct{})
	go func() {
		c.bgWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("shutdown: drained cleanly")
		return nil
	case <-time.After(c.timeout):
		c.logger.Warn("shutdown: timed out waiting for background work to drain")
		return context.DeadlineExceeded
	}
}
