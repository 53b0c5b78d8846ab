package transport

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrShutdownTimeout is returned when the channel tasks do not exit in time
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// lifecycle tracks the two channel tasks
type lifecycle struct {
	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}
	logger   *zap.Logger

	// Track running tasks
	running atomic.Int32
}

func newLifecycle(logger *zap.Logger) *lifecycle {
	return &lifecycle{
		doneCh: make(chan struct{}),
		logger: logger,
	}
}

// Start launches a tracked goroutine
func (lm *lifecycle) Start(name string, fn func()) {
	// Register before the goroutine exists so Wait cannot miss it
	lm.wg.Add(1)
	lm.running.Add(1)

	go func() {
		defer lm.wg.Done()
		defer lm.running.Add(-1)

		lm.logger.Debug("Starting task", zap.String("name", name))
		defer lm.logger.Debug("Task stopped", zap.String("name", name))

		fn()
	}()
}

// done closes once every task exited. The waiter goroutine is started on
// first use so that Start calls made earlier are all counted.
func (lm *lifecycle) done() <-chan struct{} {
	lm.doneOnce.Do(func() {
		go func() {
			lm.wg.Wait()
			close(lm.doneCh)
		}()
	})
	return lm.doneCh
}

// Wait blocks until every task exited or timeout elapsed
func (lm *lifecycle) Wait(timeout time.Duration) error {
	lm.logger.Debug("Waiting for tasks",
		zap.Int32("running", lm.running.Load()),
		zap.Duration("timeout", timeout))

	// Wait with timeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-lm.done():
		return nil
	case <-timer.C:
		// Tasks keep running; the caller decides what to abandon
		lm.logger.Warn("Shutdown timeout exceeded",
			zap.Int32("still_running", lm.running.Load()))
		return ErrShutdownTimeout
	}
}

// Join blocks until every task exited
func (lm *lifecycle) Join() {
	<-lm.done()
}

// Running returns the number of live tasks
func (lm *lifecycle) Running() int32 {
	return lm.running.Load()
}
