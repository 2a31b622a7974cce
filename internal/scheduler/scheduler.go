// Package scheduler supervises the periodic workers of the engine.
//
// Each worker runs in its own goroutine on a fixed interval. A worker
// iteration that returns an error or panics does not kill the loop: the
// scheduler logs the failure and delays the next iteration with
// exponential backoff, resetting the backoff on the next success.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/homewatch/netguard/internal/logger"
)

// Worker is one periodic task under supervision.
type Worker struct {
	// Name identifies the worker in logs.
	Name string

	// Interval is the pause between successful iterations.
	Interval time.Duration

	// Run executes one iteration. The context is cancelled on shutdown.
	Run func(ctx context.Context) error
}

// Scheduler drives all registered workers.
type Scheduler interface {
	// Start launches one supervision loop per worker. It returns
	// immediately after successful start; cancellation is signalled via
	// Stop().
	Start(ctx context.Context) error

	// Stop requests all loops to stop and waits for them to exit bounded
	// by ctx. It is safe to call Stop() multiple times.
	Stop(ctx context.Context) error
}

// schedulerImpl is the concrete implementation of Scheduler.
type schedulerImpl struct {
	workers []Worker

	// maxRestartBackoff caps the error backoff per worker.
	maxRestartBackoff time.Duration

	startStopMutex sync.Mutex
	started        bool
	stopChannel    chan struct{}
	stoppedChannel chan struct{}
	loopContext    context.Context
	cancelLoops    context.CancelFunc
}

// NewScheduler creates a Scheduler for the given workers.
func NewScheduler(workers []Worker) Scheduler {
	loopContext, cancelLoops := context.WithCancel(context.Background())

	return &schedulerImpl{
		workers:           workers,
		maxRestartBackoff: 2 * time.Minute,
		stopChannel:       make(chan struct{}),
		stoppedChannel:    make(chan struct{}),
		loopContext:       loopContext,
		cancelLoops:       cancelLoops,
	}
}

// Start implements Scheduler.Start.
func (schedulerInstance *schedulerImpl) Start(ctx context.Context) error {
	schedulerInstance.startStopMutex.Lock()
	defer schedulerInstance.startStopMutex.Unlock()

	if schedulerInstance.started {
		logger.SchedulerLog.Warn("Scheduler.Start called more than once; ignoring subsequent call")
		return nil
	}

	schedulerInstance.started = true

	var loopsWG sync.WaitGroup
	for _, worker := range schedulerInstance.workers {
		loopsWG.Add(1)
		go func(worker Worker) {
			defer loopsWG.Done()
			schedulerInstance.runLoop(worker)
		}(worker)
	}

	go func() {
		loopsWG.Wait()
		close(schedulerInstance.stoppedChannel)
	}()

	logger.SchedulerLog.Infof("Scheduler started with %d worker(s)", len(schedulerInstance.workers))
	return nil
}

// Stop implements Scheduler.Stop.
func (schedulerInstance *schedulerImpl) Stop(ctx context.Context) error {
	schedulerInstance.startStopMutex.Lock()
	defer schedulerInstance.startStopMutex.Unlock()

	if !schedulerInstance.started {
		return nil
	}

	select {
	case <-schedulerInstance.stopChannel:
		// Already closing or closed.
	default:
		close(schedulerInstance.stopChannel)
	}
	schedulerInstance.cancelLoops()

	// Wait for all loops to exit or for the context to expire.
	select {
	case <-schedulerInstance.stoppedChannel:
	case <-ctx.Done():
		return ctx.Err()
	}

	logger.SchedulerLog.Info("Scheduler stopped")
	return nil
}

// runLoop executes one worker on its interval until stopChannel closes.
func (schedulerInstance *schedulerImpl) runLoop(worker Worker) {
	restartBackoff := backoff.NewExponentialBackOff()
	restartBackoff.InitialInterval = time.Second
	restartBackoff.MaxInterval = schedulerInstance.maxRestartBackoff
	restartBackoff.MaxElapsedTime = 0 // the supervisor never gives up

	for {
		select {
		case <-schedulerInstance.stopChannel:
			return
		default:
		}

		iterationError := schedulerInstance.runIteration(worker)

		var pause time.Duration
		if iterationError != nil {
			pause = restartBackoff.NextBackOff()
			logger.SchedulerLog.Errorf(
				"worker %s iteration failed, next attempt in %s: %v",
				worker.Name, pause.Round(time.Millisecond), iterationError,
			)
		} else {
			restartBackoff.Reset()
			pause = worker.Interval
		}

		select {
		case <-schedulerInstance.stopChannel:
			return
		case <-time.After(pause):
		}
	}
}

// runIteration invokes one worker iteration with panic containment so a
// bug in one worker never takes down the supervisor.
func (schedulerInstance *schedulerImpl) runIteration(worker Worker) (iterationError error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			iterationError = &panicError{workerName: worker.Name, value: recovered}
			logger.SchedulerLog.Errorf("worker %s panicked: %v", worker.Name, recovered)
		}
	}()

	return worker.Run(schedulerInstance.loopContext)
}

// panicError wraps a recovered panic value as an error for the backoff
// path.
type panicError struct {
	workerName string
	value      interface{}
}

func (panicErr *panicError) Error() string {
	return fmt.Sprintf("worker %s panicked: %v", panicErr.workerName, panicErr.value)
}
