package settle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/xid"
)

// Reason tells how a measurement was resolved.
type Reason int

const (
	// ReasonQuiet means the quiet window elapsed without new activity.
	ReasonQuiet Reason = iota + 1
	// ReasonCompleted means the measurement was force-completed, e.g. superseded by a new one.
	ReasonCompleted
)

// String returns the name of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonQuiet:
		return "quiet"
	case ReasonCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// PageLoad is the result of a measurement.
type PageLoad struct {
	LoadTime                      time.Duration
	TimestampOfLastLoadedResource time.Time
	Reason                        Reason
}

// QuietPeriodAwaiter is a single-shot, restartable quiet window. It resolves once, either when
// an armed timer fires undisturbed or when Complete is called.
type QuietPeriodAwaiter struct {
	id        xid.ID
	startTime time.Time
	quietTime time.Duration
	now       func() time.Time

	mu                    sync.Mutex
	timer                 *time.Timer
	generation            uint64 // Bumped on every arm/disarm, stale timers compare against it
	lastResourceTimestamp time.Time
	hasLastResource       bool
	resolved              bool
	result                PageLoad
	onResolve             func(PageLoad)

	done chan struct{}
}

// NewQuietPeriodAwaiter returns an idle awaiter anchored at startTime.
func NewQuietPeriodAwaiter(quietTime time.Duration, startTime time.Time) *QuietPeriodAwaiter {
	return &QuietPeriodAwaiter{
		id:        xid.New(),
		startTime: startTime,
		quietTime: quietTime,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// ID returns the unique identifier of the awaiter.
func (a *QuietPeriodAwaiter) ID() xid.ID {
	return a.id
}

// StartTime returns the anchor of the measurement window.
func (a *QuietPeriodAwaiter) StartTime() time.Time {
	return a.startTime
}

// StartQuietTimer records resourceLoadedTimestamp as the latest activity and (re)arms the quiet
// timer. Has no effect once resolved.
func (a *QuietPeriodAwaiter) StartQuietTimer(resourceLoadedTimestamp time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.resolved {
		return
	}
	a.lastResourceTimestamp = resourceLoadedTimestamp
	a.hasLastResource = true
	a.stopTimerLocked()

	gen := a.generation
	a.timer = time.AfterFunc(a.quietTime, func() {
		a.fire(gen, resourceLoadedTimestamp)
	})
}

// RemoveQuietTimer cancels a pending timer without resolving.
func (a *QuietPeriodAwaiter) RemoveQuietTimer() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopTimerLocked()
}

// Complete resolves the awaiter immediately. If no resources are still loading and a resource
// timestamp is known, the window ends at that timestamp, otherwise it ends now. No-op once
// resolved.
func (a *QuietPeriodAwaiter) Complete(areResourcesStillLoading bool) {
	a.mu.Lock()
	if a.resolved {
		a.mu.Unlock()
		return
	}
	a.stopTimerLocked()

	end := a.now()
	if !areResourcesStillLoading && a.hasLastResource {
		end = a.lastResourceTimestamp
	}
	hook := a.resolveLocked(PageLoad{
		LoadTime:                      nonNegative(end.Sub(a.startTime)),
		TimestampOfLastLoadedResource: end,
		Reason:                        ReasonCompleted,
	})
	a.mu.Unlock()

	if hook != nil {
		hook(a.result)
	}
}

// Done returns a channel closed once the awaiter has resolved.
func (a *QuietPeriodAwaiter) Done() <-chan struct{} {
	return a.done
}

// Result returns the result and true once resolved.
func (a *QuietPeriodAwaiter) Result() (PageLoad, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result, a.resolved
}

// Wait blocks until the awaiter resolves or ctx is done. Giving up does not affect the awaiter.
func (a *QuietPeriodAwaiter) Wait(ctx context.Context) (PageLoad, error) {
	select {
	case <-a.done:
		res, _ := a.Result()
		return res, nil
	case <-ctx.Done():
		return PageLoad{}, ctx.Err()
	}
}

// isResolved reports whether the awaiter reached its terminal state.
func (a *QuietPeriodAwaiter) isResolved() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resolved
}

// timerArmed reports whether a quiet timer is pending.
func (a *QuietPeriodAwaiter) timerArmed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timer != nil
}

// fire runs on the timer goroutine; timers cancelled after they started running are discarded
// by comparing generations.
func (a *QuietPeriodAwaiter) fire(gen uint64, resourceLoadedTimestamp time.Time) {
	a.mu.Lock()
	if a.resolved || gen != a.generation {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	hook := a.resolveLocked(PageLoad{
		LoadTime:                      nonNegative(resourceLoadedTimestamp.Sub(a.startTime)),
		TimestampOfLastLoadedResource: resourceLoadedTimestamp,
		Reason:                        ReasonQuiet,
	})
	a.mu.Unlock()

	if hook != nil {
		hook(a.result)
	}
}

// resolveLocked latches the result and returns the resolve hook to run after unlocking.
func (a *QuietPeriodAwaiter) resolveLocked(res PageLoad) func(PageLoad) {
	a.resolved = true
	a.result = res
	close(a.done)
	return a.onResolve
}

func (a *QuietPeriodAwaiter) stopTimerLocked() {
	a.generation++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
