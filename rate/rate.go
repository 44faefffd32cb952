// Package rate implements exponentially decaying rate estimators.
package rate

import (
	"math"
	"sync"
	"time"
)

// Estimator estimates a rate in units per second using exponential decay
// with a fixed time constant.  It is not safe for concurrent use.
type Estimator struct {
	tau     float64 // time constant in seconds
	count   float64 // decayed byte count
	when    time.Time
	running bool
}

// Init initialises the estimator with the given time constant.
func (e *Estimator) Init(interval time.Duration) {
	e.tau = interval.Seconds()
	e.when = time.Now()
}

// Start starts the estimator.  Accumulate and Estimate are no-ops on
// a stopped estimator.
func (e *Estimator) Start() {
	if !e.running {
		e.when = time.Now()
		e.running = true
	}
}

// Stop stops the estimator.
func (e *Estimator) Stop() {
	e.running = false
}

// Time returns the time at which the estimator was last advanced.
func (e *Estimator) Time() time.Time {
	return e.when
}

func (e *Estimator) decay(now time.Time) {
	elapsed := now.Sub(e.when)
	e.when = now
	if elapsed <= 0 {
		return
	}
	e.count *= math.Exp(-elapsed.Seconds() / e.tau)
}

// Accumulate records that value bytes have been sent or received.
func (e *Estimator) Accumulate(value int) {
	if !e.running {
		return
	}
	e.decay(time.Now())
	e.count += float64(value)
	if e.count < 0 {
		e.count = 0
	}
}

// Estimate returns the current rate estimate in units per second.
func (e *Estimator) Estimate() float64 {
	if e.running {
		e.decay(time.Now())
	}
	return e.count / e.tau
}

// Allow returns true if accumulating value more bytes would keep the
// estimate at or below target.
func (e *Estimator) Allow(value int, target float64) bool {
	if e.count+float64(value) <= target*e.tau {
		return true
	}
	if e.running {
		e.decay(time.Now())
		if e.count+float64(value) <= target*e.tau {
			return true
		}
	}
	return false
}

// AtomicEstimator is an Estimator protected by a mutex.
type AtomicEstimator struct {
	mu sync.Mutex
	e  Estimator
}

func (e *AtomicEstimator) Init(interval time.Duration) {
	e.mu.Lock()
	e.e.Init(interval)
	e.mu.Unlock()
}

func (e *AtomicEstimator) Start() {
	e.mu.Lock()
	e.e.Start()
	e.mu.Unlock()
}

func (e *AtomicEstimator) Stop() {
	e.mu.Lock()
	e.e.Stop()
	e.mu.Unlock()
}

func (e *AtomicEstimator) Time() time.Time {
	e.mu.Lock()
	v := e.e.Time()
	e.mu.Unlock()
	return v
}

func (e *AtomicEstimator) Estimate() float64 {
	e.mu.Lock()
	v := e.e.Estimate()
	e.mu.Unlock()
	return v
}

func (e *AtomicEstimator) Accumulate(value int) {
	e.mu.Lock()
	e.e.Accumulate(value)
	e.mu.Unlock()
}

func (e *AtomicEstimator) Allow(value int, target float64) bool {
	e.mu.Lock()
	v := e.e.Allow(value, target)
	e.mu.Unlock()
	return v
}
