package monitor

import (
	"sync"
	"time"
)

// maxConsecutiveFailures before population is reported unhealthy
const maxConsecutiveFailures = 3

// PopulationMonitor tracks the outcome of trail population runs.
type PopulationMonitor struct {
	mu                sync.RWMutex
	running           int
	finished          int64
	cancelled         int64
	failed            int64
	cacheHits         int64
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
}

// RecordStart records a population run that has begun.
func (pm *PopulationMonitor) RecordStart() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.running++
	pm.lastAttempt = time.Now()
}

// RecordSuccess records a completed population.
func (pm *PopulationMonitor) RecordSuccess(cacheHit bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.done()
	pm.finished++
	if cacheHit {
		pm.cacheHits++
	}
	pm.lastSuccess = time.Now()
	pm.consecutiveErrors = 0
	pm.lastError = ""
}

// RecordCancel records a cancelled population. Cancellation is not a failure.
func (pm *PopulationMonitor) RecordCancel() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.done()
	pm.cancelled++
}

// RecordFailure records a failed population.
func (pm *PopulationMonitor) RecordFailure(err error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.done()
	pm.failed++
	pm.consecutiveErrors++
	if err != nil {
		pm.lastError = err.Error()
	}
}

func (pm *PopulationMonitor) done() {
	if pm.running > 0 {
		pm.running--
	}
}

// IsHealthy returns false after more than three failures in a row.
func (pm *PopulationMonitor) IsHealthy() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.consecutiveErrors <= maxConsecutiveFailures
}

// PopulationStatus is the population summary reported by health checks.
type PopulationStatus struct {
	Healthy           bool   `json:"healthy"`
	Running           int    `json:"running"`
	Finished          int64  `json:"finished"`
	Cancelled         int64  `json:"cancelled"`
	Failed            int64  `json:"failed"`
	CacheHits         int64  `json:"cache_hits"`
	LastSuccess       string `json:"last_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns the current population status.
func (pm *PopulationMonitor) Status() PopulationStatus {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	status := PopulationStatus{
		Healthy:   pm.consecutiveErrors <= maxConsecutiveFailures,
		Running:   pm.running,
		Finished:  pm.finished,
		Cancelled: pm.cancelled,
		Failed:    pm.failed,
		CacheHits: pm.cacheHits,
	}
	if !pm.lastSuccess.IsZero() {
		status.LastSuccess = pm.lastSuccess.Format(time.RFC3339)
	}
	if !pm.lastAttempt.IsZero() {
		status.LastAttempt = pm.lastAttempt.Format(time.RFC3339)
	}
	if pm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = pm.consecutiveErrors
		status.LastError = pm.lastError
	}
	return status
}
