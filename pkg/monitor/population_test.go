package monitor

import (
	"errors"
	"testing"
)

func TestPopulationMonitor_RecordSuccess(t *testing.T) {
	pm := &PopulationMonitor{}
	pm.RecordStart()
	pm.RecordSuccess(true)

	status := pm.Status()
	if !status.Healthy {
		t.Error("Status should be healthy after success")
	}
	if status.Running != 0 {
		t.Errorf("Running = %d, want 0", status.Running)
	}
	if status.Finished != 1 || status.CacheHits != 1 {
		t.Errorf("Finished = %d, CacheHits = %d, want 1, 1", status.Finished, status.CacheHits)
	}
	if status.LastSuccess == "" {
		t.Error("LastSuccess should be set")
	}
}

func TestPopulationMonitor_RecordFailure(t *testing.T) {
	pm := &PopulationMonitor{}
	pm.RecordStart()
	pm.RecordFailure(errors.New("disk full"))

	status := pm.Status()
	if status.ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", status.ConsecutiveErrors)
	}
	if status.LastError != "disk full" {
		t.Errorf("LastError = %q, want %q", status.LastError, "disk full")
	}
	if status.Failed != 1 {
		t.Errorf("Failed = %d, want 1", status.Failed)
	}
}

func TestPopulationMonitor_IsHealthy(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*PopulationMonitor)
		expected bool
	}{
		{
			name:     "idle",
			setup:    func(*PopulationMonitor) {},
			expected: true,
		},
		{
			name: "cancellations are not failures",
			setup: func(pm *PopulationMonitor) {
				for i := 0; i < 10; i++ {
					pm.RecordCancel()
				}
			},
			expected: true,
		},
		{
			name: "too many consecutive errors",
			setup: func(pm *PopulationMonitor) {
				for i := 0; i < 4; i++ {
					pm.RecordFailure(errors.New("read failed"))
				}
			},
			expected: false,
		},
		{
			name: "success resets errors",
			setup: func(pm *PopulationMonitor) {
				for i := 0; i < 4; i++ {
					pm.RecordFailure(errors.New("read failed"))
				}
				pm.RecordSuccess(false)
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pm := &PopulationMonitor{}
			tt.setup(pm)
			if got := pm.IsHealthy(); got != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.expected)
			}
		})
	}
}
