package stack

import "testing"

func TestProgress(t *testing.T) {
	tests := []struct {
		name     string
		phase    string
		phasePct int
		total    int
		done     int
		want     int
	}{
		{"empty stack is complete", "pull", 0, 0, 0, 100},
		{"first service pull start", "pull", 0, 4, 0, 0},
		{"first service pull half", "pull", 50, 4, 0, 5},
		{"first service pull done", "create", 0, 4, 0, 10},
		{"first service starting", "start", 0, 4, 0, 15},
		{"first service health", "health", 0, 4, 0, 20},
		{"one done second pulling", "pull", 0, 4, 1, 25},
		{"three done last health half", "health", 50, 4, 3, 97},
		{"all done", "health", 100, 4, 4, 100},
		{"overshoot capped", "health", 100, 2, 2, 100},
		{"negative pct clamped", "pull", -10, 2, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Progress(tt.phase, tt.phasePct, tt.total, tt.done); got != tt.want {
				t.Errorf("Progress(%q, %d, %d, %d) = %d, want %d",
					tt.phase, tt.phasePct, tt.total, tt.done, got, tt.want)
			}
		})
	}
}
