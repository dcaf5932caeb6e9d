package flood

import (
	"testing"
	"time"
)

func TestFloodgate_AllowsNormalRate(t *testing.T) {
	fg := New(3)
	defer fg.Stop()

	for i := 0; i < 3; i++ {
		if !fg.CheckEvent("device-1") {
			t.Errorf("event %d should be allowed", i+1)
		}
	}

	if fg.CheckEvent("device-1") {
		t.Error("4th event should be blocked")
	}
}

func TestFloodgate_SlidingWindow(t *testing.T) {
	fg := New(2)
	defer fg.Stop()

	if !fg.CheckEvent("device-1") {
		t.Error("first event should be allowed")
	}
	if !fg.CheckEvent("device-1") {
		t.Error("second event should be allowed")
	}
	if fg.CheckEvent("device-1") {
		t.Error("third event should be blocked")
	}

	// Move timestamps back past the window to simulate time passing
	fg.mutex.Lock()
	if entry, exists := fg.entries["device-1"]; exists {
		pastTime := time.Now().Add(-61 * time.Second)
		for i := range entry.timestamps {
			entry.timestamps[i] = pastTime
		}
	}
	fg.mutex.Unlock()

	if !fg.CheckEvent("device-1") {
		t.Error("event after window slide should be allowed")
	}
}

func TestFloodgate_PerDeviceLimits(t *testing.T) {
	fg := New(2)
	defer fg.Stop()

	for i := 0; i < 2; i++ {
		if !fg.CheckEvent("device-1") {
			t.Errorf("device-1 event %d should be allowed", i+1)
		}
		if !fg.CheckEvent("device-2") {
			t.Errorf("device-2 event %d should be allowed", i+1)
		}
	}

	if fg.CheckEvent("device-1") {
		t.Error("device-1 over limit should be blocked")
	}
	if fg.CheckEvent("device-2") {
		t.Error("device-2 over limit should be blocked")
	}
}

func TestFloodgate_CleanupRemovesIdleDevices(t *testing.T) {
	fg := New(5)
	defer fg.Stop()

	fg.CheckEvent("device-1")
	fg.CheckEvent("device-2")

	fg.mutex.Lock()
	fg.entries["device-1"].lastSeen = time.Now().Add(-idleTimeout - time.Minute)
	fg.mutex.Unlock()

	fg.performCleanup()

	stats := fg.GetStats()
	if stats.ActiveDevices != 1 {
		t.Errorf("active devices = %d, want 1", stats.ActiveDevices)
	}
}

func TestFloodgate_GetStats(t *testing.T) {
	fg := New(120)
	defer fg.Stop()

	fg.CheckEvent("device-1")

	stats := fg.GetStats()
	if stats.LimitPerMinute != 120 {
		t.Errorf("limit = %d, want 120", stats.LimitPerMinute)
	}
	if stats.WindowSeconds != 60 {
		t.Errorf("window = %d, want 60", stats.WindowSeconds)
	}
	if stats.ActiveDevices != 1 {
		t.Errorf("active devices = %d, want 1", stats.ActiveDevices)
	}
}
