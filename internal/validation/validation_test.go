package validation

import (
	"testing"
	"time"

	"github.com/vireclass/attendd/internal/apierr"
	"github.com/vireclass/attendd/internal/models"
	"github.com/vireclass/attendd/internal/storage"
)

func TestRateLimitDeviceBoundary(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(Limits{DeviceMax: 10, DeviceWindow: 60 * time.Second, IPMax: 50, IPWindow: 60 * time.Second}).WithClock(func() time.Time { return now })

	for i := 0; i < 10; i++ {
		if f := rl.Check("device-1", "ip-1"); f != RateLimitNone {
			t.Fatalf("event %d: expected accepted, got %v", i+1, f)
		}
	}
	if f := rl.Check("device-1", "ip-1"); f != RateLimitDevice {
		t.Fatalf("11th event: expected DEVICE_LIMIT, got %v", f)
	}

	now = now.Add(61 * time.Second)
	if f := rl.Check("device-1", "ip-1"); f != RateLimitNone {
		t.Fatalf("after window elapses: expected accepted, got %v", f)
	}
}

func TestRateLimitDeviceCheckedBeforeIP(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(Limits{DeviceMax: 1, DeviceWindow: 60 * time.Second, IPMax: 1, IPWindow: 60 * time.Second}).WithClock(func() time.Time { return now })

	if f := rl.Check("device-1", "ip-1"); f != RateLimitNone {
		t.Fatalf("first event should pass, got %v", f)
	}
	// Same device, different ip: device limit should fire first.
	if f := rl.Check("device-1", "ip-2"); f != RateLimitDevice {
		t.Fatalf("expected DEVICE_LIMIT, got %v", f)
	}
}

func TestRateLimitFailureDoesNotIncrement(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(Limits{DeviceMax: 1, DeviceWindow: 60 * time.Second, IPMax: 50, IPWindow: 60 * time.Second}).WithClock(func() time.Time { return now })

	rl.Check("device-1", "ip-1")
	rl.Check("device-1", "ip-2") // rejected: device limit hit, should not touch ip-2's counter
	if count := peekCount(rl.ips, "ip-2", now, rl.limits.IPWindow); count != 0 {
		t.Fatalf("expected ip-2 counter untouched on rejected scan, got %d", count)
	}
}

func TestLocationCheckNoConstraints(t *testing.T) {
	if err := LocationCheck(nil, nil, ""); err != nil {
		t.Fatalf("expected always-valid with no constraints, got %v", err)
	}
}

func TestLocationCheckGeofenceBoundary(t *testing.T) {
	c := &models.Constraints{Geofence: &models.Geofence{Lat: 22.3, Lon: 114.2, RadiusMeters: 100}}
	// Same point: distance 0, within radius.
	if err := LocationCheck(c, &models.GPS{Lat: 22.3, Lon: 114.2}, ""); err != nil {
		t.Fatalf("expected valid at center, got %v", err)
	}
	// Far point: should violate.
	if err := LocationCheck(c, &models.GPS{Lat: 23.3, Lon: 115.2}, ""); err == nil {
		t.Fatalf("expected geofence violation for distant point")
	} else if apierr.As(err).Code != apierr.CodeGeofenceViolation {
		t.Fatalf("expected GEOFENCE_VIOLATION, got %v", err)
	}
}

func TestLocationCheckRequiresGPSWhenGeofenceSet(t *testing.T) {
	c := &models.Constraints{Geofence: &models.Geofence{Lat: 22.3, Lon: 114.2, RadiusMeters: 100}}
	if err := LocationCheck(c, nil, ""); err == nil {
		t.Fatalf("expected violation when gps missing")
	}
}

func TestLocationCheckWifiSubstringMatch(t *testing.T) {
	c := &models.Constraints{WifiAllowlist: []string{"ClassroomNet"}}
	if err := LocationCheck(c, nil, "AA:BB:CC-classroomnet-5g"); err != nil {
		t.Fatalf("expected case-insensitive substring match, got %v", err)
	}
	if err := LocationCheck(c, nil, "AA:BB:CC-otherwifi"); err == nil {
		t.Fatalf("expected wifi violation for non-matching bssid")
	} else if apierr.As(err).Code != apierr.CodeWifiViolation {
		t.Fatalf("expected WIFI_VIOLATION, got %v", err)
	}
}

func TestLocationCheckConjunctive(t *testing.T) {
	c := &models.Constraints{
		Geofence:      &models.Geofence{Lat: 22.3, Lon: 114.2, RadiusMeters: 100},
		WifiAllowlist: []string{"ClassroomNet"},
	}
	// Inside geofence but wrong wifi.
	if err := LocationCheck(c, &models.GPS{Lat: 22.3, Lon: 114.2}, "other"); err == nil {
		t.Fatalf("expected failure when wifi check fails despite geofence passing")
	}
}

func TestAuditLoggerAppendsEveryOutcome(t *testing.T) {
	mgr, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer mgr.Close()

	logger := NewAuditLogger(mgr.ScanLogs)
	if err := logger.Append(ScanLogInput{SessionID: "s1", Flow: models.FlowEntryChain, Result: models.ResultSuccess}); err != nil {
		t.Fatalf("append success: %v", err)
	}
	if err := logger.Append(ScanLogInput{SessionID: "s1", Flow: models.FlowEntryChain, Result: models.ResultRateLimited, Error: "rate limited"}); err != nil {
		t.Fatalf("append failure: %v", err)
	}

	rows, err := mgr.ScanLogs.ListBySession("s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 scan log rows, got %d", len(rows))
	}
}
