// Package validation implements the anti-cheat checks of spec.md §4.5:
// sliding-window rate limiting, geofence/Wi-Fi location gating, and
// ScanLog audit logging.
package validation

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/vireclass/attendd/internal/apierr"
	"github.com/vireclass/attendd/internal/models"
	"github.com/vireclass/attendd/internal/storage"
)

// earthRadiusMeters is the Haversine-formula Earth radius used for
// geofence distance checks, per spec.md §4.5.
const earthRadiusMeters = 6_371_000.0

// RateLimitFailure identifies which counter rejected a scan.
type RateLimitFailure string

const (
	RateLimitNone   RateLimitFailure = ""
	RateLimitDevice RateLimitFailure = "DEVICE_LIMIT"
	RateLimitIP     RateLimitFailure = "IP_LIMIT"
)

// window is a sliding counter: a window starts at the first event and
// is treated as empty once now-windowStart >= the configured period.
type window struct {
	count       int
	windowStart time.Time
}

// Limits configures the two sliding-window counters, per spec.md §4.5.
type Limits struct {
	DeviceMax    int
	DeviceWindow time.Duration
	IPMax        int
	IPWindow     time.Duration
}

// DefaultLimits returns the spec's documented defaults: 10/60s device,
// 50/60s IP.
func DefaultLimits() Limits {
	return Limits{DeviceMax: 10, DeviceWindow: 60 * time.Second, IPMax: 50, IPWindow: 60 * time.Second}
}

// RateLimiter is a process-local, mutex-protected sliding-window
// counter keyed by device fingerprint or IP. Eviction is implicit: a
// window that has elapsed is treated as empty on next touch.
type RateLimiter struct {
	mu      sync.Mutex
	limits  Limits
	devices map[string]*window
	ips     map[string]*window
	now     func() time.Time
}

// NewRateLimiter builds a RateLimiter with the given limits.
func NewRateLimiter(limits Limits) *RateLimiter {
	return &RateLimiter{
		limits:  limits,
		devices: make(map[string]*window),
		ips:     make(map[string]*window),
		now:     time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (rl *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	rl.now = now
	return rl
}

// Check reports whether device+ip are both under their limits,
// device checked first, per spec.md §4.5. Neither counter is
// incremented when either check fails: success increments both in one
// logical step (Open Question §9.a, resolved as directed).
func (rl *RateLimiter) Check(device, ip string) RateLimitFailure {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if peekCount(rl.devices, device, now, rl.limits.DeviceWindow) >= rl.limits.DeviceMax {
		return RateLimitDevice
	}
	if peekCount(rl.ips, ip, now, rl.limits.IPWindow) >= rl.limits.IPMax {
		return RateLimitIP
	}
	touch(rl.devices, device, now, rl.limits.DeviceWindow)
	touch(rl.ips, ip, now, rl.limits.IPWindow)
	return RateLimitNone
}

// peekCount returns the count a key would have without mutating state,
// treating an elapsed window as empty (count 0).
func peekCount(m map[string]*window, key string, now time.Time, period time.Duration) int {
	w, ok := m[key]
	if !ok || now.Sub(w.windowStart) >= period {
		return 0
	}
	return w.count
}

// touch increments key's counter, resetting the window if elapsed.
func touch(m map[string]*window, key string, now time.Time, period time.Duration) {
	w, ok := m[key]
	if !ok || now.Sub(w.windowStart) >= period {
		m[key] = &window{count: 1, windowStart: now}
		return
	}
	w.count++
}

// LocationCheck validates a scan's GPS/BSSID against session
// constraints, per spec.md §4.5. No constraints means always valid
// (pre-configured lenient mode). Both constraint kinds combine
// conjunctively.
func LocationCheck(constraints *models.Constraints, gps *models.GPS, bssid string) error {
	if constraints == nil {
		return nil
	}
	if constraints.Geofence != nil {
		if gps == nil {
			return apierr.GeofenceViolation("gps reading required by session geofence")
		}
		d := haversine(gps.Lat, gps.Lon, constraints.Geofence.Lat, constraints.Geofence.Lon)
		if d > constraints.Geofence.RadiusMeters {
			return apierr.GeofenceViolation("location is %.1fm outside the %.1fm geofence", d, constraints.Geofence.RadiusMeters)
		}
	}
	if len(constraints.WifiAllowlist) > 0 {
		if bssid == "" {
			return apierr.WifiViolation("wifi bssid required by session wifi allow-list")
		}
		if !bssidAllowed(bssid, constraints.WifiAllowlist) {
			return apierr.WifiViolation("bssid %q does not match the session wifi allow-list", bssid)
		}
	}
	return nil
}

// bssidAllowed reports whether bssid case-insensitively contains any of
// the allow-listed SSID fragments (Open Question §9.b, resolved as
// substring containment per spec.md §4.5's explicit text).
func bssidAllowed(bssid string, allowlist []string) bool {
	lower := strings.ToLower(bssid)
	for _, frag := range allowlist {
		if strings.Contains(lower, strings.ToLower(frag)) {
			return true
		}
	}
	return false
}

// haversine computes the great-circle distance in meters between two
// lat/lon points, per spec.md §4.5.
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// AuditLogger appends ScanLog rows, per spec.md §4.5/§3.
type AuditLogger struct {
	repo *storage.ScanLogRepo
	now  func() time.Time
}

// NewAuditLogger builds an AuditLogger over repo.
func NewAuditLogger(repo *storage.ScanLogRepo) *AuditLogger {
	return &AuditLogger{repo: repo, now: time.Now}
}

// ScanLogInput carries everything needed to append one audit row.
type ScanLogInput struct {
	SessionID         string
	Flow              models.Flow
	TokenID           string
	HolderID          string
	ScannerID         string
	DeviceFingerprint string
	IP                string
	BSSID             string
	GPS               *models.GPS
	UserAgent         string
	Result            models.Result
	Error             string
}

// Append writes one ScanLog row, per spec.md §4.5: every scan outcome,
// success or rejection, is logged.
func (a *AuditLogger) Append(in ScanLogInput) error {
	log := &models.ScanLog{
		SessionID:         in.SessionID,
		Flow:              in.Flow,
		TokenID:           in.TokenID,
		HolderID:          in.HolderID,
		ScannerID:         in.ScannerID,
		DeviceFingerprint: in.DeviceFingerprint,
		IP:                in.IP,
		BSSID:             in.BSSID,
		GPS:               in.GPS,
		UserAgent:         in.UserAgent,
		Result:            in.Result,
		Error:             in.Error,
		ScannedAt:         a.now().Unix(),
	}
	if err := a.repo.Append(log); err != nil {
		return apierr.StorageError(err, "append scan log")
	}
	return nil
}
