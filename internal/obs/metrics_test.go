package obs

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerServesEngineMetrics(t *testing.T) {
	Init()
	InitBuildInfo("test", "deadbeef")
	ObservePermissionCheck("allowed", "direct")
	ObservePermissionCheck("denied", "")
	ObserveResolution(time.Now())
	ObserveCacheEvent("hit")
	ObserveBlacklistCheck("clear")
	ObserveSweep("expire_roles", 3)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, family := range []string{
		"warden_permission_checks_total",
		"warden_resolution_duration_seconds",
		"warden_cache_events_total",
		"warden_blacklist_checks_total",
		"warden_sweep_runs_total",
		"warden_sweep_reaped_total",
		"build_info",
	} {
		if !strings.Contains(body, family) {
			t.Fatalf("metric family %s missing from scrape output", family)
		}
	}
}
