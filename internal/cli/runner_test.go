package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/g960059/devicebench/internal/backendtest"
)

func noEnv(string) (string, bool) { return "", false }

type harness struct {
	srv    *backendtest.Server
	dbPath string
	out    *bytes.Buffer
	errOut *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		srv:    backendtest.New(t),
		dbPath: filepath.Join(t.TempDir(), "history.db"),
		out:    &bytes.Buffer{},
		errOut: &bytes.Buffer{},
	}
}

func (h *harness) run(t *testing.T, stdin string, args ...string) int {
	t.Helper()
	h.out.Reset()
	h.errOut.Reset()
	r := NewRunnerWithClient(h.srv.URL, h.srv.Client(), h.out, h.errOut).
		WithEnv(noEnv).
		WithInput(strings.NewReader(stdin))
	full := append([]string{"--db", h.dbPath, "--log-level", "error"}, args...)
	return r.Run(context.Background(), full)
}

func TestHealthConnected(t *testing.T) {
	h := newHarness(t)
	if code := h.run(t, "", "health"); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, h.errOut.String())
	}
	if !strings.HasPrefix(h.out.String(), "✅ Backend Connected") {
		t.Fatalf("expected connected banner, got: %s", h.out.String())
	}
	if !strings.Contains(h.out.String(), "phone connected: true") {
		t.Fatalf("expected phone report, got: %s", h.out.String())
	}
}

func TestHealthJSON(t *testing.T) {
	h := newHarness(t)
	if code := h.run(t, "", "health", "--json"); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, h.errOut.String())
	}
	var body map[string]any
	if err := json.Unmarshal(h.out.Bytes(), &body); err != nil {
		t.Fatalf("decode health json: %v (%s)", err, h.out.String())
	}
	if body["status"] != "connected" || body["phone_connected"] != true {
		t.Fatalf("unexpected health json: %v", body)
	}
}

func TestHealthUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r := NewRunnerWithClient(url, nil, out, errOut).WithEnv(noEnv)
	code := r.Run(context.Background(), []string{"--no-history", "--log-level", "error", "health"})
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(out.String(), "❌ Cannot reach backend") {
		t.Fatalf("expected unreachable message, got: %s", out.String())
	}
}

func TestActionCommandPrintsOutputAndNotification(t *testing.T) {
	h := newHarness(t)
	if code := h.run(t, "", "reserve"); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, h.errOut.String())
	}
	if !strings.Contains(h.out.String(), `"status": "reserved"`) {
		t.Fatalf("expected pretty JSON output, got: %s", h.out.String())
	}
	if !strings.Contains(h.out.String(), "[ok] reserve Successful: Request completed successfully") {
		t.Fatalf("expected success notification, got: %s", h.out.String())
	}
	if h.srv.Calls(backendtest.PathReserve) != 1 {
		t.Fatalf("expected one reserve call, got %d", h.srv.Calls(backendtest.PathReserve))
	}
}

func TestActionCommandFailure(t *testing.T) {
	h := newHarness(t)
	h.srv.Fail(backendtest.PathMetrics, http.StatusInternalServerError)
	if code := h.run(t, "", "metrics"); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(h.out.String(), "Error: HTTP 500: Internal Server Error") {
		t.Fatalf("expected error output, got: %s", h.out.String())
	}
	if !strings.Contains(h.out.String(), "[fail] metrics Failed") {
		t.Fatalf("expected failure notification, got: %s", h.out.String())
	}
}

func TestMetricsPrintsDeviceReadings(t *testing.T) {
	h := newHarness(t)
	if code := h.run(t, "", "metrics"); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, h.errOut.String())
	}
	for _, want := range []string{"battery: 87%", "cpu: 14%", "memory: 2048 MB"} {
		if !strings.Contains(h.out.String(), want) {
			t.Fatalf("expected %q in output, got: %s", want, h.out.String())
		}
	}
}

func TestActionRejectedWhenBackendDown(t *testing.T) {
	h := newHarness(t)
	h.srv.Fail(backendtest.PathHealth, http.StatusServiceUnavailable)
	if code := h.run(t, "", "alert-test"); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(h.errOut.String(), "disconnected") {
		t.Fatalf("expected disconnected error, got: %s", h.errOut.String())
	}
	if h.srv.Calls(backendtest.PathAlertTest) != 0 {
		t.Fatalf("expected no alert call")
	}
}

func TestRunTestSavesScreenshotAndJournalsDelta(t *testing.T) {
	h := newHarness(t)
	shot := filepath.Join(t.TempDir(), "shot.png")
	if code := h.run(t, "", "run-test", "--save", shot); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, h.errOut.String())
	}
	if !strings.Contains(h.out.String(), "✅ Test & metrics collected successfully") {
		t.Fatalf("expected success output, got: %s", h.out.String())
	}
	if !strings.Contains(h.out.String(), "launch time:    812 ms") {
		t.Fatalf("expected delta view, got: %s", h.out.String())
	}
	if !strings.Contains(h.out.String(), "battery drain:  0.004321 mAh") {
		t.Fatalf("expected battery drain, got: %s", h.out.String())
	}
	data, err := os.ReadFile(shot)
	if err != nil {
		t.Fatalf("read saved screenshot: %v", err)
	}
	if !bytes.Equal(data, backendtest.PNG) {
		t.Fatalf("saved screenshot differs from backend payload")
	}

	if code := h.run(t, "", "last-delta"); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, h.errOut.String())
	}
	if !strings.Contains(h.out.String(), "ram diff:       150 MB") {
		t.Fatalf("expected stored delta, got: %s", h.out.String())
	}
}

func TestRunTestDeltaFailureSkipsScreenshot(t *testing.T) {
	h := newHarness(t)
	h.srv.Fail(backendtest.PathHardwareDelta, http.StatusInternalServerError)
	if code := h.run(t, "", "run-test"); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if h.srv.Calls(backendtest.PathScreenshot) != 0 {
		t.Fatalf("expected no screenshot call")
	}
	if !strings.Contains(h.out.String(), "[fail] Test Failed") {
		t.Fatalf("expected failure notification, got: %s", h.out.String())
	}
}

func TestHistoryListsRuns(t *testing.T) {
	h := newHarness(t)
	h.srv.Fail(backendtest.PathRelease, http.StatusBadGateway)
	for _, cmd := range []string{"reserve", "release"} {
		_ = h.run(t, "", cmd)
	}

	if code := h.run(t, "", "history", "--json"); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, h.errOut.String())
	}
	var env struct {
		Runs []historyItem `json:"runs"`
	}
	if err := json.Unmarshal(h.out.Bytes(), &env); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(env.Runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(env.Runs))
	}
	if env.Runs[0].Action != "release" || env.Runs[0].Outcome != "failure" {
		t.Fatalf("expected newest release failure first, got %+v", env.Runs[0])
	}

	if code := h.run(t, "", "history", "--action", "reserve"); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if strings.Count(strings.TrimSpace(h.out.String()), "\n") != 0 || !strings.Contains(h.out.String(), "reserve\tsuccess") {
		t.Fatalf("expected a single reserve row, got: %s", h.out.String())
	}
}

func TestHistoryDisabled(t *testing.T) {
	h := newHarness(t)
	if code := h.run(t, "", "--no-history", "history"); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(h.errOut.String(), "history is disabled") {
		t.Fatalf("expected disabled error, got: %s", h.errOut.String())
	}
}

func TestLastDeltaEmpty(t *testing.T) {
	h := newHarness(t)
	if code := h.run(t, "", "last-delta"); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(h.out.String(), "no hardware delta recorded") {
		t.Fatalf("unexpected output: %s", h.out.String())
	}
}

func TestSessionDispatchesLines(t *testing.T) {
	h := newHarness(t)
	input := "reserve\n# comment\nmetrics\nwait\nstatus\nrun-test\n"
	if code := h.run(t, input, "session"); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, h.errOut.String())
	}
	for _, path := range []string{backendtest.PathReserve, backendtest.PathMetrics, backendtest.PathHardwareDelta, backendtest.PathScreenshot} {
		if got := h.srv.Calls(path); got != 1 {
			t.Fatalf("expected one call to %s, got %d", path, got)
		}
	}
	if !strings.Contains(h.out.String(), "status: connected busy: none phase: idle") {
		t.Fatalf("expected status line, got: %s", h.out.String())
	}
	if !strings.HasSuffix(strings.TrimSpace(h.out.String()), "✅ Test & metrics collected successfully") {
		t.Fatalf("expected final output last, got: %s", h.out.String())
	}
}

func TestSessionUnknownAction(t *testing.T) {
	h := newHarness(t)
	if code := h.run(t, "reboot\n", "session"); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(h.errOut.String(), "unknown action") {
		t.Fatalf("expected unknown action error, got: %s", h.errOut.String())
	}
}

func TestUsageErrors(t *testing.T) {
	h := newHarness(t)
	cases := [][]string{
		{"bogus"},
		{"history", "--limit", "0"},
		{"run-test", "--nope"},
	}
	for _, args := range cases {
		if code := h.run(t, "", args...); code != 2 {
			t.Fatalf("expected exit 2 for %v, got %d", args, code)
		}
	}

	r := NewRunnerWithClient(h.srv.URL, h.srv.Client(), h.out, h.errOut).WithEnv(noEnv)
	if code := r.Run(context.Background(), []string{"--backend"}); code != 2 {
		t.Fatalf("expected exit 2 for missing flag value, got %d", code)
	}
	if code := r.Run(context.Background(), []string{"--log-level", "loud", "health"}); code != 2 {
		t.Fatalf("expected exit 2 for invalid log level, got %d", code)
	}
	if code := r.Run(context.Background(), nil); code != 2 {
		t.Fatalf("expected usage exit 2, got %d", code)
	}
}

func TestConfigFileAndEnvResolveBackend(t *testing.T) {
	srv := backendtest.New(t)
	cfgPath := filepath.Join(t.TempDir(), "devicebench.yaml")
	body := "backend_url: " + srv.URL + "\nhistory: false\nlog_level: error\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r := NewRunner(out, errOut).WithEnv(noEnv)
	if code := r.Run(context.Background(), []string{"--config", cfgPath, "release"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if srv.Calls(backendtest.PathRelease) != 1 {
		t.Fatalf("expected release to reach configured backend")
	}

	other := backendtest.New(t)
	env := map[string]string{"DEVICEBENCH_BACKEND_URL": other.URL}
	r = NewRunner(out, errOut).WithEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if code := r.Run(context.Background(), []string{"--config", cfgPath, "release"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if other.Calls(backendtest.PathRelease) != 1 || srv.Calls(backendtest.PathRelease) != 1 {
		t.Fatalf("expected env to override config file")
	}
}

func TestHistoryPrune(t *testing.T) {
	h := newHarness(t)
	_ = h.run(t, "", "reserve")
	if code := h.run(t, "", "history", "--prune", "1h"); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(h.errOut.String(), "pruned 0 runs") || !strings.Contains(h.out.String(), "reserve") {
		t.Fatalf("recent runs must survive, stdout=%s stderr=%s", h.out.String(), h.errOut.String())
	}
	if code := h.run(t, "", "history", "--prune", "1ns"); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(h.out.String(), "no runs recorded") {
		t.Fatalf("expected history emptied, got: %s", h.out.String())
	}
}
