package health

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sekido/sekido/internal/metrics"
)

func newTestEndpoint(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := New(metrics.New(), nil)
	ts := httptest.NewServer(s.handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestHealthAlwaysOK(t *testing.T) {
	_, ts := newTestEndpoint(t)

	status, body := get(t, ts.URL+"/health")
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if body != `{"status":"healthy"}` {
		t.Fatalf("body = %q", body)
	}
}

func TestReadyFollowsFlag(t *testing.T) {
	s, ts := newTestEndpoint(t)

	status, body := get(t, ts.URL+"/ready")
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status before ready = %d, want 503", status)
	}
	if body != `{"status":"not ready"}` {
		t.Fatalf("body = %q", body)
	}

	s.SetReady(true)
	status, body = get(t, ts.URL+"/ready")
	if status != http.StatusOK {
		t.Fatalf("status after ready = %d, want 200", status)
	}
	if body != `{"status":"ready"}` {
		t.Fatalf("body = %q", body)
	}

	s.SetReady(false)
	status, _ = get(t, ts.URL+"/ready")
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status after unready = %d, want 503", status)
	}
}

func TestMetricsExposition(t *testing.T) {
	_, ts := newTestEndpoint(t)

	status, body := get(t, ts.URL+"/metrics")
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if !strings.Contains(body, "sekido_ops_total") && !strings.Contains(body, "sekido_connections_total") {
		t.Fatalf("exposition missing expected metric families:\n%s", body)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, ts := newTestEndpoint(t)

	resp, err := http.Post(ts.URL+"/health", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}
