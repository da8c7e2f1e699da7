package status

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/abdshomad/onebox-rs/pkg/bond"
)

func TestServeStatus(t *testing.T) {
	h := New(Handler{
		Links: func() []bond.LinkReport {
			return []bond.LinkReport{
				{Name: "wan0", Status: bond.StatusUp, RTT: 23 * time.Millisecond, LossPercent: 0},
				{Name: "wan1", Status: bond.StatusDown, RTT: 0, LossPercent: 100},
			}
		},
	})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/status", nil))

	if w.Code != 200 {
		t.Fatalf("status %d", w.Code)
	}
	body, _ := io.ReadAll(w.Result().Body)
	s := string(body)
	for _, want := range []string{"wan0", "up", "rtt=23ms", "wan1", "down", "loss=100.0%"} {
		if !strings.Contains(s, want) {
			t.Errorf("missing %q in %q", want, s)
		}
	}
}

func TestServeStatusNoLinks(t *testing.T) {
	h := New(Handler{})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/status", nil))
	body, _ := io.ReadAll(w.Result().Body)
	if !strings.Contains(string(body), "no links") {
		t.Errorf("unexpected body %q", body)
	}
}

func TestServeMetrics(t *testing.T) {
	h := New(Handler{
		Metrics: []func(io.Writer){
			func(w io.Writer) { io.WriteString(w, "onebox_test_metric 1\n") },
		},
	})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != 200 {
		t.Fatalf("status %d", w.Code)
	}
	body, _ := io.ReadAll(w.Result().Body)
	if !strings.Contains(string(body), "onebox_test_metric 1") {
		t.Errorf("custom metric missing in %q", body)
	}
}
