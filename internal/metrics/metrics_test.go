package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRelay_RegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()

	if _, err := NewRelay(reg); err != nil {
		t.Fatalf("first NewRelay failed: %v", err)
	}
	if _, err := NewRelay(reg); err != nil {
		t.Fatalf("second NewRelay should tolerate existing collectors: %v", err)
	}
}

func TestRelay_Record(t *testing.T) {
	m, err := NewRelay(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewRelay failed: %v", err)
	}

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.Response(0)
	m.Response(0)
	m.Response(1400)
	m.Lagged(3)
	m.Lagged(2)
	m.EventPublished("heartbeat")
	m.QueueDepth(7)
	m.Processed(20 * time.Millisecond)

	if got := testutil.ToFloat64(m.sessionsActive); got != 1 {
		t.Errorf("sessions active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sessionsTotal); got != 2 {
		t.Errorf("sessions total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.responsesTotal.WithLabelValues("0")); got != 2 {
		t.Errorf("responses{retcode=0} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.responsesTotal.WithLabelValues("1400")); got != 1 {
		t.Errorf("responses{retcode=1400} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.lagEvents); got != 5 {
		t.Errorf("lagged = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.eventsPublished.WithLabelValues("heartbeat")); got != 1 {
		t.Errorf("published{heartbeat} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.dispatchQueueDepth); got != 7 {
		t.Errorf("queue depth = %v, want 7", got)
	}
}

func TestRelay_NilSafe(t *testing.T) {
	var m *Relay
	m.SessionOpened()
	m.SessionClosed()
	m.Response(2)
	m.QueueDepth(1)
	m.DispatchRejected("full")
	m.Processed(time.Second)
	m.EventPublished("ws")
	m.EventDelivered()
	m.EventDropped()
	m.Lagged(1)
	m.Subscribers(1)
	m.JournalRows("inserted", 1)
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewRelay(reg)
	if err != nil {
		t.Fatalf("NewRelay failed: %v", err)
	}
	m.Lagged(4)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "onebot_relay_events_lagged_total 4") {
		t.Errorf("metrics output missing lag counter:\n%s", body)
	}
}
