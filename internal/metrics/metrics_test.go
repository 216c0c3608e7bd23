package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/memohai/omnibox/internal/channel"
	"github.com/memohai/omnibox/internal/message"
	"github.com/memohai/omnibox/internal/message/event"
)

func TestConnectionGaugeFollowsTransitions(t *testing.T) {
	t.Parallel()

	m := New()
	m.ConnectionStatusChanged(message.PlatformSlack, "", channel.StatusConnected)
	m.ConnectionStatusChanged(message.PlatformSlack, "", channel.StatusConnected)
	m.ConnectionStatusChanged(message.PlatformSlack, channel.StatusConnected, channel.StatusDisconnected)
	m.ConnectionStatusChanged(message.PlatformSlack, channel.StatusDisconnected, channel.StatusDisconnected)

	if got := testutil.ToFloat64(m.connections.WithLabelValues("slack", "connected")); got != 1 {
		t.Fatalf("connected = %v", got)
	}
	if got := testutil.ToFloat64(m.connections.WithLabelValues("slack", "disconnected")); got != 1 {
		t.Fatalf("disconnected = %v", got)
	}
}

func TestCountersAndHandler(t *testing.T) {
	t.Parallel()

	m := New()
	m.MessageIngested(message.PlatformTelegram, message.PriorityHigh)
	m.MessageUnattributed(message.PlatformWhatsApp)
	m.RuleFailed()
	m.OutboundResult(message.PlatformMatrix, nil)
	m.OutboundResult(message.PlatformMatrix, errors.New("boom"))
	var drop event.DropObserver = m.EventDropped
	drop("sub-1", event.Event{})

	if got := testutil.ToFloat64(m.outbound.WithLabelValues("matrix", "error")); got != 1 {
		t.Fatalf("outbound errors = %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`omnibox_inbound_messages_total{platform="telegram",priority="high"} 1`,
		`omnibox_unattributed_messages_total{platform="whatsapp"} 1`,
		`omnibox_rule_errors_total 1`,
		`omnibox_bus_dropped_events_total 1`,
		`omnibox_outbound_messages_total{platform="matrix",result="ok"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
