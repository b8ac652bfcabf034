package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector(t *testing.T) {
	c := NewCollector()
	c.EventReceived("new_message")
	c.EventReceived("new_message")
	c.DuplicateSuppressed("new_notification")
	c.Reconnected()
	c.SetUnread(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.EventsReceived.WithLabelValues("new_message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.EventsDuplicate.WithLabelValues("new_notification")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Reconnects))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.NotificationUnread))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "claimsync_events_received_total")
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.EventReceived("x")
		c.DuplicateSuppressed("x")
		c.EventDropped()
		c.Reconnected()
		c.CommandFailed("x")
		c.SetConnectionState(2)
		c.SetUnread(1)
	})
}
