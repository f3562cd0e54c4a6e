package client

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjnchat/kjnchat/pkg/protocol"
)

func TestMetricsCountRouting(t *testing.T) {
	conn := NewMockConnection()
	dir := newStubDirectory()
	metrics := NewMetrics()
	sess := NewSession(conn, dir, testSelf, func() (string, bool) { return "token", true }, testConfig())
	sess.SetMetrics(metrics)
	t.Cleanup(func() { sess.Disconnect() })
	startSession(t, sess)

	require.NoError(t, conn.SimulateMessage(protocol.PublicChannel, chatEnvelope(alice, "counted")))
	require.NoError(t, sess.SendMessage("outbound"))

	waitMessages(t, sess, 2)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.EnvelopesRouted.WithLabelValues("appended")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Publishes.WithLabelValues("CHAT")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Publishes.WithLabelValues("JOIN")))
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	metrics := NewMetrics()
	metrics.Reconnects.Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "kjnchat_reconnects_total 1")
}

func TestTwoSessionsDoNotCollide(t *testing.T) {
	// Private registries: constructing a second set must not panic on
	// duplicate registration.
	a := NewMetrics()
	b := NewMetrics()
	a.DecodeErrors.Inc()
	assert.Equal(t, float64(0), testutil.ToFloat64(b.DecodeErrors))
}
