package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/lanchat/pkg/protocol"
)

// metricValue gathers m's registry and returns the gauge or counter value
// of the series name with the given label pairs (name, value, ...).
// Missing series read as 0.
func metricValue(t *testing.T, m *Metrics, name string, labels ...string) float64 {
	t.Helper()
	require.Zero(t, len(labels)%2, "labels come in pairs")

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if !hasLabels(metric, labels) {
				continue
			}
			switch {
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue()
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue()
			case metric.GetHistogram() != nil:
				return float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func hasLabels(metric *dto.Metric, labels []string) bool {
	want := map[string]string{}
	for i := 0; i+1 < len(labels); i += 2 {
		want[labels[i]] = labels[i+1]
	}
	found := 0
	for _, pair := range metric.GetLabel() {
		if v, ok := want[pair.GetName()]; ok {
			if v != pair.GetValue() {
				return false
			}
			found++
		}
	}
	return found == len(want)
}

func TestMetricsRecorders(t *testing.T) {
	m := NewMetrics()

	m.RecordEnvelopeReceived("message")
	m.RecordEnvelopeReceived("message")
	m.RecordEnvelopesSent("sticker", 3)
	m.RecordBinaryBytes(1500)
	m.RecordFrameError("truncated")
	m.RecordBroadcast(2*time.Millisecond, 3)

	assert.Equal(t, 2.0, metricValue(t, m, "lanchat_envelopes_received_total", "type", "message"))
	assert.Equal(t, 3.0, metricValue(t, m, "lanchat_envelopes_sent_total", "type", "sticker"))
	assert.Equal(t, 1500.0, metricValue(t, m, "lanchat_binary_bytes_relayed_total"))
	assert.Equal(t, 1.0, metricValue(t, m, "lanchat_frame_errors_total", "reason", "truncated"))
	assert.Equal(t, 0.0, metricValue(t, m, "lanchat_frame_errors_total", "reason", "too_large"))
	assert.Equal(t, 1.0, metricValue(t, m, "lanchat_broadcast_duration_seconds"))
}

func TestMetricsRegistriesIndependent(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.RecordOnlineUsers(5)

	assert.Equal(t, 5.0, metricValue(t, a, "lanchat_online_users"))
	assert.Equal(t, 0.0, metricValue(t, b, "lanchat_online_users"))
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.RecordConnections(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "lanchat_connections 2"))
}

func TestRelayMetrics(t *testing.T) {
	env := startTestServer(t, nil)
	m := env.srv.Metrics()

	alice := dialTCP(t, env, "alice")
	bob := dialTCP(t, env, "bob")
	alice.login(t)
	bob.login(t)

	require.NoError(t, alice.SendSticker([]byte("12345")))
	bob.expectBinary(t)

	assert.Equal(t, 2.0, metricValue(t, m, "lanchat_envelopes_received_total", "type", "login"))
	assert.Equal(t, 1.0, metricValue(t, m, "lanchat_envelopes_received_total", "type", "sticker"))
	// Delivery metrics are recorded once every recipient write returned
	assert.Eventually(t, func() bool {
		return metricValue(t, m, "lanchat_envelopes_sent_total", "type", "sticker") == 1 &&
			metricValue(t, m, "lanchat_binary_bytes_relayed_total") == 5
	}, expectTimeout, 10*time.Millisecond)

	require.NoError(t, alice.SendEnvelope(&protocol.Envelope{Type: "dance"}, nil))
	alice.expect(t, protocol.TypeError)
	assert.Equal(t, 1.0, metricValue(t, m, "lanchat_envelopes_received_total", "type", "unknown"))
}
