package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/SkynetNext/sockdispatch/internal/config"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLoggerFlushesOnClose(t *testing.T) {
	var buf bytes.Buffer
	l := NewAuditLogger(config.AuditConfig{
		BufferSize:    16,
		BatchSize:     100,
		FlushInterval: time.Hour,
	}, zerolog.New(&buf))

	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	l.Log(&VerdictLog{
		Timestamp: now,
		Protocol:  "tcp",
		Source:    "192.0.2.1:40000",
		Local:     "198.51.100.1:443",
		Verdict:   "redirect",
		Target:    42,
	})
	l.Log(&VerdictLog{Timestamp: now, Protocol: "udp", Verdict: "pass"})
	l.Close()
	l.Close()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "verdict", first["log"])
	assert.Equal(t, "redirect", first["verdict"])
	assert.Equal(t, "198.51.100.1:443", first["local"])
	assert.EqualValues(t, 42, first["target"])

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.NotContains(t, second, "target")
}

type lineWriter chan string

func (w lineWriter) Write(p []byte) (int, error) {
	w <- string(p)
	return len(p), nil
}

func TestAuditLoggerFlushesBatches(t *testing.T) {
	lines := make(lineWriter, 10)
	l := NewAuditLogger(config.AuditConfig{BatchSize: 2, FlushInterval: time.Hour}, zerolog.New(lines))
	defer l.Close()

	l.Log(&VerdictLog{Verdict: "drop"})
	l.Log(&VerdictLog{Verdict: "drop"})

	for i := 0; i < 2; i++ {
		select {
		case line := <-lines:
			assert.Contains(t, line, `"verdict":"drop"`)
		case <-time.After(5 * time.Second):
			t.Fatal("batch not flushed")
		}
	}
}

func TestAuditLoggerDropsWhenFull(t *testing.T) {
	l := &AuditLogger{logChan: make(chan *VerdictLog, 1)}

	before := testutil.ToFloat64(AuditDroppedTotal)
	l.Log(&VerdictLog{})
	l.Log(&VerdictLog{})
	assert.Equal(t, before+1, testutil.ToFloat64(AuditDroppedTotal))
}

func TestNilAuditLogger(t *testing.T) {
	var l *AuditLogger
	l.Log(&VerdictLog{})
	l.Close()
}

func TestCloudNativeMiddleware(t *testing.T) {
	h := CloudNativeMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	before := testutil.ToFloat64(AdminRequestsTotal.WithLabelValues("GET", "418"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bindings", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Sockdispatch-Version"))
	assert.Equal(t, before+1, testutil.ToFloat64(AdminRequestsTotal.WithLabelValues("GET", "418")))
}

func TestRecordHelpers(t *testing.T) {
	before := testutil.ToFloat64(ConnectionsTotal.WithLabelValues("tcp", "drop"))
	RecordVerdict("tcp", "drop")
	assert.Equal(t, before+1, testutil.ToFloat64(ConnectionsTotal.WithLabelValues("tcp", "drop")))

	SetUpstreamHealth("upstream:80", false)
	assert.Zero(t, testutil.ToFloat64(UpstreamHealth.WithLabelValues("upstream:80")))
	SetUpstreamHealth("upstream:80", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(UpstreamHealth.WithLabelValues("upstream:80")))
}
