package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"github.com/SkynetNext/sockdispatch/internal/config"
	"github.com/SkynetNext/sockdispatch/internal/controlplane"
	"github.com/SkynetNext/sockdispatch/internal/dispatch"
	"github.com/SkynetNext/sockdispatch/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSocket struct{ cookie uint64 }

func (s testSocket) Domain() dispatch.Domain     { return dispatch.Inet }
func (s testSocket) Protocol() dispatch.Protocol { return dispatch.TCP }
func (s testSocket) V6Only() bool                { return false }
func (s testSocket) Listening() bool             { return true }
func (s testSocket) Cookie() uint64              { return s.cookie }

type fakeReloader struct {
	err    error
	status controlplane.Status
	calls  int
}

func (f *fakeReloader) Reload(context.Context) error {
	f.calls++
	if f.err != nil {
		f.status.LastError = f.err.Error()
	}
	return f.err
}

func (f *fakeReloader) Status() controlplane.Status { return f.status }

func newTestAPI(t *testing.T, reloader Reloader, sec *security.Manager) (*dispatch.Dispatcher, http.Handler) {
	t.Helper()

	d, err := dispatch.New(dispatch.Options{Workers: 1})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	mux := http.NewServeMux()
	NewAdminAPI(d, reloader, sec).RegisterRoutes(mux)
	return d, mux
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec
}

func TestBindingsAPI(t *testing.T) {
	d, h := newTestAPI(t, nil, nil)

	rec := do(t, h, http.MethodPost, "/api/bindings", `{"label":"foo","protocol":"tcp","prefix":"10.0.0.0/8","port":80}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, d.Bindings(), 1)

	rec = do(t, h, http.MethodPost, "/api/bindings", `{"label":"bar","protocol":"udp","prefix":"2001:db8::1","port":0}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/bindings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var list []bindingJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.ElementsMatch(t, []bindingJSON{
		{Label: "foo", Protocol: "tcp", Prefix: "10.0.0.0/8", Port: 80},
		{Label: "bar", Protocol: "udp", Prefix: "2001:db8::1/128", Port: 0},
	}, list)

	rec = do(t, h, http.MethodDelete, "/api/bindings", `{"label":"foo","protocol":"tcp","prefix":"10.0.0.0/8","port":80}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, d.Bindings(), 1)

	rec = do(t, h, http.MethodDelete, "/api/bindings", `{"label":"foo","protocol":"tcp","prefix":"10.0.0.0/8","port":80}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBindingsAPIErrors(t *testing.T) {
	_, h := newTestAPI(t, nil, nil)

	for _, test := range []struct {
		method, body string
		status       int
	}{
		{http.MethodPost, `not json`, http.StatusBadRequest},
		{http.MethodPost, `{"label":"foo","protocol":"sctp","prefix":"10.0.0.0/8"}`, http.StatusBadRequest},
		{http.MethodPost, `{"label":"foo","protocol":"tcp","prefix":"10.0.0.0/33"}`, http.StatusBadRequest},
		{http.MethodPost, `{"label":"","protocol":"tcp","prefix":"10.0.0.0/8"}`, http.StatusBadRequest},
		{http.MethodPut, ``, http.StatusMethodNotAllowed},
	} {
		rec := do(t, h, test.method, "/api/bindings", test.body)
		assert.Equal(t, test.status, rec.Code, "%s %s", test.method, test.body)
	}
}

func TestDestinationsAPI(t *testing.T) {
	d, h := newTestAPI(t, nil, nil)

	b, err := dispatch.NewBinding("foo", dispatch.TCP, "127.0.0.1", 80)
	require.NoError(t, err)
	require.NoError(t, d.AddBinding(b))
	_, _, err = d.RegisterSocket("foo", testSocket{cookie: 99})
	require.NoError(t, err)

	req := dispatch.NewRequest(dispatch.TCP, netip.MustParseAddrPort("127.0.0.1:80"))
	require.Equal(t, dispatch.VerdictRedirect, d.Worker(0).Dispatch(req))
	req.Release()

	rec := do(t, h, http.MethodGet, "/api/destinations", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list []destinationJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, destinationJSON{
		Label:     "foo",
		Domain:    "ipv4",
		Protocol:  "tcp",
		ID:        list[0].ID,
		HasSocket: true,
		Cookie:    99,
		Bindings:  1,
		Lookups:   1,
	}, list[0])

	rec = do(t, h, http.MethodDelete, "/api/sockets?label=foo&domain=ipv4&protocol=tcp", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodDelete, "/api/sockets?label=foo&domain=ipv4&protocol=tcp", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodDelete, "/api/sockets?label=foo&domain=ipx&protocol=tcp", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, []any{"ipv4:tcp:foo"}, health["missing_sockets"])
	assert.Equal(t, false, health["control_plane_enabled"])
}

func TestReloadAPI(t *testing.T) {
	_, h := newTestAPI(t, nil, nil)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/reload", "").Code)

	r := &fakeReloader{status: controlplane.Status{Bindings: 3}}
	_, h = newTestAPI(t, r, nil)

	rec := do(t, h, http.MethodPost, "/api/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, r.calls)
	assert.JSONEq(t, `{"bindings":3}`, rec.Body.String())

	r.err = errors.New("redis down")
	rec = do(t, h, http.MethodPost, "/api/reload", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis down")

	rec = do(t, h, http.MethodGet, "/api/reload", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, r.calls)
}

func TestSecurityAPI(t *testing.T) {
	_, h := newTestAPI(t, nil, nil)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/security/blocked-sources", "").Code)

	sec := security.NewManager(config.SecurityConfig{})
	_, h = newTestAPI(t, nil, sec)

	rec := do(t, h, http.MethodPut, "/api/security/blocked-sources", `{"sources":["192.0.2.0/24"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/security/blocked-sources", "")
	assert.JSONEq(t, `{"sources":["192.0.2.0/24"]}`, rec.Body.String())

	rec = do(t, h, http.MethodPut, "/api/security/blocked-sources", `{"sources":["nope"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/security/rate-limit", `{"enabled":true,"connections_per_second":10,"burst":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/security/rate-limit", `{"enabled":true,"connections_per_second":10,"burst":20}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/security/rate-limit", `{"enabled":false}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWriteErrorOnClosedDispatcher(t *testing.T) {
	d, h := newTestAPI(t, nil, nil)
	require.NoError(t, d.Close())

	rec := do(t, h, http.MethodPost, "/api/bindings", `{"label":"foo","protocol":"tcp","prefix":"10.0.0.0/8"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
