package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/SkynetNext/sockdispatch/internal/controlplane"
	"github.com/SkynetNext/sockdispatch/internal/dispatch"
	"github.com/SkynetNext/sockdispatch/internal/security"
	"github.com/SkynetNext/sockdispatch/pkg/xlog"
)

// Dispatcher is the part of *dispatch.Dispatcher the API controls.
type Dispatcher interface {
	Bindings() dispatch.Bindings
	AddBinding(*dispatch.Binding) error
	RemoveBinding(*dispatch.Binding) error
	Destinations() []dispatch.DestinationInfo
	UnregisterSocket(label string, domain dispatch.Domain, proto dispatch.Protocol) error
}

// Reloader is the part of *controlplane.Reloader the API controls.
type Reloader interface {
	Reload(ctx context.Context) error
	Status() controlplane.Status
}

// AdminAPI provides the control plane API. Changes made through it last
// until the next reload from the configured sources.
type AdminAPI struct {
	dispatcher Dispatcher
	reloader   Reloader
	security   *security.Manager
	log        xlog.Logger
}

// NewAdminAPI creates the API. reloader and sec may be nil.
func NewAdminAPI(d Dispatcher, reloader Reloader, sec *security.Manager) *AdminAPI {
	return &AdminAPI{
		dispatcher: d,
		reloader:   reloader,
		security:   sec,
		log:        xlog.With("admin"),
	}
}

// RegisterRoutes registers admin API routes
func (a *AdminAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/bindings", a.handleBindings)
	mux.HandleFunc("/api/destinations", a.handleDestinations)
	mux.HandleFunc("/api/sockets", a.handleSockets)
	mux.HandleFunc("/api/reload", a.handleReload)
	mux.HandleFunc("/api/security/rate-limit", a.handleRateLimit)
	mux.HandleFunc("/api/security/blocked-sources", a.handleBlockedSources)
	mux.HandleFunc("/api/health", a.handleHealth)
}

type bindingJSON struct {
	Label    string `json:"label"`
	Protocol string `json:"protocol"`
	Prefix   string `json:"prefix"`
	Port     uint16 `json:"port"`
}

func (b bindingJSON) binding() (*dispatch.Binding, error) {
	proto, err := dispatch.ParseProtocol(b.Protocol)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", dispatch.ErrInvalidBinding, err)
	}
	return dispatch.NewBinding(b.Label, proto, b.Prefix, b.Port)
}

type destinationJSON struct {
	Label          string `json:"label"`
	Domain         string `json:"domain"`
	Protocol       string `json:"protocol"`
	ID             uint32 `json:"id"`
	HasSocket      bool   `json:"has_socket"`
	Cookie         uint64 `json:"cookie,omitempty"`
	Bindings       int    `json:"bindings"`
	Lookups        uint64 `json:"lookups"`
	Misses         uint64 `json:"misses"`
	ErrorBadSocket uint64 `json:"error_bad_socket"`
}

// GET    /api/bindings - List bindings, most specific first
// POST   /api/bindings - Add a binding
// DELETE /api/bindings - Remove a binding
func (a *AdminAPI) handleBindings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		bindings := a.dispatcher.Bindings()
		out := make([]bindingJSON, 0, len(bindings))
		for _, b := range bindings {
			out = append(out, bindingJSON{
				Label:    b.Label,
				Protocol: b.Protocol.String(),
				Prefix:   b.Prefix.String(),
				Port:     b.Port,
			})
		}
		writeJSON(w, http.StatusOK, out)

	case http.MethodPost, http.MethodDelete:
		var req bindingJSON
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		b, err := req.binding()
		if err == nil {
			if r.Method == http.MethodPost {
				err = a.dispatcher.AddBinding(b)
			} else {
				err = a.dispatcher.RemoveBinding(b)
			}
		}
		if err != nil {
			writeError(w, err)
			return
		}

		a.log.Infof("%s binding %s via admin API", strings.ToLower(r.Method), b)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// GET /api/destinations - List destinations with their counters
func (a *AdminAPI) handleDestinations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := a.dispatcher.Destinations()
	out := make([]destinationJSON, 0, len(infos))
	for _, info := range infos {
		out = append(out, destinationJSON{
			Label:          info.Label,
			Domain:         info.Domain.String(),
			Protocol:       info.Protocol.String(),
			ID:             uint32(info.ID),
			HasSocket:      info.HasSocket,
			Cookie:         info.Cookie,
			Bindings:       info.Bindings,
			Lookups:        info.Metrics.Lookups,
			Misses:         info.Metrics.Misses,
			ErrorBadSocket: info.Metrics.ErrorBadSocket,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// DELETE /api/sockets?label=foo&domain=ipv4&protocol=tcp - Unregister a socket
func (a *AdminAPI) handleSockets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	domain, err := parseDomain(q.Get("domain"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	proto, err := dispatch.ParseProtocol(q.Get("protocol"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := a.dispatcher.UnregisterSocket(q.Get("label"), domain, proto); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type reloadStatusJSON struct {
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Bindings    int        `json:"bindings"`
}

func statusJSON(s controlplane.Status) reloadStatusJSON {
	out := reloadStatusJSON{LastError: s.LastError, Bindings: s.Bindings}
	if !s.LastAttempt.IsZero() {
		out.LastAttempt = &s.LastAttempt
	}
	if !s.LastSuccess.IsZero() {
		out.LastSuccess = &s.LastSuccess
	}
	return out
}

// GET  /api/reload - Status of the latest reload
// POST /api/reload - Reload bindings from all sources
func (a *AdminAPI) handleReload(w http.ResponseWriter, r *http.Request) {
	if a.reloader == nil {
		http.Error(w, "No binding sources configured", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, statusJSON(a.reloader.Status()))

	case http.MethodPost:
		if err := a.reloader.Reload(r.Context()); err != nil {
			writeJSON(w, http.StatusBadGateway, statusJSON(a.reloader.Status()))
			return
		}
		writeJSON(w, http.StatusOK, statusJSON(a.reloader.Status()))

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// POST /api/security/rate-limit - Update the connection rate limit
func (a *AdminAPI) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.security == nil {
		http.Error(w, "Admission control disabled", http.StatusNotFound)
		return
	}

	var req struct {
		Enabled bool    `json:"enabled"`
		CPS     float64 `json:"connections_per_second"`
		Burst   int     `json:"burst"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.Enabled {
		if req.CPS <= 0 || req.Burst <= 0 {
			http.Error(w, "connections_per_second and burst must be positive", http.StatusBadRequest)
			return
		}
		a.security.UpdateRateLimit(req.CPS, req.Burst)
	} else {
		a.security.DisableRateLimit()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /api/security/blocked-sources - List blocked source prefixes
// PUT /api/security/blocked-sources - Replace them
func (a *AdminAPI) handleBlockedSources(w http.ResponseWriter, r *http.Request) {
	if a.security == nil {
		http.Error(w, "Admission control disabled", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		prefixes := a.security.BlockedSources()
		out := make([]string, 0, len(prefixes))
		for _, p := range prefixes {
			out = append(out, p.String())
		}
		writeJSON(w, http.StatusOK, map[string][]string{"sources": out})

	case http.MethodPut:
		var req struct {
			Sources []string `json:"sources"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if err := a.security.UpdateBlockedSources(req.Sources); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// GET /api/health - Summary of the dispatcher state
func (a *AdminAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	infos := a.dispatcher.Destinations()

	var withoutSocket []string
	for _, info := range infos {
		if info.Bindings > 0 && !info.HasSocket {
			withoutSocket = append(withoutSocket, info.Destination.String())
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":                "healthy",
		"bindings":              len(a.dispatcher.Bindings()),
		"destinations":          len(infos),
		"missing_sockets":       withoutSocket,
		"control_plane_enabled": a.reloader != nil,
	})
}

func parseDomain(s string) (dispatch.Domain, error) {
	switch strings.ToLower(s) {
	case "ipv4", "inet":
		return dispatch.Inet, nil
	case "ipv6", "inet6":
		return dispatch.Inet6, nil
	default:
		return 0, fmt.Errorf("unknown domain %q", s)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dispatch.ErrInvalidBinding), errors.Is(err, dispatch.ErrInvalidLabel):
		status = http.StatusBadRequest
	case errors.Is(err, dispatch.ErrBindingNotFound), errors.Is(err, dispatch.ErrDestinationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dispatch.ErrTableFull), errors.Is(err, dispatch.ErrOutOfIDs):
		status = http.StatusConflict
	case errors.Is(err, dispatch.ErrNotLoaded):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
