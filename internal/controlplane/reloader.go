// Package controlplane keeps the binding table in sync with the configured
// binding sources.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SkynetNext/sockdispatch/internal/config"
	"github.com/SkynetNext/sockdispatch/internal/dispatch"
	"github.com/SkynetNext/sockdispatch/internal/observability"
	"github.com/SkynetNext/sockdispatch/pkg/xlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var (
	reloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sockdispatch_controlplane_reloads_total",
		Help: "Total binding reloads",
	}, []string{"result"})

	lastReloadSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sockdispatch_controlplane_last_reload_success_timestamp_seconds",
		Help: "Time of the last successful binding reload",
	})
)

// ErrNoSources is returned by Reload when no source is configured.
var ErrNoSources = errors.New("no binding sources configured")

// Source produces the full set of bindings it is responsible for.
type Source interface {
	Name() string
	LoadBindings(ctx context.Context) (dispatch.Bindings, error)
}

// Table is the part of the dispatcher the reloader writes to.
type Table interface {
	ReplaceBindings(dispatch.Bindings) (added, removed dispatch.Bindings, err error)
}

// FileSource reads a YAML bindings file.
type FileSource struct {
	Path string
}

func (f FileSource) Name() string { return "file:" + f.Path }

func (f FileSource) LoadBindings(context.Context) (dispatch.Bindings, error) {
	return config.LoadBindingsFile(f.Path)
}

// Status describes the outcome of the latest reload.
type Status struct {
	LastAttempt time.Time
	LastSuccess time.Time
	LastError   string
	Bindings    int
}

// Reloader merges the bindings of all sources and replaces the table in a
// single step. If any source fails the table is left untouched.
type Reloader struct {
	table   Table
	sources []Source
	limiter *rate.Limiter
	trigger chan struct{}
	log     xlog.Logger

	mu     sync.Mutex
	status Status
}

// NewReloader creates a reloader. Triggered reloads are limited to one per
// minInterval.
func NewReloader(table Table, minInterval time.Duration, sources ...Source) *Reloader {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &Reloader{
		table:   table,
		sources: sources,
		limiter: rate.NewLimiter(limit, 1),
		trigger: make(chan struct{}, 1),
		log:     xlog.With("controlplane"),
	}
}

// Reload loads every source and replaces the binding table.
func (r *Reloader) Reload(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "controlplane.Reload")
	defer span.End()

	err := r.reload(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Reloader) reload(ctx context.Context) error {
	now := time.Now()
	bindings, err := r.load(ctx)
	if err == nil {
		var added, removed dispatch.Bindings
		added, removed, err = r.table.ReplaceBindings(bindings)
		if err == nil {
			r.logChanges(added, removed)
			trace.SpanFromContext(ctx).SetAttributes(
				attribute.Int("bindings.total", len(bindings)),
				attribute.Int("bindings.added", len(added)),
				attribute.Int("bindings.removed", len(removed)),
			)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.status.LastAttempt = now
	if err != nil {
		reloadsTotal.WithLabelValues("error").Inc()
		r.status.LastError = err.Error()
		r.log.Errorf("reload failed, keeping current bindings: %v", err)
		return err
	}

	reloadsTotal.WithLabelValues("success").Inc()
	lastReloadSuccess.Set(float64(now.Unix()))
	r.status.LastSuccess = now
	r.status.LastError = ""
	r.status.Bindings = len(bindings)
	return nil
}

func (r *Reloader) load(ctx context.Context) (dispatch.Bindings, error) {
	if len(r.sources) == 0 {
		return nil, ErrNoSources
	}

	var all dispatch.Bindings
	for _, src := range r.sources {
		bindings, err := src.LoadBindings(ctx)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name(), err)
		}
		r.log.Debugf("source %s: %d bindings", src.Name(), len(bindings))
		all = append(all, bindings...)
	}
	return all, nil
}

func (r *Reloader) logChanges(added, removed dispatch.Bindings) {
	if len(added) == 0 && len(removed) == 0 {
		r.log.Debugf("bindings unchanged")
		return
	}
	for _, b := range removed {
		r.log.Infof("removed binding %s", b)
	}
	for _, b := range added {
		r.log.Infof("added binding %s", b)
	}
}

// Trigger requests a reload from Run. It never blocks; triggers arriving
// while one is pending are coalesced.
func (r *Reloader) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run reloads whenever Trigger is called or an update arrives on updates,
// until ctx is cancelled. updates may be nil.
func (r *Reloader) Run(ctx context.Context, updates <-chan config.ConfigUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			r.log.Infof("update notification: %s", update.Type)
		case <-r.trigger:
		}

		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		_ = r.Reload(ctx)
	}
}

// Status returns the outcome of the latest reload.
func (r *Reloader) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}
