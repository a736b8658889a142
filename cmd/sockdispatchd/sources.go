package main

import (
	"context"

	"time"

	"github.com/SkynetNext/sockdispatch/internal/api"
	"github.com/SkynetNext/sockdispatch/internal/config"
	"github.com/SkynetNext/sockdispatch/internal/controlplane"
)

// sourceSet holds the binding sources and what notifies about changes.
type sourceSet struct {
	list    []controlplane.Source
	file    string
	cfg     config.ControlPlaneConfig
	redis   *config.RedisStore
	watcher *config.FileWatcher
}

func bindingSources(ctx context.Context, cfg *config.Config) (*sourceSet, error) {
	s := &sourceSet{cfg: cfg.ControlPlane}

	if path := cfg.ControlPlane.BindingsFile; path != "" {
		s.file = path
		s.list = append(s.list, controlplane.FileSource{Path: path})
	}

	store, err := config.NewRedisStore(ctx, &cfg.ControlPlane.Redis)
	if err != nil {
		return nil, err
	}
	if store != nil {
		s.redis = store
		s.list = append(s.list, store)
	}
	return s, nil
}

// runReloader loads the bindings once and keeps them in sync with the
// sources until ctx is done. Without sources it returns a nil Reloader.
func (s *sourceSet) runReloader(ctx context.Context, table controlplane.Table) (api.Reloader, error) {
	if len(s.list) == 0 {
		return nil, nil
	}

	r := controlplane.NewReloader(table, time.Second, s.list...)
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	s.start(r)
	go r.Run(ctx, s.updates())
	return r, nil
}

func (s *sourceSet) start(r *controlplane.Reloader) {
	if s.file == "" {
		return
	}
	s.watcher = config.NewFileWatcher(s.file, s.cfg.WatchInterval, r.Trigger)
	s.watcher.Start()
}

func (s *sourceSet) updates() <-chan config.ConfigUpdate {
	return s.redis.Updates()
}

func (s *sourceSet) stop() {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	s.redis.Close()
}
