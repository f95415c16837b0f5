package app

import (
	"context"
	"errors"
	"net/http"

	"github.com/intentauction/coordinator/internal/bus"
	"github.com/intentauction/coordinator/internal/log"
	"github.com/intentauction/coordinator/internal/reaper"
)

// busService adapts bus.MessageBus's Close into the Lifecycle's Service
// shape; the bus has no separate "start" step, the constructor already
// leaves it ready to use.
type busService struct{ b bus.MessageBus }

func (s busService) Name() string { return "bus" }
func (s busService) Start() error { return nil }
func (s busService) Stop() error  { return s.b.Close() }

// reaperService adapts reaper.Reaper's Start/Stop into the Lifecycle's
// Service shape.
type reaperService struct{ r *reaper.Reaper }

func (s reaperService) Name() string { return "reaper" }
func (s reaperService) Start() error { s.r.Start(); return nil }
func (s reaperService) Stop() error  { s.r.Stop(); return nil }

// httpService runs an *http.Server in the background and shuts it down
// gracefully on Stop.
type httpService struct {
	srv *http.Server
	log *log.Logger
}

func (s httpService) Name() string { return "http:" + s.srv.Addr }

func (s httpService) Start() error {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", "addr", s.srv.Addr, "err", err)
		}
	}()
	return nil
}

func (s httpService) Stop() error {
	return s.srv.Shutdown(context.Background())
}
