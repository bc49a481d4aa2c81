package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/callpilot/internal/callstore"
	"github.com/snarg/callpilot/internal/channel"
	"github.com/snarg/callpilot/internal/config"
	"github.com/snarg/callpilot/internal/ivr"
	"github.com/snarg/callpilot/internal/metrics"
	"github.com/snarg/callpilot/internal/origination"
	"github.com/snarg/callpilot/internal/push"
	"github.com/snarg/callpilot/internal/trunkstore"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

type ServerOptions struct {
	Config    *config.Config
	Trunks    *trunkstore.Store
	Calls     *callstore.Store
	Queue     *origination.Queue
	Channels  *channel.Registry
	Pushes    *push.Registry
	Catalog   *ivr.Catalog
	Engine    *ivr.Engine
	Validator *ivr.Validator
	Orig      Originator
	SessPBX   channel.PBX
	Demux     interface{ Reconnects() int64 }
	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	r := chi.NewRouter()

	var corsOrigins []string
	if opts.Config.CORSOrigins != "" {
		for _, o := range strings.Split(opts.Config.CORSOrigins, ",") {
			if s := strings.TrimSpace(o); s != "" {
				corsOrigins = append(corsOrigins, s)
			}
		}
	}

	r.Use(RequestID)
	r.Use(CORSWithOrigins(corsOrigins))
	r.Use(RateLimiter(opts.Config.RateLimitRPS, opts.Config.RateLimitBurst))
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(MaxBodySize(1 << 20))

	health := NewHealthHandler(opts.Version, opts.StartTime, opts.Demux)
	r.Get("/api/health", health.ServeHTTP)

	if opts.Config.MetricsEnabled {
		collector := metrics.NewCollector(&controlPlaneStats{opts: opts})
		prometheus.MustRegister(collector)
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		if opts.Config.MetricsEnabled {
			r.Use(metrics.InstrumentHandler)
		}
		NewTrunksHandler(opts.Trunks, opts.Config.TrunkInventoryTimeout, opts.Log).Routes(r)
		NewCallsHandler(opts.Trunks, opts.Calls, opts.Queue, opts.Channels, opts.Catalog, opts.Orig, opts.SessPBX, opts.Log).Routes(r)
		NewActionsHandler(opts.Engine, opts.Catalog, opts.Log).Routes(r)
		NewValidateHandler(opts.Validator, opts.Log).Routes(r)
		NewPushHandler(opts.Pushes, opts.Log).Routes(r)
	})

	srv := &http.Server{
		Addr:        opts.Config.ListenAddr(),
		Handler:     r,
		ReadTimeout: opts.Config.ReadTimeout,
		IdleTimeout: opts.Config.IdleTimeout,
		// WriteTimeout stays 0: push sockets are long-lived.
		WriteTimeout: 0,
	}

	return &Server{http: srv, log: opts.Log}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}

// controlPlaneStats adapts the live stores to the metrics collector.
type controlPlaneStats struct {
	opts ServerOptions
}

func (c *controlPlaneStats) ActiveAssignments() int {
	return c.opts.Trunks.Stats().Assignments
}

func (c *controlPlaneStats) ActiveChannels() int {
	return c.opts.Channels.Count()
}

func (c *controlPlaneStats) OpenPushSessions() int {
	return c.opts.Pushes.Count()
}

func (c *controlPlaneStats) QueuedOriginations() int {
	return c.opts.Queue.Stats().Pending
}

func (c *controlPlaneStats) DemuxReconnects() int64 {
	if c.opts.Demux == nil {
		return 0
	}
	return c.opts.Demux.Reconnects()
}
