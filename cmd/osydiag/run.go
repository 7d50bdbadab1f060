package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/LoveWonYoung/osycomm/cantp"
	"github.com/LoveWonYoung/osycomm/driver"
	"github.com/LoveWonYoung/osycomm/ipdispatch"
	"github.com/LoveWonYoung/osycomm/metrics"
	"github.com/LoveWonYoung/osycomm/tp"
)

// stack is the communication stack one command runs on. can is nil when no
// CAN interface is configured.
type stack struct {
	can *driver.Dispatcher
	ip  *ipdispatch.Dispatcher
}

func (s *stack) canDispatcher() cantp.Dispatcher {
	if s.can == nil {
		return nil
	}
	return s.can
}

// run brings the stack up, runs fn and tears everything down once fn
// returns or any background loop fails.
func (a *app) run(ctx context.Context, fn func(ctx context.Context, s *stack) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	s := &stack{}
	if a.cfg.CAN.Iface != "" || a.cfg.CAN.Virtual {
		bus, err := a.openCAN(ctx)
		if err != nil {
			return err
		}
		s.can = driver.NewDispatcher(bus, a.logger.Named("can"))
		defer s.can.Close()
		g.Go(func() error {
			if err := s.can.Run(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	ipCfg := ipdispatch.DefaultConfig()
	ipCfg.UDPBroadcast = a.cfg.IP.Broadcast
	ipCfg.ConnectTimeout = a.cfg.IP.ConnectTimeout
	s.ip = ipdispatch.New(ctx, ipCfg, a.logger)
	defer func() {
		if err := s.ip.Close(); err != nil {
			a.logger.Debug("close IP dispatcher", zap.Error(err))
		}
	}()
	if err := s.ip.InitUDP(); err != nil {
		a.logger.Warn("UDP broadcast unavailable", zap.Error(err))
	}

	if a.cfg.MetricsAddr != "" {
		srv, err := a.metricsServer()
		if err != nil {
			return err
		}
		g.Go(func() error {
			a.logger.Info("serving metrics", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer cancel()
		return fn(ctx, s)
	})
	return g.Wait()
}

func (a *app) metricsServer() (*http.Server, error) {
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		return nil, errors.Wrap(err, "register metrics")
	}
	return &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}, nil
}

func (a *app) openCAN(ctx context.Context) (driver.Bus, error) {
	if a.cfg.CAN.Virtual {
		return driver.NewVirtualBus(a.logger).Attach("osydiag"), nil
	}
	return openSocketCAN(ctx, a.cfg.CAN.Iface, a.logger)
}

func requireCAN(s *stack) error {
	if s.can == nil {
		return errors.Wrap(tp.ErrNotConfigured, "no CAN interface, set --can.iface or --can.virtual")
	}
	return nil
}
