package app

import (
	"context"
	"errors"

	"github.com/csirtgadgets/verbose-robot/pkg/logger"
	"github.com/csirtgadgets/verbose-robot/pkg/state/shutdown"
	"github.com/csirtgadgets/verbose-robot/pkg/worker"
)

// Shutdown stops every component: listeners first, then the pools, the
// router loop, the store loop (which flushes the create queue) and
// finally the engine and the pidfile.
func (a *App) Shutdown(ctx context.Context) error {
	a.state = "shutting_down"

	stopPool := func(p *worker.Pool) func(context.Context) error {
		if p == nil {
			return nil
		}
		return func(ctx context.Context) error {
			p.Stop(ctx)
			return nil
		}
	}

	steps := []shutdown.Step{
		{Name: "gateway", Fn: a.stopGateway()},
		{Name: "metrics", Fn: a.stopMetrics()},
		{Name: "firehose", Fn: a.stopFirehose()},
		{Name: "retention", Fn: func(context.Context) error { a.retention.Stop(); return nil }},
		{Name: "sensor", Fn: func(context.Context) error {
			if a.sensor != nil {
				a.sensor.Stop()
			}
			return nil
		}},
		{Name: "hunters", Fn: stopPool(a.hunters)},
		{Name: "gatherers", Fn: stopPool(a.gatherers)},
		{Name: "streamer", Fn: stopPool(a.streamers)},
		{Name: "webhooks", Fn: stopPool(a.webhooks)},
		{Name: "router", Fn: func(context.Context) error {
			if a.router != nil {
				a.router.Stop()
			}
			a.routerSocks.Close()
			return nil
		}},
		{Name: "store", Fn: func(context.Context) error {
			if a.proc != nil {
				a.proc.Stop()
			}
			a.storeSocks.Close()
			a.loops.Wait()
			return nil
		}},
		{Name: "engine", Fn: func(context.Context) error {
			if a.gathererDeps != nil {
				a.gathererDeps.Close()
			}
			if a.store == nil {
				return nil
			}
			return a.store.Close()
		}},
		{Name: "sockets", Fn: func(context.Context) error {
			if a.cancel != nil {
				a.cancel()
			}
			return nil
		}},
		{Name: "pidfile", Fn: func(context.Context) error { return a.pid.Release() }},
	}

	err := shutdown.Run(ctx, steps)
	if err == nil {
		a.state = "stopped"
	}
	logger.Info("app_state", "state", a.state)
	return err
}

func (a *App) stopGateway() func(context.Context) error {
	if a.gateway == nil {
		return nil
	}
	return func(ctx context.Context) error {
		err := a.gateway.Shutdown(ctx)
		if a.gwClient != nil {
			err = errors.Join(err, a.gwClient.Close())
		}
		return err
	}
}

func (a *App) stopMetrics() func(context.Context) error {
	if a.metricsSrv == nil {
		return nil
	}
	return func(context.Context) error { return a.metricsSrv.Shutdown() }
}

func (a *App) stopFirehose() func(context.Context) error {
	if a.hub == nil {
		return nil
	}
	return func(ctx context.Context) error {
		err := a.hub.Shutdown(ctx)
		if a.hubClient != nil {
			err = errors.Join(err, a.hubClient.Close())
		}
		return err
	}
}
