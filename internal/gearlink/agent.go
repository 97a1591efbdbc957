// Package gearlink assembles the device link, the command pipeline and the
// firmware update flow into one agent.
package gearlink

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/gearlink/internal/catalog"
	"github.com/autopeer-io/gearlink/internal/device"
	"github.com/autopeer-io/gearlink/internal/dfu"
	"github.com/autopeer-io/gearlink/internal/dispatch"
	"github.com/autopeer-io/gearlink/internal/notify"
	"github.com/autopeer-io/gearlink/internal/server"
	"github.com/autopeer-io/gearlink/internal/transport"
	"github.com/autopeer-io/gearlink/pkg/log"
	"github.com/autopeer-io/gearlink/pkg/options"
)

// Link is a device transport with a lifecycle.
type Link interface {
	transport.Transport
	Start(ctx context.Context) error
	Stop()
	State() transport.ConnectionState
}

// Task is the work an agent runs while the link is up.
type Task func(ctx context.Context, a *Agent) error

var (
	_ dfu.Describer   = (*device.Querier)(nil)
	_ dfu.ImageSource = (*catalog.Cache)(nil)
)

type Agent struct {
	link       Link
	dispatcher *dispatch.Dispatcher
	router     *notify.Router
	querier    *device.Querier
	orch       *dfu.Orchestrator
	manager    *dfu.Manager
	logger     log.Logger
}

func NewAgent(link Link, checker dfu.UpdateChecker, images dfu.ImageSource, opts *options.DfuOptions) *Agent {
	logger := log.WithName("agent")
	router := notify.NewRouter()
	dispatcher := dispatch.New(link,
		dispatch.WithTimeout(opts.ResponseTimeout),
		dispatch.WithNotificationSink(router),
	)
	querier := device.NewQuerier(dispatcher)
	orch := dfu.NewOrchestrator(dispatcher, router, querier, images, link,
		dfu.WithMinBatteryLevel(opts.MinBatteryLevel),
		dfu.WithExecuteFallback(opts.ExecuteFallback),
		dfu.WithLinkPriority(link),
		dfu.WithUpdateHandler(func(s dfu.UpdateState) {
			logger.Info("Update state changed", "state", s.String())
		}),
	)

	return &Agent{
		link:       link,
		dispatcher: dispatcher,
		router:     router,
		querier:    querier,
		orch:       orch,
		manager:    dfu.NewManager(querier, checker, orch),
		logger:     logger,
	}
}

func (a *Agent) Manager() *dfu.Manager {
	return a.manager
}

func (a *Agent) Querier() *device.Querier {
	return a.querier
}

func (a *Agent) Router() *notify.Router {
	return a.router
}

// Ready reports whether the radio link to the device is up.
func (a *Agent) Ready() bool {
	return a.link.State() == transport.Connected
}

// SetMinBatteryLevel changes the battery threshold of later updates.
func (a *Agent) SetMinBatteryLevel(level int) {
	a.manager.SetMinBatteryLevel(level)
}

// Run starts the link and the dispatcher, runs task, and tears everything
// down when task returns or ctx is done.
func (a *Agent) Run(ctx context.Context, task Task) error {
	a.logger.Info("Starting gearlink agent")

	if err := a.link.Start(ctx); err != nil {
		return fmt.Errorf("failed to start device link: %w", err)
	}
	defer a.link.Stop()

	g, gctx := errgroup.WithContext(ctx)
	taskCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		if err := a.dispatcher.Run(taskCtx); err != nil && taskCtx.Err() == nil {
			return fmt.Errorf("dispatcher stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return task(taskCtx, a)
	})

	err := g.Wait()
	a.logger.Info("Agent shutting down...")
	return err
}

// Serve returns a task that exposes the agent over HTTP until ctx is done.
func Serve(opts *options.HttpOptions) Task {
	return func(ctx context.Context, a *Agent) error {
		return server.NewServer(opts, a.manager, a.Ready).Start(ctx)
	}
}
