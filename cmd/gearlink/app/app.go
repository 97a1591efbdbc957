package app

import (
	"context"
	"fmt"
	"sync/atomic"

	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/gearlink/cmd/gearlink/app/options"
	"github.com/autopeer-io/gearlink/internal/dfu"
	"github.com/autopeer-io/gearlink/internal/gearlink"
	"github.com/autopeer-io/gearlink/pkg/app"
	"github.com/autopeer-io/gearlink/pkg/log"
)

const (
	commandName = "gearlink"
	commandDesc = `gearlink talks to a wearable tag and its accessories through an MQTT
radio bridge. It checks the firmware catalog for updates, transfers the
images to the device and installs them.`
)

// current is the running agent, if any, so configuration reloads can
// reach it.
var current atomic.Pointer[gearlink.Agent]

func NewApp() *app.App {
	opts := options.NewGearlinkOptions()
	application := app.NewApp(
		commandName,
		"Manage wearable firmware over an MQTT radio bridge",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithConfigReload(reload(opts)),
		app.WithSubcommands(
			newCommand("serve", "Serve the update API over HTTP", run(opts, gearlink.Serve(opts.HttpOptions))),
			newCommand("components", "List the firmware targets of the device", run(opts, components)),
			newCommand("battery", "Print the tag battery level", run(opts, battery)),
			newCommand("check", "Check the firmware catalog for updates", run(opts, check(opts.Command))),
			newCommand("apply", "Transfer available updates to the device", run(opts, apply(opts.Command, false))),
			newCommand("execute", "Transfer any missing bytes, then install the updates", run(opts, apply(opts.Command, true))),
		),
	)
	return application
}

func newCommand(name, short string, fn app.RunFunc) *app.App {
	return app.NewApp(name, short, app.WithDefaultValidArgs(), app.WithRunFunc(fn))
}

func run(opts *options.GearlinkOptions, task gearlink.Task) app.RunFunc {
	return func() error {
		log.Init(opts.Log)
		defer log.Sync()

		ctx := genericapiserver.SetupSignalContext()

		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		agent, err := cfg.NewAgent()
		if err != nil {
			return fmt.Errorf("failed to create agent: %w", err)
		}
		current.Store(agent)
		defer current.Store(nil)

		return agent.Run(ctx, task)
	}
}

// reload applies the settings that may change while running.
func reload(opts *options.GearlinkOptions) app.ReloadFunc {
	return func() {
		log.SetLevel(opts.Log.Level)
		if agent := current.Load(); agent != nil {
			agent.SetMinBatteryLevel(opts.DfuOptions.MinBatteryLevel)
		}
		log.Info("Configuration reloaded", "level", opts.Log.Level, "minBatteryLevel", opts.DfuOptions.MinBatteryLevel)
	}
}

func components(ctx context.Context, a *gearlink.Agent) error {
	comps, err := a.Manager().DescribeComponents(ctx)
	if err != nil {
		return err
	}
	printComponents(comps)
	return nil
}

func battery(ctx context.Context, a *gearlink.Agent) error {
	level, err := a.Querier().BatteryLevel(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%d%%\n", level)
	return nil
}

func check(cmd *options.CommandOptions) gearlink.Task {
	return func(ctx context.Context, a *gearlink.Agent) error {
		updates, err := a.Manager().CheckFirmware(ctx, cmd.Force)
		if err != nil {
			return err
		}
		printUpdates(updates)
		return nil
	}
}

// apply transfers the available updates. Images already complete on the
// device resume at their end, so execute after apply sends no image bytes
// twice.
func apply(cmd *options.CommandOptions, install bool) gearlink.Task {
	return func(ctx context.Context, a *gearlink.Agent) error {
		m := a.Manager()
		updates, err := m.CheckFirmware(ctx, cmd.Force)
		if err != nil {
			return err
		}
		printUpdates(updates)

		if err := m.ApplyUpdates(ctx, nil); err != nil {
			return fmt.Errorf("transfer failed: %w", err)
		}
		if err := finish(ctx, m, install || cmd.Install); err != nil {
			return fmt.Errorf("install failed: %w", err)
		}
		return nil
	}
}

// installer is the part of the manager that installs transferred images.
type installer interface {
	State() dfu.UpdateState
	ExecuteUpdates(ctx context.Context) error
}

// finish installs transferred images when install is set. Updates that
// only touch loadable modules are already Completed after the transfer.
func finish(ctx context.Context, m installer, install bool) error {
	switch st := m.State().(type) {
	case dfu.Completed:
	case dfu.Transferred:
		if !install {
			fmt.Println("Transfer complete, run with --install to install the images.")
			return nil
		}
		if err := m.ExecuteUpdates(ctx); err != nil {
			return err
		}
	default:
		return fmt.Errorf("nothing to install in state %s: %w", st, dfu.ErrIllegalState)
	}
	fmt.Println("Update complete.")
	return nil
}
