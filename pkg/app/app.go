// Package app builds cobra commands from an option tree: flags come from
// named flag sets, values may be overridden by a configuration file and
// environment variables, and the file can be watched for changes.
package app

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	cliflag "k8s.io/component-base/cli/flag"
	"k8s.io/component-base/term"

	"github.com/autopeer-io/gearlink/pkg/log"
)

// RunFunc runs the command once options are loaded and validated.
type RunFunc func() error

// ReloadFunc is called after the configuration file changed and the
// options were re-read from it.
type ReloadFunc func()

// App is a command line application.
type App struct {
	name        string
	shortDesc   string
	description string
	options     NamedFlagSetOptions
	runFunc     RunFunc
	reloadFunc  ReloadFunc
	args        cobra.PositionalArgs
	subcommands []*App
	viper       *viper.Viper
	cmd         *cobra.Command
}

// Option configures an App.
type Option func(*App)

func WithOptions(opts NamedFlagSetOptions) Option {
	return func(a *App) {
		a.options = opts
	}
}

func WithRunFunc(run RunFunc) Option {
	return func(a *App) {
		a.runFunc = run
	}
}

func WithDescription(desc string) Option {
	return func(a *App) {
		a.description = desc
	}
}

// WithDefaultValidArgs rejects positional arguments.
func WithDefaultValidArgs() Option {
	return func(a *App) {
		a.args = func(cmd *cobra.Command, args []string) error {
			for _, arg := range args {
				if len(arg) > 0 {
					return fmt.Errorf("%q does not take any arguments, got %q", cmd.CommandPath(), args)
				}
			}
			return nil
		}
	}
}

// WithConfigReload watches the configuration file and calls fn after each
// change has been loaded into the options.
func WithConfigReload(fn ReloadFunc) Option {
	return func(a *App) {
		a.reloadFunc = fn
	}
}

// WithSubcommands adds child commands. Children share the parent's options,
// flags and configuration.
func WithSubcommands(children ...*App) Option {
	return func(a *App) {
		a.subcommands = append(a.subcommands, children...)
	}
}

// NewApp creates an application.
func NewApp(name, shortDesc string, opts ...Option) *App {
	a := &App{name: name, shortDesc: shortDesc}
	for _, opt := range opts {
		opt(a)
	}
	a.buildCommand()
	return a
}

// Command returns the cobra command.
func (a *App) Command() *cobra.Command {
	return a.cmd
}

// Run executes the command and exits the process on failure.
func (a *App) Run() {
	if err := a.cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func (a *App) buildCommand() {
	cmd := &cobra.Command{
		Use:           a.name,
		Short:         a.shortDesc,
		Long:          a.description,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          a.args,
	}
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)
	cmd.Flags().SortFlags = true
	a.cmd = cmd

	for _, child := range a.subcommands {
		child.options = a.options
		child.cmd.RunE = child.runCommand
		cmd.AddCommand(child.cmd)
	}

	if a.options == nil {
		if a.runFunc != nil {
			cmd.RunE = func(*cobra.Command, []string) error { return a.runFunc() }
		}
		return
	}

	a.viper = viper.New()
	namedFlagSets := a.options.Flags()
	fs := cmd.PersistentFlags()
	for _, f := range namedFlagSets.FlagSets {
		fs.AddFlagSet(f)
	}
	cfgFile := addConfigFlag(a.viper, a.name, namedFlagSets.FlagSet("global"))
	fs.AddFlagSet(namedFlagSets.FlagSet("global"))

	cmd.PersistentPreRunE = func(c *cobra.Command, _ []string) error {
		return a.load(c, *cfgFile)
	}
	if a.runFunc != nil {
		cmd.RunE = a.runCommand
	}

	usageFmt := "Usage:\n  %s\n"
	cols, _, _ := term.TerminalSize(cmd.OutOrStdout())
	cmd.SetUsageFunc(func(c *cobra.Command) error {
		fmt.Fprintf(c.OutOrStderr(), usageFmt, c.UseLine())
		cliflag.PrintSections(c.OutOrStderr(), namedFlagSets, cols)
		return nil
	})
	cmd.SetHelpFunc(func(c *cobra.Command, args []string) {
		fmt.Fprintf(c.OutOrStdout(), "%s\n\n"+usageFmt, c.Long, c.UseLine())
		cliflag.PrintSections(c.OutOrStdout(), namedFlagSets, cols)
	})
}

// load merges flags, environment and the configuration file into the
// options, then completes and validates them.
func (a *App) load(c *cobra.Command, cfgFile string) error {
	if err := a.viper.BindPFlags(c.Flags()); err != nil {
		return err
	}
	if err := readConfig(a.viper, a.name, cfgFile); err != nil {
		return err
	}
	if err := a.viper.Unmarshal(a.options); err != nil {
		return fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := a.options.Complete(); err != nil {
		return err
	}
	if err := a.options.Validate(); err != nil {
		return err
	}

	if a.reloadFunc != nil {
		watchConfig(a.viper, func(fsnotify.Event) {
			if err := a.viper.Unmarshal(a.options); err != nil {
				log.Error(err, "Failed to reload configuration")
				return
			}
			if err := a.options.Validate(); err != nil {
				log.Error(err, "Ignoring invalid configuration")
				return
			}
			a.reloadFunc()
		})
	}
	return nil
}

func (a *App) runCommand(c *cobra.Command, _ []string) error {
	printFlags(c.Flags())
	if a.runFunc == nil {
		return c.Help()
	}
	return a.runFunc()
}

// printFlags logs every flag value at debug level.
func printFlags(fs *pflag.FlagSet) {
	table := uitable.New()
	table.Separator = " = "
	fs.VisitAll(func(f *pflag.Flag) {
		table.AddRow(f.Name, f.Value.String())
	})
	log.Debug("Command flags\n" + table.String())
}
