package options

import (
	"github.com/spf13/pflag"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/gearlink/internal/gearlink"
	"github.com/autopeer-io/gearlink/pkg/app"
	"github.com/autopeer-io/gearlink/pkg/log"
	"github.com/autopeer-io/gearlink/pkg/options"
)

// CommandOptions holds switches of the one-shot commands.
type CommandOptions struct {
	// Force bypasses cached catalog answers.
	Force bool `json:"force" mapstructure:"force"`

	// Install runs the install step right after a successful transfer.
	Install bool `json:"install" mapstructure:"install"`
}

func (o *CommandOptions) AddFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&o.Force, "force", o.Force, "Ask the firmware catalog even when a cached answer is still valid.")
	fs.BoolVar(&o.Install, "install", o.Install, "Install transferred images right after the transfer completes.")
}

type GearlinkOptions struct {
	MqttOptions    *options.MqttOptions    `json:"mqtt" mapstructure:"mqtt"`
	HttpOptions    *options.HttpOptions    `json:"http" mapstructure:"http"`
	S3Options      *options.S3Options      `json:"s3" mapstructure:"s3"`
	DfuOptions     *options.DfuOptions     `json:"dfu" mapstructure:"dfu"`
	CatalogOptions *options.CatalogOptions `json:"catalog" mapstructure:"catalog"`
	Log            *log.Options            `json:"log" mapstructure:"log"`
	Command        *CommandOptions         `json:"-" mapstructure:"-"`
}

var _ app.NamedFlagSetOptions = (*GearlinkOptions)(nil)

func NewGearlinkOptions() *GearlinkOptions {
	return &GearlinkOptions{
		MqttOptions:    options.NewMqttOptions(),
		HttpOptions:    options.NewHttpOptions(),
		S3Options:      options.NewS3Options(),
		DfuOptions:     options.NewDfuOptions(),
		CatalogOptions: options.NewCatalogOptions(),
		Log:            log.NewOptions(),
		Command:        &CommandOptions{},
	}
}

func (o *GearlinkOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.HttpOptions.AddFlags(fss.FlagSet("http"))
	o.S3Options.AddFlags(fss.FlagSet("s3"))
	o.DfuOptions.AddFlags(fss.FlagSet("dfu"))
	o.CatalogOptions.AddFlags(fss.FlagSet("catalog"))
	o.Log.AddFlags(fss.FlagSet("log"))
	o.Command.AddFlags(fss.FlagSet("command"))
	return fss
}

func (o *GearlinkOptions) Complete() error {
	if o.CatalogOptions.ClientID == "" {
		o.CatalogOptions.ClientID = o.MqttOptions.DeviceID
	}
	return nil
}

func (o *GearlinkOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.S3Options.Validate()...)
	errs = append(errs, o.DfuOptions.Validate()...)
	errs = append(errs, o.CatalogOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

func (o *GearlinkOptions) Config() (*gearlink.Config, error) {
	return &gearlink.Config{
		MqttOptions:    o.MqttOptions,
		HttpOptions:    o.HttpOptions,
		S3Options:      o.S3Options,
		DfuOptions:     o.DfuOptions,
		CatalogOptions: o.CatalogOptions,
	}, nil
}
