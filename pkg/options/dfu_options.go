package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*DfuOptions)(nil)

// DfuOptions tunes the firmware transfer and install flow.
type DfuOptions struct {
	// MinBatteryLevel is the lowest tag battery percentage at which a
	// transfer or install may start.
	MinBatteryLevel int `json:"min-battery-level" mapstructure:"min-battery-level"`

	// ExecuteFallback bounds the wait for an accessory's install
	// confirmation before the next install proceeds anyway.
	ExecuteFallback time.Duration `json:"execute-fallback" mapstructure:"execute-fallback"`

	// ResponseTimeout is how long a command waits for its response.
	ResponseTimeout time.Duration `json:"response-timeout" mapstructure:"response-timeout"`
}

func NewDfuOptions() *DfuOptions {
	return &DfuOptions{
		MinBatteryLevel: 20,
		ExecuteFallback: 60 * time.Second,
		ResponseTimeout: 10 * time.Second,
	}
}

func (o *DfuOptions) Validate() []error {
	var errs []error
	if o.MinBatteryLevel < 0 || o.MinBatteryLevel > 100 {
		errs = append(errs, fmt.Errorf("--dfu.min-battery-level must be within [0, 100], got %d", o.MinBatteryLevel))
	}
	if o.ExecuteFallback <= 0 {
		errs = append(errs, fmt.Errorf("--dfu.execute-fallback must be positive"))
	}
	if o.ResponseTimeout <= 0 {
		errs = append(errs, fmt.Errorf("--dfu.response-timeout must be positive"))
	}
	return errs
}

func (o *DfuOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.IntVar(&o.MinBatteryLevel, "dfu.min-battery-level", o.MinBatteryLevel, "Minimum tag battery percentage required to transfer or install firmware.")
	fs.DurationVar(&o.ExecuteFallback, "dfu.execute-fallback", o.ExecuteFallback, "How long to wait for an accessory install confirmation before moving on.")
	fs.DurationVar(&o.ResponseTimeout, "dfu.response-timeout", o.ResponseTimeout, "How long a command waits for the device response.")
}
