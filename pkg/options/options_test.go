package options

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		addr    string
		wantErr bool
	}{
		{"127.0.0.1:8087", false},
		{":8087", false},
		{"localhost", true},
		{"host:http", true},
		{"host:70000", true},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if err := ValidateAddress(tt.addr); (err != nil) != tt.wantErr {
				t.Errorf("ValidateAddress(%q) error = %v, wantErr %v", tt.addr, err, tt.wantErr)
			}
		})
	}
}

func TestDefaultsAreValid(t *testing.T) {
	groups := map[string]IOptions{
		"http":    NewHttpOptions(),
		"mqtt":    NewMqttOptions(),
		"s3":      NewS3Options(),
		"dfu":     NewDfuOptions(),
		"catalog": NewCatalogOptions(),
	}
	for name, o := range groups {
		if errs := o.Validate(); len(errs) != 0 {
			t.Errorf("%s defaults invalid: %v", name, errs)
		}
	}
}

func TestDfuOptionsFlags(t *testing.T) {
	o := NewDfuOptions()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	o.AddFlags(fs)

	err := fs.Parse([]string{"--dfu.min-battery-level=35", "--dfu.execute-fallback=5s"})
	if err != nil {
		t.Fatal(err)
	}
	if o.MinBatteryLevel != 35 || o.ExecuteFallback != 5*time.Second {
		t.Errorf("got %+v", o)
	}

	o.MinBatteryLevel = 101
	o.ResponseTimeout = 0
	if errs := o.Validate(); len(errs) != 2 {
		t.Errorf("got %d errors, want 2: %v", len(errs), errs)
	}
}
