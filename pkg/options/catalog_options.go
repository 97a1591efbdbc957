package options

import (
	"errors"
	"net/url"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*CatalogOptions)(nil)

// CatalogOptions configures the remote firmware catalog and the local
// descriptor cache.
type CatalogOptions struct {
	BaseURL     string        `json:"base-url" mapstructure:"base-url"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
	ClientID    string        `json:"client-id" mapstructure:"client-id"`
	Platform    string        `json:"platform" mapstructure:"platform"`
	CountryCode string        `json:"country-code" mapstructure:"country-code"`
	SDKVersion  string        `json:"sdk-version" mapstructure:"sdk-version"`

	// CacheDir holds the descriptor store and downloaded binaries.
	CacheDir string `json:"cache-dir" mapstructure:"cache-dir"`

	// CacheTTL is how long a cached descriptor is trusted.
	CacheTTL time.Duration `json:"cache-ttl" mapstructure:"cache-ttl"`
}

func NewCatalogOptions() *CatalogOptions {
	return &CatalogOptions{
		BaseURL:    "https://firmware.gearlink.io",
		Timeout:    30 * time.Second,
		Platform:   "linux",
		SDKVersion: "1.0.0",
		CacheDir:   "/var/lib/gearlink",
		CacheTTL:   12 * time.Hour,
	}
}

func (o *CatalogOptions) Validate() []error {
	var errs []error
	if u, err := url.Parse(o.BaseURL); err != nil || u.Host == "" {
		errs = append(errs, errors.New("--catalog.base-url must be an absolute URL"))
	}
	if o.CacheDir == "" {
		errs = append(errs, errors.New("--catalog.cache-dir must not be empty"))
	}
	if o.CacheTTL <= 0 {
		errs = append(errs, errors.New("--catalog.cache-ttl must be positive"))
	}
	return errs
}

func (o *CatalogOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.BaseURL, "catalog.base-url", o.BaseURL, "Base URL of the firmware catalog service.")
	fs.DurationVar(&o.Timeout, "catalog.timeout", o.Timeout, "Timeout for catalog lookups and binary downloads.")
	fs.StringVar(&o.ClientID, "catalog.client-id", o.ClientID, "Client identifier reported to the catalog.")
	fs.StringVar(&o.Platform, "catalog.platform", o.Platform, "Platform name reported to the catalog.")
	fs.StringVar(&o.CountryCode, "catalog.country-code", o.CountryCode, "Country code reported to the catalog.")
	fs.StringVar(&o.SDKVersion, "catalog.sdk-version", o.SDKVersion, "SDK version reported to the catalog.")
	fs.StringVar(&o.CacheDir, "catalog.cache-dir", o.CacheDir, "Directory for cached descriptors and firmware binaries.")
	fs.DurationVar(&o.CacheTTL, "catalog.cache-ttl", o.CacheTTL, "How long cached catalog answers stay valid.")
}
