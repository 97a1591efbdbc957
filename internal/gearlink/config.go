package gearlink

import (
	"fmt"
	"path/filepath"

	"github.com/autopeer-io/gearlink/internal/catalog"
	"github.com/autopeer-io/gearlink/internal/transport/mqttbridge"
	"github.com/autopeer-io/gearlink/pkg/mqtt"
	mqtttopic "github.com/autopeer-io/gearlink/pkg/mqtt/topic"
	"github.com/autopeer-io/gearlink/pkg/options"
)

const (
	storeFile   = "catalog.json"
	firmwareDir = "firmware"
)

type Config struct {
	MqttOptions    *options.MqttOptions
	HttpOptions    *options.HttpOptions
	S3Options      *options.S3Options
	DfuOptions     *options.DfuOptions
	CatalogOptions *options.CatalogOptions
}

// NewAgent builds the MQTT link, the command pipeline and the update flow.
// Nothing is started until Run.
func (cfg *Config) NewAgent() (*Agent, error) {
	if cfg.MqttOptions.DeviceID == "" {
		return nil, fmt.Errorf("--mqtt.device-id is required")
	}

	link, err := cfg.newBridge()
	if err != nil {
		return nil, fmt.Errorf("failed to init mqtt bridge: %w", err)
	}

	checker, err := cfg.newChecker()
	if err != nil {
		return nil, fmt.Errorf("failed to init firmware catalog: %w", err)
	}

	return NewAgent(link, checker, checker.Cache(), cfg.DfuOptions), nil
}

func (cfg *Config) newBridge() (*mqttbridge.Bridge, error) {
	deviceID := cfg.MqttOptions.DeviceID
	topicBuilder := mqtttopic.NewTopicBuilder(cfg.MqttOptions.TopicRoot)

	mqttConfig := cfg.MqttOptions.ToClientConfig()
	if mqttConfig.ClientID == "" {
		mqttConfig.ClientID = fmt.Sprintf("gearlink-%s", deviceID)
	}

	mqttClient, err := mqtt.NewClient(mqttConfig)
	if err != nil {
		return nil, err
	}
	return mqttbridge.New(mqttClient, topicBuilder, deviceID), nil
}

func (cfg *Config) newChecker() (*catalog.Checker, error) {
	o := cfg.CatalogOptions

	kv, err := catalog.OpenFileStore(filepath.Join(o.CacheDir, storeFile))
	if err != nil {
		return nil, err
	}
	cache, err := catalog.NewCache(kv, filepath.Join(o.CacheDir, firmwareDir), catalog.WithTTL(o.CacheTTL))
	if err != nil {
		return nil, err
	}

	web := catalog.NewHTTPDownloader(o.Timeout)
	downloaders := catalog.SchemeDownloader{
		"http":  web,
		"https": web,
	}
	if cfg.S3Options.Enabled() {
		objects, err := catalog.NewObjectDownloader(cfg.S3Options)
		if err != nil {
			return nil, err
		}
		downloaders["s3"] = objects
	}

	clientCtx := catalog.ClientContext{
		ClientID:    o.ClientID,
		Platform:    o.Platform,
		CountryCode: o.CountryCode,
		SDKVersion:  o.SDKVersion,
	}
	return catalog.NewChecker(cache, catalog.NewHTTPCatalogClient(o.BaseURL, o.Timeout), downloaders, clientCtx), nil
}
