package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/autopeer-io/gearlink/pkg/log"
)

const configFlagName = "config"

// addConfigFlag registers --config and prepares viper to read the file and
// environment variables prefixed with the command name.
func addConfigFlag(v *viper.Viper, basename string, fs *pflag.FlagSet) *string {
	cfgFile := fs.StringP(configFlagName, "c", "", "Read configuration from the specified file, support JSON, TOML, YAML, HCL, or Java properties formats.")

	prefix := strings.ToUpper(strings.ReplaceAll(basename, "-", "_"))
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return cfgFile
}

// readConfig loads cfgFile, or basename.yaml from the usual locations when
// cfgFile is empty. A missing default file is not an error.
func readConfig(v *viper.Viper, basename, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, "."+basename))
		}
		v.AddConfigPath(filepath.Join("/etc", basename))
		v.SetConfigName(basename)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read configuration file(%s): %w", cfgFile, err)
	}
	log.Debug("Using config file", "file", v.ConfigFileUsed())
	return nil
}

// watchConfig re-reads the configuration file on every change and passes
// the event to fn.
func watchConfig(v *viper.Viper, fn func(e fsnotify.Event)) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info("Configuration file changed", "file", e.Name, "op", e.Op.String())
		fn(e)
	})
	v.WatchConfig()
}
