// upscaler/config/config.go
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config holds the service-level settings. Encode settings live in a separate
// INI file and are read per run, see SettingsLoader.
type Config struct {
	FFBin            string        `mapstructure:"FF_BIN"`
	SettingsFile     string        `mapstructure:"SETTINGS_FILE"`
	ShaderDir        string        `mapstructure:"SHADER_DIR"`
	ErrorLog         string        `mapstructure:"ERROR_LOG"`
	TerminateGrace   time.Duration `mapstructure:"TERMINATE_GRACE"`
	AlertTimeout     time.Duration `mapstructure:"ALERT_TIMEOUT"`
	AbortOnFailure   bool          `mapstructure:"ABORT_ON_FAILURE"`
	ThrottleCPU      float64       `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64         `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64         `mapstructure:"THROTTLE_FREEDISK"`
	AuthEnable       bool          `mapstructure:"AUTH_ENABLE"`
	AuthKey          string        `mapstructure:"AUTH_KEY"`
	Port             string        `mapstructure:"PORT"`
	LogLevel         string        `mapstructure:"LOG_LEVEL"`
}

// byteSizeHook decodes human sizes such as "200MB" into int64 byte counts.
// Strings that are not sizes are passed through untouched.
func byteSizeHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String || t.Kind() != reflect.Int64 || t == reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(data.(string))); err != nil {
		return data, nil
	}
	return int64(size.Bytes()), nil
}

func Load() (*Config, error) {
	vp := viper.New()

	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("SETTINGS_FILE", "Resources/Config.ini")
	vp.SetDefault("SHADER_DIR", "shaders")
	vp.SetDefault("ERROR_LOG", "output.txt")
	vp.SetDefault("TERMINATE_GRACE", "5s")
	vp.SetDefault("ALERT_TIMEOUT", "30s")
	vp.SetDefault("ABORT_ON_FAILURE", false)
	vp.SetDefault("THROTTLE_CPU", 0.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "1GB")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "123456")
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("LOG_LEVEL", "info")

	vp.SetConfigName("upscaler_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/upscaler/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("UPSCALER")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			byteSizeHook,
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
