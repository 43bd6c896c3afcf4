package agentcore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/gyre-dev/gyre/logging"
	"github.com/gyre-dev/gyre/modelstream"
	"github.com/gyre-dev/gyre/toolsyntax"
)

// FileConfig is the on-disk session configuration. Values can be overridden
// with GYRE_-prefixed environment variables (GYRE_LOOP_MODEL and so on).
type FileConfig struct {
	Loop    Config         `mapstructure:"loop"`
	Logging logging.Config `mapstructure:"logging"`
}

// LoadConfig reads configuration from path (optional; "" uses gyre.yaml in
// the working directory if present) and the environment.
func LoadConfig(path string) (FileConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("GYRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("loop.syntax", string(toolsyntax.SyntaxNative))
	v.SetDefault("loop.max_turn_requests", 50)
	v.SetDefault("loop.window.threshold", 0.85)
	v.SetDefault("loop.window.enabled", true)
	v.SetDefault("loop.enable_loop_detection", true)
	v.SetDefault("loop.loop_detection_window", 10)
	v.SetDefault("loop.max_parallel_agents", 4)
	v.SetDefault("loop.event_buffer", 256)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output_path", "stderr")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return FileConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("gyre")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return FileConfig{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg FileConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Loop.Window.Limit == 0 && cfg.Loop.Model != "" {
		cfg.Loop.Window = DefaultContextWindowConfig(cfg.Loop.Model)
	}
	if cfg.Loop.Retry.MaxRetries == 0 {
		cfg.Loop.Retry = modelstream.DefaultRetryPolicy()
	}
	return cfg, nil
}
