package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/goatkit/peard/internal/config"
	"github.com/goatkit/peard/internal/plugin"
	"github.com/goatkit/peard/internal/plugin/example"
	"github.com/goatkit/peard/internal/plugin/signing"
	"github.com/goatkit/peard/internal/script"
)

const version = "0.3.0"

// settings are resolved from flags, PEARD_* environment variables and
// defaults, in that order.
type settings struct {
	Config      string
	PluginsDir  string
	LogLevel    string
	Listen      string
	StrictOrder bool
	Watch       bool
	TrustedKeys []string
}

func loadSettings(v *viper.Viper) settings {
	return settings{
		Config:      v.GetString("config"),
		PluginsDir:  v.GetString("plugins-dir"),
		LogLevel:    v.GetString("log-level"),
		Listen:      v.GetString("listen"),
		StrictOrder: v.GetBool("strict-order"),
		Watch:       v.GetBool("watch"),
		TrustedKeys: v.GetStringSlice("trusted-key"),
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("PEARD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:          "peard",
		Short:        "Plugin daemon: loads host and UI plugins and serves the UI bridge",
		Version:      version,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "peard.yaml", "plugin configuration file")
	flags.String("plugins-dir", "plugins", "directory holding script plugins")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.StringSlice("trusted-key", nil, "hex ed25519 public key script plugins must be signed with (repeatable)")
	_ = v.BindPFlags(flags)

	root.AddCommand(newRunCmd(v), newPluginsCmd(v))
	return root
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// app holds what every command needs: the config store and the combined
// plugin provider.
type app struct {
	settings settings
	logger   *slog.Logger
	store    *config.Store
	hello    *example.HelloPlugin
	scripts  *script.Source
	provider plugin.Provider
}

func newApp(s settings, logger *slog.Logger) (*app, error) {
	var opts []script.SourceOption
	for _, k := range s.TrustedKeys {
		key, err := signing.ParsePublicKey(k)
		if err != nil {
			return nil, fmt.Errorf("trusted key: %w", err)
		}
		opts = append(opts, script.WithTrustedKeys(key))
	}

	store, err := config.Open(s.Config)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}

	a := &app{
		settings: s,
		logger:   logger,
		store:    store,
		hello:    example.NewHelloPlugin(),
		scripts:  script.NewSource(s.PluginsDir, logger, opts...),
	}
	a.provider = plugin.Combine(example.Provider(a.hello), a.scripts.Provider())
	return a, nil
}
