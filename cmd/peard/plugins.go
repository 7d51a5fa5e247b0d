package main

import (
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/goatkit/peard/internal/plugin"
	"github.com/goatkit/peard/internal/plugin/signing"
	"github.com/goatkit/peard/internal/script"
)

//go:embed templates/*
var templateFS embed.FS

func newPluginsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect and manage plugins",
	}
	cmd.AddCommand(
		newPluginsListCmd(v),
		newPluginsToggleCmd(v, "enable", true),
		newPluginsToggleCmd(v, "disable", false),
		newPluginsInitCmd(v),
		newPluginsKeygenCmd(),
		newPluginsSignCmd(v),
	)
	return cmd
}

// setup resolves settings and opens the app for a plugins subcommand.
func setup(cmd *cobra.Command, v *viper.Viper) (*app, error) {
	s := loadSettings(v)
	logger, err := newLogger(cmd.ErrOrStderr(), s.LogLevel)
	if err != nil {
		return nil, err
	}
	return newApp(s, logger)
}

func newPluginsListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known plugins with their effective state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd, v)
			if err != nil {
				return err
			}
			cat, err := a.provider(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tENABLED\tCONTEXTS\tDEPENDS ON")
			for _, def := range cat.All() {
				cfg := plugin.Effective(def.Config, a.store.GetMap(plugin.ConfigKey(def.ID)))
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n",
					def.ID, def.DisplayName(), cfg.Enabled(), contexts(def), orDash(strings.Join(def.Dependencies, ",")))
			}
			return tw.Flush()
		},
	}
}

func contexts(def plugin.Definition) string {
	var kinds []string
	for _, k := range []plugin.Kind{plugin.KindHost, plugin.KindUI} {
		if def.Supports(k) {
			kinds = append(kinds, string(k))
		}
	}
	return orDash(strings.Join(kinds, ","))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// newPluginsToggleCmd persists the enabled flag. A running daemon picks the
// change up through its config watcher.
func newPluginsToggleCmd(v *viper.Viper, use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>...",
		Short: strings.ToUpper(use[:1]) + use[1:] + " plugins",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, v)
			if err != nil {
				return err
			}
			cat, err := a.provider(cmd.Context())
			if err != nil {
				return err
			}

			for _, id := range args {
				if _, ok := cat.Get(id); !ok {
					return fmt.Errorf("unknown plugin %q", id)
				}
			}
			for _, id := range args {
				if err := a.store.Set(plugin.ConfigKey(id)+".enabled", enabled); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %sd\n", id, use)
			}
			return nil
		},
	}
}

func newPluginsInitCmd(v *viper.Viper) *cobra.Command {
	var hostOnly, uiOnly bool
	cmd := &cobra.Command{
		Use:   "init <name>",
		Short: "Create a script plugin from a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if hostOnly && uiOnly {
				return errors.New("--host-only and --ui-only are exclusive")
			}
			s := loadSettings(v)
			dir, err := scaffold(s.PluginsDir, args[0], !uiOnly, !hostOnly)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created script plugin: %s\n\n", dir)
			fmt.Fprintln(out, "Next steps:")
			fmt.Fprintf(out, "  edit the scripts in %s\n", dir)
			fmt.Fprintf(out, "  peard plugins enable %s\n", filepath.Base(dir))
			return nil
		},
	}
	cmd.Flags().BoolVar(&hostOnly, "host-only", false, "only create the host script")
	cmd.Flags().BoolVar(&uiOnly, "ui-only", false, "only create the UI script")
	return cmd
}

// scaffold writes a new plugin directory under root and returns its path.
func scaffold(root, name string, host, ui bool) (string, error) {
	id := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "-"))
	data := map[string]any{
		"ID":          id,
		"Name":        toTitle(id),
		"Description": "A peard script plugin",
		"Host":        host,
		"UI":          ui,
	}

	dir := filepath.Join(root, id)
	if _, err := os.Stat(dir); err == nil {
		return "", fmt.Errorf("%s already exists", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create plugin dir: %w", err)
	}

	files := map[string]string{script.ManifestFile: "templates/plugin.yaml.tmpl"}
	if host {
		files["host.js"] = "templates/host.js.tmpl"
	}
	if ui {
		files["ui.js"] = "templates/ui.js.tmpl"
	}
	for file, tmpl := range files {
		if err := writeTemplate(filepath.Join(dir, file), tmpl, data); err != nil {
			return "", err
		}
	}

	if _, err := script.ReadManifest(dir); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("plugin %q: %w", name, err)
	}
	return dir, nil
}

func writeTemplate(path, tmplPath string, data any) error {
	tmpl, err := template.ParseFS(templateFS, tmplPath)
	if err != nil {
		return fmt.Errorf("parse template %s: %w", tmplPath, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("execute template %s: %w", tmplPath, err)
	}
	return nil
}

func newPluginsKeygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a key pair for signing script plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pub, priv, err := signing.GenerateKeyPair()
			if err != nil {
				return err
			}
			if err := os.WriteFile(out+".key", []byte(hex.EncodeToString(priv)+"\n"), 0o600); err != nil {
				return fmt.Errorf("write private key: %w", err)
			}
			if err := os.WriteFile(out+".pub", []byte(hex.EncodeToString(pub)+"\n"), 0o644); err != nil {
				return fmt.Errorf("write public key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Private key: %s.key\nPublic key:  %s.pub\n", out, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "peard-signing", "path prefix for the key files")
	return cmd
}

func newPluginsSignCmd(v *viper.Viper) *cobra.Command {
	var keyFile string
	cmd := &cobra.Command{
		Use:   "sign <id>",
		Short: "Sign a script plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(keyFile)
			if err != nil {
				return fmt.Errorf("read key: %w", err)
			}
			key, err := signing.ParsePrivateKey(string(data))
			if err != nil {
				return err
			}

			dir := filepath.Join(loadSettings(v).PluginsDir, args[0])
			m, err := script.ReadManifest(dir)
			if err != nil {
				return fmt.Errorf("plugin %q: %w", args[0], err)
			}
			if err := signing.Sign(dir, script.Files(m), key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: signed\n", m.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyFile, "key", "peard-signing.key", "private key file")
	return cmd
}

func toTitle(s string) string {
	words := strings.Split(s, "-")
	for i, w := range words {
		if len(w) > 0 {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
