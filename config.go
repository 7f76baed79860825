package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	adminPassword string
	bind          string
	database      string
	maxStep       int
	port          int
	prefix        string
	profile       bool
	scenarios     string
	tlsCert       string
	tlsKey        string
	verbose       bool
	version       bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.maxStep < 1 {
		return fmt.Errorf("invalid step bound (must be positive): %d", c.maxStep)
	}
	if c.adminPassword == "" {
		return errors.New("--admin-password must not be empty")
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("SHOWSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "showsync",
		Short:         "A session coordinator for scripted multi-device kiosk demos.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVar(&cfg.adminPassword, "admin-password", "changeme", "password for the admin panel (env: SHOWSYNC_ADMIN_PASSWORD)")
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: SHOWSYNC_BIND)")
	fs.StringVar(&cfg.database, "database", "data/analytics.db", "path to the analytics database, empty to disable (env: SHOWSYNC_DATABASE)")
	fs.IntVar(&cfg.maxStep, "max-step", 50, "sanity ceiling on step numbers (env: SHOWSYNC_MAX_STEP)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: SHOWSYNC_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: SHOWSYNC_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: SHOWSYNC_PROFILE)")
	fs.StringVar(&cfg.scenarios, "scenarios", "", "path to the scenario script file (env: SHOWSYNC_SCENARIOS)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: SHOWSYNC_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: SHOWSYNC_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: SHOWSYNC_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: SHOWSYNC_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("showsync v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
