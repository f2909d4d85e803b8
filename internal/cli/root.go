// Package cli implements hostctl, the command line client for the hostdeck
// API.
//
// Settings are resolved by viper in the usual order: flags, HOSTCTL_*
// environment variables, then the YAML config file. The config file also
// remembers the host picked with "hostctl use".
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gluk-w/hostdeck/internal/apiclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	keyServer  = "server"
	keyToken   = "token"
	keyTimeout = "timeout"
	keyHost    = "host"
	keyVerbose = "verbose"
)

type Options struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
	// ConfigDir overrides the user config directory.
	ConfigDir string
	// Now is used for relative timestamps; defaults to time.Now.
	Now func() time.Time
}

type app struct {
	v         *viper.Viper
	term      *Terminal
	in        io.Reader
	configDir string
	now       func() time.Time
	log       *zap.Logger
}

func NewDefaultCommand() *cobra.Command {
	return NewRootCommand(Options{In: os.Stdin, Out: os.Stdout, Err: os.Stderr})
}

func NewRootCommand(opts Options) *cobra.Command {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &app{
		v:         viper.New(),
		term:      NewTerminal(opts.Out, opts.Err),
		in:        opts.In,
		configDir: opts.ConfigDir,
		now:       opts.Now,
		log:       zap.NewNop(),
	}

	var configFile string
	cmd := &cobra.Command{
		Use:   "hostctl",
		Short: "Manage SSH hosts registered with a hostdeck server",
		Long: `
      hostctl talks to a hostdeck server to register SSH hosts, check
      their connectivity and run commands on them.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.loadConfig(configFile)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.SetOut(opts.Out)
	cmd.SetErr(opts.Err)
	if opts.In != nil {
		cmd.SetIn(opts.In)
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default is $XDG_CONFIG_HOME/hostctl/config.yaml)")
	flags.String(keyServer, "http://localhost:8000", "hostdeck server URL")
	flags.String(keyToken, "", "API bearer token")
	flags.Duration(keyTimeout, 2*time.Minute, "request timeout")
	flags.BoolP(keyVerbose, "v", false, "log client diagnostics to stderr")
	for _, k := range []string{keyServer, keyToken, keyTimeout, keyVerbose} {
		_ = a.v.BindPFlag(k, flags.Lookup(k))
	}

	cmd.AddCommand(
		newCmdLs(a),
		newCmdGet(a),
		newCmdAdd(a),
		newCmdUpdate(a),
		newCmdRm(a),
		newCmdTest(a),
		newCmdExec(a),
		newCmdHistory(a),
		newCmdMetrics(a),
		newCmdImport(a),
		newCmdSuggested(a),
		newCmdUse(a),
		newCmdWatch(a),
	)
	return cmd
}

func (a *app) loadConfig(explicit string) error {
	a.v.SetEnvPrefix("hostctl")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	a.v.AutomaticEnv()
	a.v.SetConfigType("yaml")

	if explicit != "" {
		a.v.SetConfigFile(explicit)
	} else {
		dir, err := a.stateDir()
		if err != nil {
			return err
		}
		a.v.SetConfigFile(filepath.Join(dir, "config.yaml"))
	}
	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read config %s: %w", a.v.ConfigFileUsed(), err)
		}
	}

	if a.v.GetBool(keyVerbose) {
		cfg := zap.NewDevelopmentConfig()
		cfg.OutputPaths = []string{"stderr"}
		if log, err := cfg.Build(); err == nil {
			a.log = log
		}
	}
	return nil
}

func (a *app) stateDir() (string, error) {
	if a.configDir != "" {
		return a.configDir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config directory: %w", err)
	}
	return filepath.Join(base, "hostctl"), nil
}

func (a *app) client() *apiclient.Client {
	return apiclient.New(apiclient.Options{
		BaseURL: strings.TrimRight(a.v.GetString(keyServer), "/"),
		Token:   a.v.GetString(keyToken),
		Timeout: a.v.GetDuration(keyTimeout),
	})
}

// saveSelectedHost records id in the config file without copying flag or
// environment values into it.
func (a *app) saveSelectedHost(id string) error {
	path := a.v.ConfigFileUsed()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	file := viper.New()
	file.SetConfigFile(path)
	file.SetConfigType("yaml")
	if err := file.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}
	file.Set(keyHost, id)
	if err := file.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	a.v.Set(keyHost, id)
	return nil
}

var errNoHost = errors.New(`no host given; pass a host id or pick one with "hostctl use <id>"`)

// hostArg returns the host named on the command line, falling back to the
// one saved with "hostctl use".
func (a *app) hostArg(args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return strings.TrimSpace(args[0]), nil
	}
	if id := a.v.GetString(keyHost); id != "" {
		return id, nil
	}
	return "", errNoHost
}
