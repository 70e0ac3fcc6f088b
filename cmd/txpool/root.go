package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"txpool"
)

const envPrefix = "TXPOOL"

// poolKeys are the configuration keys passed on to txpool.ParseConfig.
var poolKeys = []string{
	txpool.KeyName,
	txpool.KeyDriver,
	txpool.KeyURL,
	txpool.KeyUser,
	txpool.KeyPassword,
	txpool.KeyPoolSize,
	txpool.KeyPoolMax,
	txpool.KeyTimeout,
	txpool.KeyLoginTimeout,
	txpool.KeyReaperInterval,
}

// env carries what every subcommand needs.
type env struct {
	v      *viper.Viper
	stdout io.Writer
	stderr io.Writer
	log    *logrus.Logger
}

func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	return newRootCommand(newEnv(stdout, stderr))
}

func newEnv(stdout, stderr io.Writer) *env {
	e := &env{
		v:      viper.New(),
		stdout: stdout,
		stderr: stderr,
		log:    logrus.New(),
	}
	e.log.SetOutput(stderr)
	return e
}

func newRootCommand(e *env) *cobra.Command {
	rc := &cobra.Command{
		Use:   "txpool",
		Short: "Inspect a transactional connection pool.",
		Long: `txpool opens a connection pool with the given configuration and
reports on it.

Configuration is read from flags, TXPOOL_* environment variables (dots
become underscores, e.g. TXPOOL_POOL_MAX) and a TOML file given with
--config, in that priority order.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.setAllConfig(cmd.Flags())
		},
	}

	flags := rc.PersistentFlags()
	flags.StringP("config", "c", "", "Configuration file to read from.")
	flags.BoolP("verbose", "v", false, "Log pool activity at debug level.")
	def := txpool.DefaultConfig()
	flags.String(txpool.KeyName, "", "Pool name used in logs and metrics.")
	flags.String(txpool.KeyDriver, def.Driver, "database/sql driver: mysql, postgres, sqlserver or sqlite3.")
	flags.String(txpool.KeyURL, "", "Endpoint URI or native DSN.")
	flags.String(txpool.KeyUser, "", "User name.")
	flags.String(txpool.KeyPassword, "", "Password.")
	flags.Int(txpool.KeyPoolSize, def.SoftLimit, "Soft limit the reaper shrinks the pool toward.")
	flags.Int(txpool.KeyPoolMax, def.HardLimit, "Hard limit on open connections.")
	flags.Int(txpool.KeyTimeout, int(def.StalenessTimeout.Milliseconds()), "Staleness timeout in milliseconds.")
	flags.Int(txpool.KeyLoginTimeout, int(def.LoginTimeout.Seconds()), "Connect timeout in seconds.")
	flags.Int(txpool.KeyReaperInterval, int(def.ReaperInterval.Milliseconds()), "Reaper interval in milliseconds.")

	rc.AddCommand(newProbeCommand(e))
	rc.AddCommand(newStatsCommand(e))
	rc.AddCommand(newActivityCommand(e))
	rc.AddCommand(newGenerateConfigCommand(e))

	rc.SetOut(e.stdout)
	rc.SetErr(e.stderr)
	return rc
}

// setAllConfig layers the config file, the environment and the flags, in
// increasing priority.
func (e *env) setAllConfig(flags *pflag.FlagSet) error {
	v := e.v
	if err := v.BindPFlags(flags); err != nil {
		return err
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if c := v.GetString("config"); c != "" {
		v.SetConfigFile(c)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading configuration file '%s': %v", c, err)
		}
		valid := make(map[string]bool)
		flags.VisitAll(func(f *pflag.Flag) { valid[f.Name] = true })
		for _, key := range v.AllKeys() {
			if !valid[key] {
				return fmt.Errorf("invalid option in configuration file: %v", key)
			}
		}
	}

	if v.GetBool("verbose") {
		e.log.SetLevel(logrus.DebugLevel)
	}
	return nil
}

// config resolves the pool configuration.
func (e *env) config() (txpool.Config, error) {
	kv := make(map[string]interface{}, len(poolKeys))
	for _, key := range poolKeys {
		kv[key] = e.v.Get(key)
	}
	cfg, err := txpool.ParseConfig(kv)
	if err != nil {
		return txpool.Config{}, errors.Wrap(err, "parsing configuration")
	}
	cfg.Logger = e.log
	return cfg, nil
}

// openPool opens a pool through a Manager so the pool is closed with it.
func (e *env) openPool() (*txpool.Manager, *txpool.Pool, error) {
	cfg, err := e.config()
	if err != nil {
		return nil, nil, err
	}
	m := txpool.NewManager(e.log)
	p, err := m.Open(cfg, nil)
	if err != nil {
		m.Close()
		return nil, nil, err
	}
	return m, p, nil
}
