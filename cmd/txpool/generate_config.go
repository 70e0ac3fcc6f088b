package main

import (
	"fmt"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"txpool"
)

// fileConfig is the layout of the TOML configuration file. Its keys match
// the flag names once flattened with dots.
type fileConfig struct {
	Name     string `toml:"name"`
	Driver   string `toml:"driver"`
	URL      string `toml:"url"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Timeout  int64  `toml:"timeout" comment:"staleness timeout, ms"`

	Pool struct {
		Size int `toml:"size" comment:"soft limit"`
		Max  int `toml:"max" comment:"hard limit"`
	} `toml:"pool"`

	Login struct {
		Timeout int64 `toml:"timeout" comment:"connect timeout, s"`
	} `toml:"login"`

	Reaper struct {
		Interval int64 `toml:"interval" comment:"ms, 0 disables the reaper"`
	} `toml:"reaper"`
}

func defaultFileConfig() fileConfig {
	def := txpool.DefaultConfig()
	var fc fileConfig
	fc.Driver = def.Driver
	fc.Timeout = def.StalenessTimeout.Milliseconds()
	fc.Pool.Size = def.SoftLimit
	fc.Pool.Max = def.HardLimit
	fc.Login.Timeout = int64(def.LoginTimeout.Seconds())
	fc.Reaper.Interval = def.ReaperInterval.Milliseconds()
	return fc
}

func newGenerateConfigCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "generate-config",
		Short: "Print the default configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ret, err := toml.Marshal(defaultFileConfig())
			if err != nil {
				return errors.Wrap(err, "marshalling default config")
			}
			fmt.Fprintf(e.stdout, "%s\n", ret)
			return nil
		},
	}
}
