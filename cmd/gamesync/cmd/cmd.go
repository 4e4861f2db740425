// Copyright 2024 The Monad Game Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/TJ456/monad-chain-game-sub000/pkg/logging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	optionNameDataDir        = "data-dir"
	optionNameVerbosity      = "verbosity"
	optionNameLocalPlayer    = "local-player"
	optionNameStrategy       = "strategy"
	optionNameSyncInterval   = "sync-interval"
	optionNameSessionTimeout = "session-timeout"
	optionNameAuditInterval  = "audit-interval"
	optionNameMetricsAddr    = "metrics-addr"
)

func init() {
	cobra.EnableCommandSorting = false
}

type command struct {
	root    *cobra.Command
	config  *viper.Viper
	cfgFile string
	homeDir string
}

type option func(*command)

func withArgs(a ...string) option {
	return func(c *command) { c.root.SetArgs(a) }
}

func withOutput(w io.Writer) option {
	return func(c *command) { c.root.SetOut(w) }
}

func withHomeDir(dir string) option {
	return func(c *command) { c.homeDir = dir }
}

func newCommand(opts ...option) (c *command, err error) {
	c = &command{
		root: &cobra.Command{
			Use:           "gamesync",
			Short:         "Multiplayer state sync engine node",
			SilenceErrors: true,
			SilenceUsage:  true,
			PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
				return c.initConfig()
			},
		},
	}

	for _, o := range opts {
		o(c)
	}

	if err := c.setHomeDir(); err != nil {
		return nil, err
	}

	c.initGlobalFlags()

	if err := c.initStartCmd(); err != nil {
		return nil, err
	}

	c.initVersionCmd()

	return c, nil
}

func (c *command) Execute() (err error) {
	return c.root.Execute()
}

// Execute parses command line arguments and runs appropriate functions.
func Execute() (err error) {
	c, err := newCommand()
	if err != nil {
		return err
	}
	return c.Execute()
}

func (c *command) initGlobalFlags() {
	globalFlags := c.root.PersistentFlags()
	globalFlags.StringVar(&c.cfgFile, "config", "", "config file (default is $HOME/.gamesync.yaml)")
}

func (c *command) initConfig() (err error) {
	config := viper.New()
	configName := ".gamesync"
	if c.cfgFile != "" {
		config.SetConfigFile(c.cfgFile)
	} else {
		config.AddConfigPath(c.homeDir)
		config.SetConfigName(configName)
	}

	config.SetEnvPrefix("gamesync")
	config.AutomaticEnv()
	config.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if c.homeDir != "" && c.cfgFile == "" {
		c.cfgFile = filepath.Join(c.homeDir, configName+".yaml")
	}

	if err := config.ReadInConfig(); err != nil {
		var e viper.ConfigFileNotFoundError
		if !errors.As(err, &e) {
			return err
		}
	}
	c.config = config
	return nil
}

func (c *command) setHomeDir() (err error) {
	if c.homeDir != "" {
		return
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	c.homeDir = dir
	return nil
}

func (c *command) setAllFlags(cmd *cobra.Command) {
	cmd.Flags().String(optionNameDataDir, filepath.Join(c.homeDir, ".gamesync"), "data directory")
	cmd.Flags().String(optionNameVerbosity, "info", "log verbosity level 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=trace")
	cmd.Flags().String(optionNameLocalPlayer, "", "player id this node plays as")
	cmd.Flags().String(optionNameStrategy, "merge", "conflict resolution strategy: server-wins, client-wins, merge")
	cmd.Flags().Duration(optionNameSyncInterval, 0, "auto-sync poll interval, 0 uses the default")
	cmd.Flags().Duration(optionNameSessionTimeout, 0, "hard per-session sync timeout, 0 uses the default")
	cmd.Flags().Duration(optionNameAuditInterval, 0, "integrity audit interval, 0 uses the default")
	cmd.Flags().String(optionNameMetricsAddr, "", "serve prometheus metrics on this address")
}

func newLogger(cmd *cobra.Command, verbosity string) (logging.Logger, error) {
	var logger logging.Logger
	switch verbosity {
	case "0", "silent":
		logger = logging.New(io.Discard, 0)
	case "1", "error":
		logger = logging.New(cmd.OutOrStdout(), logrus.ErrorLevel)
	case "2", "warn":
		logger = logging.New(cmd.OutOrStdout(), logrus.WarnLevel)
	case "3", "info":
		logger = logging.New(cmd.OutOrStdout(), logrus.InfoLevel)
	case "4", "debug":
		logger = logging.New(cmd.OutOrStdout(), logrus.DebugLevel)
	case "5", "trace":
		logger = logging.New(cmd.OutOrStdout(), logrus.TraceLevel)
	default:
		return nil, fmt.Errorf("unknown verbosity level %q", verbosity)
	}
	return logger, nil
}
