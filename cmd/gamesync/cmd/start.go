// Copyright 2024 The Monad Game Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gamesync "github.com/TJ456/monad-chain-game-sub000"
	"github.com/TJ456/monad-chain-game-sub000/pkg/merge"
	"github.com/TJ456/monad-chain-game-sub000/pkg/node"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func (c *command) initStartCmd() (err error) {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a sync engine node",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if len(args) > 0 {
				return cmd.Help()
			}
			if err := c.config.BindPFlags(cmd.Flags()); err != nil {
				return err
			}

			logger, err := newLogger(cmd, c.config.GetString(optionNameVerbosity))
			if err != nil {
				return fmt.Errorf("new logger: %w", err)
			}

			strategy := merge.Strategy(c.config.GetString(optionNameStrategy))
			switch strategy {
			case merge.StrategyServerWins, merge.StrategyClientWins, merge.StrategyMerge:
			default:
				return fmt.Errorf("unknown conflict strategy %q", strategy)
			}

			logger.Infof("gamesync version %s", gamesync.Version)

			n, err := node.New(logger, &node.Options{
				DataDir:        c.config.GetString(optionNameDataDir),
				LocalPlayer:    c.config.GetString(optionNameLocalPlayer),
				Strategy:       strategy,
				SyncPollEvery:  c.config.GetDuration(optionNameSyncInterval),
				SessionTimeout: c.config.GetDuration(optionNameSessionTimeout),
				AuditEvery:     c.config.GetDuration(optionNameAuditInterval),
			})
			if err != nil {
				return fmt.Errorf("bootstrap node: %w", err)
			}

			var metricsServer *http.Server
			if addr := c.config.GetString(optionNameMetricsAddr); addr != "" {
				listener, err := net.Listen("tcp", addr)
				if err != nil {
					return fmt.Errorf("metrics listener: %w", err)
				}
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(n.MetricsRegistry(), promhttp.HandlerOpts{}))
				metricsServer = &http.Server{Handler: mux}
				go func() {
					logger.Infof("metrics address: %s", listener.Addr())
					if err := metricsServer.Serve(listener); err != nil && err != http.ErrServerClosed {
						logger.Errorf("metrics server: %v", err)
					}
				}()
			}

			interruptChannel := make(chan os.Signal, 1)
			signal.Notify(interruptChannel, syscall.SIGINT, syscall.SIGTERM)

			sig := <-interruptChannel
			logger.Infof("received signal: %v, shutting down", sig)

			if metricsServer != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := metricsServer.Shutdown(ctx); err != nil {
					logger.Errorf("metrics server shutdown: %v", err)
				}
			}

			if err := n.Shutdown(); err != nil {
				logger.Errorf("shutdown: %v", err)
			}

			return nil
		},
	}

	c.setAllFlags(cmd)
	c.root.AddCommand(cmd)
	return nil
}
