// SPDX-FileCopyrightText: © 2025 Brisby authors
// SPDX-License-Identifier: AGPL-3.0-only

// brisby-index runs a federated search index provider.
package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/spf13/cobra"

	"github.com/newtgeyser/brisby/core/log"
	"github.com/newtgeyser/brisby/indexer"
	"github.com/newtgeyser/brisby/internal/instrument"
	"github.com/newtgeyser/brisby/transport"
	"github.com/newtgeyser/brisby/transport/mocknet"
)

func main() {
	var (
		dataDir     string
		logFile     string
		logLevel    string
		metricsAddr string
		mockNet     bool
		localName   string
	)

	root := &cobra.Command{
		Use:          "brisby-index",
		Short:        "brisby index provider",
		Version:      versioninfo.Short(),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(dataDir, 0700); err != nil {
				return err
			}
			logBackend, err := log.New(logFile, logLevel, false)
			if err != nil {
				return err
			}
			serverLog := logBackend.GetLogger("brisby-index")

			idx, err := indexer.OpenIndex(filepath.Join(dataDir, "index.db"), nil)
			if err != nil {
				return err
			}
			defer idx.Close()
			if stats, err := idx.Stat(); err == nil {
				serverLog.Noticef("index holds %d entries, %d bytes advertised", stats.Entries, stats.TotalSize)
			}

			// The concrete mixnet adapter lives out of tree; --mock
			// attaches to an in-process network for local testing.
			var trans transport.Transport
			if mockNet {
				trans = mocknet.New(logBackend).NewNode(transport.Address(localName))
			} else {
				return errors.New("no mixnet adapter linked into this build, use --mock")
			}

			svc, err := indexer.NewService(indexer.ServiceConfig{
				Index:      idx,
				Transport:  trans,
				LogBackend: logBackend,
			})
			if err != nil {
				return err
			}
			svc.Start()
			defer svc.Halt()

			if metricsAddr != "" {
				go func() {
					serverLog.Noticef("metrics on %s", metricsAddr)
					if err := http.ListenAndServe(metricsAddr, instrument.Handler()); err != nil {
						serverLog.Errorf("metrics listener: %v", err)
					}
				}()
			}

			fmt.Printf("index provider running as %s, ctrl-c to stop\n", trans.LocalAddress())
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			return nil
		},
	}
	root.Flags().StringVarP(&dataDir, "data-dir", "d", ".brisby-index", "data directory")
	root.Flags().StringVar(&logFile, "log-file", "", "log file, stdout when empty")
	root.Flags().StringVar(&logLevel, "log-level", "NOTICE", "log level: ERROR, WARNING, NOTICE, INFO, DEBUG")
	root.Flags().StringVar(&metricsAddr, "metrics", "", "prometheus listen address, disabled when empty")
	root.Flags().BoolVar(&mockNet, "mock", false, "use the in-process mock transport")
	root.Flags().StringVar(&localName, "local-address", "index", "address to claim on the mock network")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
