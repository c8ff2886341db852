// SPDX-FileCopyrightText: © 2025 Brisby authors
// SPDX-License-Identifier: AGPL-3.0-only

// brisby is the peer command line: share, seed, search and download
// files over an anonymizing mixnet.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/spf13/cobra"

	"github.com/newtgeyser/brisby/chunk"
	"github.com/newtgeyser/brisby/config"
	"github.com/newtgeyser/brisby/core/log"
	"github.com/newtgeyser/brisby/node"
	"github.com/newtgeyser/brisby/transport"
	"github.com/newtgeyser/brisby/transport/mocknet"
)

var (
	cfgFile   string
	mockNet   bool
	localName string
)

const defaultConfigName = "config.toml"

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".brisby"
	}
	return filepath.Join(home, ".brisby")
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = filepath.Join(defaultDataDir(), defaultConfigName)
	}
	return config.LoadFile(path)
}

// buildTransport wires the transport implementation. No concrete
// mixnet adapter is linked into this build, so only --mock works: it
// gives a single-process network for local experiments.
func buildTransport(cfg *config.Config) (transport.Transport, error) {
	if !mockNet {
		return nil, errors.New("no mixnet adapter linked into this build, use --mock")
	}
	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}
	net := mocknet.New(logBackend)
	return net.NewNode(transport.Address(localName)), nil
}

func buildNode() (*node.Node, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	trans, err := buildTransport(cfg)
	if err != nil {
		return nil, err
	}
	return node.New(cfg, trans)
}

func main() {
	root := &cobra.Command{
		Use:           "brisby",
		Short:         "privacy-preserving p2p file distribution",
		Version:       versioninfo.Short(),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "configuration file path")
	root.PersistentFlags().BoolVar(&mockNet, "mock", false, "use the in-process mock transport")
	root.PersistentFlags().StringVar(&localName, "local-address", "local", "address to claim on the mock network")

	root.AddCommand(initCmd(), shareCmd(), seedCmd(), searchCmd(), downloadCmd(), listCmd(), statusCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "create the data directory and a default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir := defaultDataDir()
			if err := os.MkdirAll(dataDir, 0700); err != nil {
				return err
			}
			path := filepath.Join(dataDir, defaultConfigName)
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("configuration already exists at %s\n", path)
				return nil
			}
			defaultCfg := fmt.Sprintf("DataDir = %q\n\n[Logging]\nLevel = \"NOTICE\"\n", dataDir)
			if err := os.WriteFile(path, []byte(defaultCfg), 0600); err != nil {
				return err
			}
			fmt.Printf("initialized brisby at %s\n", dataDir)
			return nil
		},
	}
}

func shareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "share FILE",
		Short: "chunk a file into the local store and catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := buildNode()
			if err != nil {
				return err
			}
			defer n.Shutdown()
			m, err := n.Share(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("shared %s\n", m.FileName)
			fmt.Printf("  hash:   %s\n", m.ContentHash)
			fmt.Printf("  size:   %d bytes (%d chunks)\n", m.Size, m.ChunkCount())
			fmt.Printf("run 'brisby seed' to serve it\n")
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "serve shared files and keep publications fresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := buildNode()
			if err != nil {
				return err
			}
			defer n.Shutdown()
			n.StartSeeding()
			fmt.Printf("seeding as %s, ctrl-c to stop\n", n.LocalAddress())

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			return nil
		},
	}
}

func searchCmd() *cobra.Command {
	var maxResults uint32
	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "query the configured index providers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := buildNode()
			if err != nil {
				return err
			}
			defer n.Shutdown()
			results, err := n.Search(context.Background(), args[0], maxResults)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Printf("no results for %q\n", args[0])
				return nil
			}
			for i, r := range results {
				fmt.Printf("%2d. %s (%d bytes, %d chunks, %d seeders, score %.2f)\n",
					i+1, r.FileName, r.Size, r.ChunkCount, len(r.Seeders), r.Score)
				fmt.Printf("    %s\n", r.ContentHash)
			}
			return nil
		},
	}
	cmd.Flags().Uint32VarP(&maxResults, "max-results", "n", 20, "maximum results")
	return cmd
}

func downloadCmd() *cobra.Command {
	var output string
	var manifestPath string
	cmd := &cobra.Command{
		Use:   "download HASH",
		Short: "download a file by content hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := chunk.ParseHash(args[0])
			if err != nil {
				return fmt.Errorf("invalid content hash: %w", err)
			}
			n, err := buildNode()
			if err != nil {
				return err
			}
			defer n.Shutdown()
			if manifestPath != "" {
				if _, err := n.ImportManifest(manifestPath); err != nil {
					return err
				}
			}
			out := output
			if out == "" {
				out = args[0][:8] + ".download"
			}
			if err := n.DownloadByHash(context.Background(), h, out); err != nil {
				return err
			}
			fmt.Printf("downloaded to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path")
	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "manifest file to import first")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list locally shared files",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := buildNode()
			if err != nil {
				return err
			}
			defer n.Shutdown()
			manifests, err := n.List()
			if err != nil {
				return err
			}
			for _, m := range manifests {
				fmt.Printf("%s  %10d  %s\n", m.ContentHash, m.Size, m.FileName)
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show version and configuration summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("brisby %s\n", versioninfo.Short())
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("data dir:  %s\n", cfg.DataDir)
			fmt.Printf("providers: %d\n", len(cfg.Providers))
			return nil
		},
	}
}
