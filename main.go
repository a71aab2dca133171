// hotspotmon: per-device traffic accounting for a Wi-Fi hotspot.
// Author: vesaa | License: MIT | https://github.com/vesaa/hotspotmon
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vesaa/hotspotmon/internal/config"
	"github.com/vesaa/hotspotmon/internal/identity"
	"github.com/vesaa/hotspotmon/internal/logging"
	"github.com/vesaa/hotspotmon/internal/monitor"
	"github.com/vesaa/hotspotmon/internal/server"
	"github.com/vesaa/hotspotmon/internal/simulate"
	"github.com/vesaa/hotspotmon/internal/store"
)

const version = "v0.1.0"

func printBanner(mode string) {
	fmt.Printf("  ► hotspotmon %s  |  Mode: %s\n\n", version, mode)
}

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "hotspotmon",
		Short: "hotspotmon: per-device traffic accounting for a Wi-Fi hotspot",
		Long: `hotspotmon watches the access-point interface of a hotspot, attributes
every IPv4 frame to the client device that sent or received it, and writes
per-device upload/download totals to a SQL database on a fixed interval.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ./config.yaml or ~/.hotspotmon/config.yaml)")

	setup := func() (*config.Config, *zap.Logger, error) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return nil, nil, err
		}
		log, err := logging.New(cfg.Log)
		if err != nil {
			return nil, nil, fmt.Errorf("building logger: %w", err)
		}
		return cfg, log, nil
	}

	// ── monitor subcommand ────────────────────────────────────────────────────
	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Capture traffic on the hotspot interface and record per-device usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("MONITOR")

			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			// CLI flags override config values.
			if iface, _ := cmd.Flags().GetString("interface"); iface != "" {
				cfg.Interface = iface
			}
			if network, _ := cmd.Flags().GetString("network"); network != "" {
				cfg.NetworkID = network
			}
			if trace, _ := cmd.Flags().GetString("pcap"); trace != "" {
				cfg.CaptureSource = "pcap"
				cfg.CaptureFile = trace
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			fmt.Printf("  ✓ Interface:      %s (%s)\n", cfg.Interface, cfg.CaptureSource)
			fmt.Printf("  ✓ Network:        %s\n", cfg.NetworkID)
			fmt.Printf("  ✓ Flush interval: %s\n\n", cfg.FlushInterval())

			ctx, stop := signalContext()
			defer stop()
			return monitor.New(cfg, log).Run(ctx)
		},
	}
	monitorCmd.Flags().String("interface", "", "Access-point interface to observe (overrides config)")
	monitorCmd.Flags().String("network", "", "Network id recorded on every connection log (overrides config)")
	monitorCmd.Flags().String("pcap", "", "Replay a pcap/pcapng file instead of capturing live")

	// ── serve subcommand ──────────────────────────────────────────────────────
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dashboard API and web page",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("DASHBOARD")

			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			st, err := store.Open(cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			fmt.Printf("  ✓ Dashboard → http://%s:%d\n", cfg.ServerHost, cfg.ServerPort)
			fmt.Printf("  ✓ Login user: %s\n\n", cfg.AdminUser)

			gin.SetMode(gin.ReleaseMode)
			ctx, stop := signalContext()
			defer stop()
			return server.New(st, cfg, log).Run(ctx)
		},
	}

	// ── simulate subcommand ───────────────────────────────────────────────────
	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Insert random usage for registered devices every few seconds",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("SIMULATOR")

			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			st, err := store.Open(cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			node, err := snowflake.NewNode(cfg.NodeID)
			if err != nil {
				return fmt.Errorf("creating id generator: %w", err)
			}

			fmt.Println("  ✓ Press CTRL+C to stop.")
			ctx, stop := signalContext()
			defer stop()
			return simulate.New(simulate.Options{
				NetworkID: cfg.NetworkID,
				Store:     st,
				IDs:       node,
				Log:       log,
			}).Run(ctx)
		},
	}

	// ── interfaces subcommand ─────────────────────────────────────────────────
	interfacesCmd := &cobra.Command{
		Use:   "interfaces",
		Short: "List network interfaces with status, IPv4 and MAC address",
		RunE: func(cmd *cobra.Command, args []string) error {
			ifaces, err := identity.List()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTATUS\tIPV4\tMAC")
			for _, i := range ifaces {
				status := "DOWN"
				if i.Up {
					status = "UP"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", i.Name, status, i.IPv4, i.HardwareAddr)
			}
			return w.Flush()
		},
	}

	// ── version subcommand ────────────────────────────────────────────────────
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print hotspotmon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hotspotmon %s\n", version)
		},
	}

	root.AddCommand(monitorCmd, serveCmd, simulateCmd, interfacesCmd, versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
