package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"slotgrid/internal/config"
	"slotgrid/internal/dispatch"
	"slotgrid/internal/ledger"
	"slotgrid/internal/lifecycle"
	"slotgrid/internal/logging"
	"slotgrid/internal/metrics"
	"slotgrid/internal/registry"
	"slotgrid/internal/server"
	"slotgrid/internal/staging"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configFile string
		host       string
		port       int
	)
	cmd := &cobra.Command{
		Use:   "slotgrid-server",
		Short: "Execution slot registry with a speculate-then-promote staging pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file (default: ./slotgrid.yaml)")
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "listen host")
	cmd.Flags().IntVarP(&port, "port", "p", 8750, "listen port")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(*cobra.Command, []string) {
			fmt.Println("slotgrid-server", version)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "engines",
		Short: "List engines and capacities",
		Run: func(*cobra.Command, []string) {
			for _, e := range registry.Engines {
				fmt.Printf("%s  %-11s %3d slots\n", e.Letter, e.Language, e.Capacity)
			}
		},
	})
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	logging.SetLevelByName(cfg.LogLevel)
	logger := logging.NewComponentLogger("Server")

	banner := color.New(color.FgCyan, color.Bold)
	banner.Printf("slotgrid %s\n", version)
	fmt.Printf("matrix: %d engines, %d slots  |  listening on %s\n",
		len(registry.Engines), registry.TotalCapacity(), cfg.Addr())

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	led, err := ledger.OpenSQLite(cfg.LedgerPath, logging.NewComponentLogger("Ledger"))
	if err != nil {
		return err
	}
	defer led.Close()

	audit, err := staging.OpenAuditTrail(cfg.AuditPath, logging.NewComponentLogger("Audit"))
	if err != nil {
		return err
	}
	defer audit.Close()

	regOpts := []registry.Option{
		registry.WithLogger(logging.NewComponentLogger("Registry")),
		registry.WithReservationTTL(cfg.ReservationTTL),
		registry.WithAgentQuota(cfg.AgentQuota),
	}
	if cfg.CapacityOverride > 0 {
		regOpts = append(regOpts, registry.WithCapacityOverride(cfg.CapacityOverride))
	}
	reg := registry.New(regOpts...)

	bus := lifecycle.NewBus(logging.NewComponentLogger("Bus"))
	runner := dispatch.NewExecutor(cfg.RunTimeout, cfg.CompileTimeout, logging.NewComponentLogger("Executor"))
	pipe, err := staging.NewPipeline(reg, led, runner, bus, audit, cfg.SnippetsDir,
		logging.NewComponentLogger("Staging"))
	if err != nil {
		return err
	}
	disp := dispatch.NewDispatcher(reg, led, runner, bus, logging.NewComponentLogger("Dispatch"), cfg.Parallelism)

	mets := metrics.New(reg, bus)
	stopMetrics := mets.ObserveBus(bus)
	defer stopMetrics()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, reg, pipe, disp, bus, led, mets, logger)
	return srv.Run(ctx)
}
