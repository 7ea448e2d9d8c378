package main

import (
	"errors"
	"flag"

	"github.com/downfa11-org/go-binlog/pkg/config"
	"github.com/downfa11-org/go-binlog/pkg/integrity"
	"github.com/downfa11-org/go-binlog/pkg/metrics"
	"github.com/downfa11-org/go-binlog/util"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if errors.Is(err, integrity.ErrCorrupt) {
			util.Fatal("binlogctl: replica is corrupt: %v", err)
		}
		util.Fatal("binlogctl: %v", err)
	}
}

func newRootCommand() *cobra.Command {
	fs := flag.NewFlagSet("binlogctl", flag.ContinueOnError)
	flags := config.RegisterFlags(fs)
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "binlogctl",
		Short:         "Inspect, replay and append to binlog replicas",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.Load()
			if err != nil {
				return err
			}
			cfg = c
			if cfg.EnableExporter {
				go metrics.StartMetricsServer(cfg.ExporterPort)
			}
			return nil
		},
	}
	root.PersistentFlags().AddGoFlagSet(fs)

	conf := func() *config.Config { return cfg }
	root.AddCommand(
		newScanCommand(conf),
		newReplayCommand(conf),
		newZipCommand(conf),
		newAppendCommand(conf),
		newBenchCommand(conf),
	)
	return root
}
