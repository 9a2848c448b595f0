package main

import (
	"context"
	"encoding/json"
	"os/signal"
	"syscall"
	"time"

	"github.com/plogd/plogd/internal/stress"
	"github.com/plogd/plogd/pkg/client"
	"github.com/spf13/cobra"
)

var stressCfg stress.Config

func newStressCmd() *cobra.Command {
	stressCmd := &cobra.Command{
		Use:   "stress",
		Short: "Generate load against a plogd listener",
		Long: `Send random messages from several goroutines, replacing each socket
every --renew-rate messages and discarding --loss of the fragments, then
print a JSON report.

Examples:
  plogd stress --threads 4 --rate 20000 --stop-after 100000
  plogd stress --loss 0.01 --renew-rate 50 --max-size 200000`,
		Args: cobra.NoArgs,
		RunE: runStress,
	}

	f := stressCmd.Flags()
	f.StringVarP(&stressCfg.Addr, "addr", "a", defaultAddr, "listener address")
	f.IntVar(&stressCfg.Threads, "threads", 1, "sending goroutines")
	f.Float64Var(&stressCfg.Rate, "rate", 1000, "messages per second across all threads, 0 for no limit")
	f.IntVar(&stressCfg.RenewRate, "renew-rate", 100, "messages sent from one socket before it is replaced")
	f.IntVar(&stressCfg.MinSize, "min-size", 10, "smallest message in bytes")
	f.IntVar(&stressCfg.MaxSize, "max-size", 100000, "largest message in bytes")
	f.IntVar(&stressCfg.SizeIncrements, "size-increments", 10, "step between message sizes")
	f.Float64Var(&stressCfg.SizeExponent, "size-exponent", 3, "skew towards small messages (1 is uniform)")
	f.IntVar(&stressCfg.StopAfter, "stop-after", 10000, "messages per thread")
	f.IntVar(&stressCfg.ChunkSize, "chunk-size", client.DefaultChunkSize, "largest datagram to send, header included")
	f.IntVar(&stressCfg.SendBuffer, "sndbuf", 0, "socket send buffer in bytes, 0 for the OS default")
	f.Float64Var(&stressCfg.Loss, "loss", 0, "probability of discarding each fragment")
	f.Uint64Var(&stressCfg.Seed, "seed", 1, "random seed")
	f.DurationVar(&stressCfg.ReportInterval, "report-interval", 5*time.Second, "progress log interval, 0 to disable")
	return stressCmd
}

func runStress(cmd *cobra.Command, args []string) error {
	setupLogging(logLevel)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rep, err := stress.Run(ctx, stressCfg)
	if err != nil && ctx.Err() == nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
