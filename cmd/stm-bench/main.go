// stm-bench runs synthetic blocks through the parallel executor and reports
// throughput, for tuning worker counts and scheduler policy knobs.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/onflow/block-stm/executor"
	"github.com/onflow/block-stm/metrics"
	"github.com/onflow/block-stm/model"
	"github.com/onflow/block-stm/scheduler"
	"github.com/onflow/block-stm/utils/synthetic"
)

var (
	flagTxns            uint32
	flagWorkers         uint32
	flagKeys            int
	flagReadsPerTxn     int
	flagWritesPerTxn    int
	flagBarrierInterval int
	flagSeed            int64
	flagBlocks          int
	flagTierWidth       uint32
	flagMediumWait      time.Duration
	flagMetricsAddr     string
	flagVerbose         bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "stm-bench",
		Short: "benchmark the optimistic parallel transaction executor",
		RunE:  run,
	}

	flags := rootCmd.Flags()
	flags.Uint32Var(&flagTxns, "txns", 10_000, "transactions per block")
	flags.Uint32Var(&flagWorkers, "workers", 0, "worker count (0 = NumCPU)")
	flags.IntVar(&flagKeys, "keys", 1_000, "size of the key space")
	flags.IntVar(&flagReadsPerTxn, "reads", 3, "reads per transaction")
	flags.IntVar(&flagWritesPerTxn, "writes", 2, "writes per transaction")
	flags.IntVar(&flagBarrierInterval, "barrier-interval", 0,
		"make every n-th transaction write all keys (0 = no barriers)")
	flags.Int64Var(&flagSeed, "seed", 1, "workload seed")
	flags.IntVar(&flagBlocks, "blocks", 1, "number of blocks to run")
	flags.Uint32Var(&flagTierWidth, "tier-width", 0,
		"priority tier width (0 = workers / 4)")
	flags.DurationVar(&flagMediumWait, "medium-wait",
		scheduler.DefaultMediumPriorityWait,
		"bounded dependency wait for medium priority transactions")
	flags.StringVar(&flagMetricsAddr, "metrics-addr", "",
		"serve prometheus metrics on this address (empty = disabled)")
	flags.BoolVar(&flagVerbose, "verbose", false, "debug logging")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger().
		Level(zerolog.InfoLevel)
	if flagVerbose {
		log = log.Level(zerolog.DebugLevel)
	}

	collector := metrics.Collector(metrics.NewNoopCollector())
	if flagMetricsAddr != "" {
		registry := prometheus.NewRegistry()
		collector = metrics.NewSchedulerCollector(registry)

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(
				registry, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(flagMetricsAddr, mux); err != nil {
				log.Err(err).Msg("metrics server stopped")
			}
		}()
		log.Info().Str("addr", flagMetricsAddr).Msg("serving metrics")
	}

	var schedulerOpts []scheduler.Option
	if flagTierWidth > 0 {
		schedulerOpts = append(schedulerOpts, scheduler.WithTierWidth(flagTierWidth))
	}
	schedulerOpts = append(schedulerOpts,
		scheduler.WithMediumPriorityWait(flagMediumWait))

	var totalTxns uint64
	var totalDuration time.Duration

	for block := 0; block < flagBlocks; block++ {
		workload := synthetic.Generate(synthetic.Config{
			NumTxns:         int(flagTxns),
			NumKeys:         flagKeys,
			ReadsPerTxn:     flagReadsPerTxn,
			WritesPerTxn:    flagWritesPerTxn,
			BarrierInterval: flagBarrierInterval,
			Seed:            flagSeed + int64(block),
		})
		vm := synthetic.NewVM(workload)
		committer := synthetic.NewCommitter()

		exec := executor.New(vm, committer, flagWorkers,
			executor.WithLogger(log),
			executor.WithMetrics(collector),
			executor.WithSchedulerOptions(schedulerOpts...))

		start := time.Now()
		stats, err := exec.ExecuteBlock(cmd.Context(), flagTxns)
		elapsed := time.Since(start)
		if err != nil {
			return fmt.Errorf("block %d failed: %w", block, err)
		}

		baseline := workload.SequentialBaseline()
		if err := verifyOutputs(baseline, vm.Outputs()); err != nil {
			return fmt.Errorf("block %d: %w", block, err)
		}

		reExecutions := countReExecutions(vm, flagTxns)
		log.Info().
			Int("block", block).
			Uint32("committed", stats.NextToCommitIdx).
			Uint32("re_executions", reExecutions).
			Dur("duration", elapsed).
			Float64("txns_per_sec", float64(flagTxns)/elapsed.Seconds()).
			Msg("block executed")

		totalTxns += uint64(flagTxns)
		totalDuration += elapsed
	}

	log.Info().
		Uint64("total_txns", totalTxns).
		Dur("total_duration", totalDuration).
		Float64("txns_per_sec", float64(totalTxns)/totalDuration.Seconds()).
		Msg("benchmark complete")
	return nil
}

func verifyOutputs(baseline []map[int]int64, outputs []map[int]int64) error {
	if len(baseline) != len(outputs) {
		return fmt.Errorf("output count %d != baseline %d",
			len(outputs), len(baseline))
	}
	for i, expected := range baseline {
		actual := outputs[i]
		if len(actual) != len(expected) {
			return fmt.Errorf("transaction %d read count diverged", i)
		}
		for key, writer := range expected {
			if actual[key] != writer {
				return fmt.Errorf(
					"transaction %d read key %d from writer %d, sequential says %d",
					i, key, actual[key], writer)
			}
		}
	}
	return nil
}

func countReExecutions(vm *synthetic.VM, numTxns uint32) uint32 {
	var total uint32
	for i := uint32(0); i < numTxns; i++ {
		if n := vm.Executions(model.TxnIndex(i)); n > 1 {
			total += n - 1
		}
	}
	return total
}
