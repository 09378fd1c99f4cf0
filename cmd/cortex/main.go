package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"cortex/internal/config"
	"cortex/internal/pipeline"
	"cortex/internal/provider"
)

var (
	cfgFile   string
	verbose   bool
	confirmed bool
	stream    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cortex",
	Short: "Cortex - cognitive pipeline for tool-using agents",
	Long: `Cortex classifies a request, plans the tool steps it needs,
checks the plan against a safety policy and executes it with
caching, retries and remote failover.`,
}

// processCmd runs one input through the pipeline.
var processCmd = &cobra.Command{
	Use:   "process [input...]",
	Short: "Process an input through the pipeline",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pl, err := buildPipeline()
		if err != nil {
			return err
		}
		defer pl.Close()

		input := strings.Join(args, " ")
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := pipeline.ProcessOptions{Confirmed: confirmed}
		var result *pipeline.Result
		if stream {
			out := bufio.NewWriter(os.Stdout)
			result, err = pl.ProcessStreaming(ctx, input, func(chunk string) {
				out.WriteString(chunk)
				out.Flush()
			}, opts)
			fmt.Println()
		} else {
			result, err = pl.Process(ctx, input, opts)
		}
		if err != nil {
			return err
		}

		if result.RequiresConfirmation {
			fmt.Println(result.ConfirmationMessage)
			fmt.Println("\nRe-run with --yes to execute.")
			return nil
		}
		if !stream {
			fmt.Println(result.Output.Content)
		}
		if verbose {
			fmt.Fprintf(os.Stderr, "\n[%s] pipeline=%v steps=%d duration=%dms\n",
				result.ID, result.UsedPipeline, len(result.StepResults), result.ExecutionTime)
		}
		if !result.Success {
			os.Exit(1)
		}
		return nil
	},
}

// statsCmd prints pipeline counters.
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pipeline statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		pl, err := buildPipeline()
		if err != nil {
			return err
		}
		defer pl.Close()

		stats := pl.GetStats()
		fmt.Printf("Runs:       %d (pipeline %d, fast path %d)\n", stats.TotalRuns, stats.PipelineRuns, stats.FastPathRuns)
		fmt.Printf("Blocked:    %d\n", stats.BlockedRuns)
		fmt.Printf("Failed:     %d\n", stats.FailedRuns)
		fmt.Printf("Tools:      %d registered, %d available\n", stats.Registry.Total, stats.Registry.Available)
		fmt.Printf("Cache:      %d entries, %d hits\n", stats.Executor.CacheSize, stats.Executor.CacheHits)
		fmt.Printf("Peers:      %d (%d online)\n", stats.Broker.Peers, stats.Broker.Online)
		return nil
	},
}

// buildPipeline loads configuration and assembles the pipeline.
func buildPipeline() (*pipeline.Pipeline, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if !verbose {
		log.SetOutput(io.Discard)
	}

	// The scripted provider stands in until a model backend is wired
	// through configuration.
	var p provider.Provider
	if os.Getenv("CORTEX_SCRIPTED_RESPONSE") != "" {
		p = provider.NewScripted(os.Getenv("CORTEX_SCRIPTED_RESPONSE"))
	}
	return pipeline.New(cfg, p)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "cortex.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	processCmd.Flags().BoolVar(&confirmed, "yes", false, "confirm execution of plans that require it")
	processCmd.Flags().BoolVar(&stream, "stream", false, "stream output as it is produced")

	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(auditCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
