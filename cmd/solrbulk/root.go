package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/solrbulk/solrbulk-go/archive"
	"github.com/solrbulk/solrbulk-go/cancel"
	"github.com/solrbulk/solrbulk-go/config"
	"github.com/solrbulk/solrbulk-go/metrics"
	"github.com/solrbulk/solrbulk-go/pipeline"
)

// errCancelled is returned by runRestore when a run was cut short by an
// interrupt signal, so main can exit non-zero per section 6's "the process
// exits with a non-zero status when cancelled or when fatal error occurs".
// The run itself is not a failure: whatever batches were ingested are
// reported normally before this error propagates.
var errCancelled = fmt.Errorf("restore cancelled")

var rootCmd = &cobra.Command{
	Use:   "solrbulk",
	Short: "Bulk-restore JSON documents from ZIP archives into a Solr-compatible index",
	Long: `solrbulk streams document batches out of a collection of ZIP archives and
POSTs them, concurrently, to a Solr-compatible update endpoint. It reads
many archives in parallel, fans batches out to a pool of writers, applies
end-to-end backpressure, retries transient transport failures, and shuts
down cleanly on interrupt.

Environment Variables:
  SOLR_COPY_TIMEOUT   per-request timeout in seconds (default 60, 6 in debug)
  SOLR_COPY_RETRIES   maximum retries per request (default 8)`,
	RunE: runRestore,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("from", "", "directory containing archives to restore (required)")
	flags.String("pattern", "*.zip", "glob pattern matching archive files within --from")
	flags.String("core", "", "target Solr core/collection name (required)")
	flags.String("url", "", "base Solr URL, e.g. http://localhost:8983/solr (required)")
	flags.Uint("readers", 4, "number of concurrent archive readers")
	flags.Uint("writers", 4, "number of concurrent Solr writers")
	flags.String("metrics-addr", "", "optional host:port to serve Prometheus metrics on /metrics while running")
	flags.String("report", "", "optional path to write the final JSON report to")
	flags.Bool("verbose", false, "enable debug-level logging")

	for _, name := range []string{"from", "pattern", "core", "url", "readers", "writers", "metrics-addr", "report", "verbose"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}

	viper.SetEnvPrefix("SOLRBULK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func runRestore(cmd *cobra.Command, args []string) error {
	level := zerolog.InfoLevel
	if viper.GetBool("verbose") {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()

	params := &config.RestoreParams{
		FromDir:  viper.GetString("from"),
		Pattern:  viper.GetString("pattern"),
		IntoCore: viper.GetString("core"),
		BaseURL:  viper.GetString("url"),
		Readers:  viper.GetUint("readers"),
		Writers:  viper.GetUint("writers"),
	}
	if err := params.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	archivePaths, err := archive.ListArchives(params.FromDir, params.Pattern)
	if err != nil {
		return fmt.Errorf("listing archives: %w", err)
	}
	if len(archivePaths) == 0 {
		return fmt.Errorf("no archives matching %q found in %s", params.Pattern, params.FromDir)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	if addr := viper.GetString("metrics-addr"); addr != "" {
		go serveMetrics(addr, registry, &log)
	}

	cancelFlag := cancel.NewFlag()
	opts := pipeline.Options{
		Log:      &log,
		Metrics:  m,
		Progress: metrics.Sink{M: m},
		Cancel:   cancelFlag,
	}

	log.Info().Int("archives", len(archivePaths)).Str("core", params.IntoCore).Msg("starting restore")

	written, err := pipeline.Run(params, archivePaths, opts)
	if err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}

	report := m.GenerateReport()
	fmt.Println(report.String())
	log.Info().Uint64("written", written).Msg("restore finished")

	if path := viper.GetString("report"); path != "" {
		if err := writeReport(path, report); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
	}

	if cancelFlag.IsSet() {
		log.Info().Msg("restore was interrupted before completion")
		return errCancelled
	}

	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Info().Str("addr", addr).Msg("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics server stopped")
	}
}

func writeReport(path string, report metrics.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
