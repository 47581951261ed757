package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/vectorfeed/vectorfeed/internal/pipeline"
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Run the ingest pipeline",
	Long: `stream starts the TCP ingest listener, converter pool, publisher, and
admin/metrics servers, and runs until interrupted.

Example:
  vfeed stream --input schema.arrow --parser arrow --port 4050 \
    --publish-url pulsar://localhost:6650 --publish-topic vfeed-topic`,
	RunE: runStream,
}

func init() {
	rootCmd.AddCommand(streamCmd)

	f := streamCmd.Flags()
	f.String("input", "", "path to an Arrow IPC schema file (required for --parser=arrow)")
	f.String("host", "0.0.0.0", "TCP ingest bind host")
	f.Int("port", 4050, "TCP ingest bind port")
	f.String("parser", "arrow", "parser backend: arrow, fpga-battery, fpga-trip")
	f.Bool("strict", false, "reject JSON fields absent from the schema (arrow backend only)")
	f.Bool("seq-column", false, "prepend a bolson_seq column to output batches")

	f.Int("threads", 0, "converter thread count (0: 4; fpga backends ignore it and run one per kernel)")
	f.Int("buffers", 0, "buffer pool size (0: 8; fpga backends ignore it and use two per kernel)")
	f.Int("buffer-capacity", 4<<20, "bytes per input buffer")
	f.Int64("max-rows", 0, "row cap per IPC message (0: computed from --avg-row-bytes)")
	f.Int64("max-ipc", (5<<20)-(10<<10), "max serialized IPC message size in bytes")
	f.Int64("avg-row-bytes", 256, "estimated row size used to compute --max-rows when unset")

	f.Int("fpga-num-parsers", 1, "number of emulated FPGA kernel instances (fpga-trip always uses 1)")
	f.String("fpga-afu-base", "", "AFU identifier base string (empty: built-in base); a two-hex-digit kernel-count suffix is appended")
	f.Duration("fpga-poll-interval", 50*time.Microsecond, "FPGA status-register poll interval")
	f.Duration("fpga-max-poll-time", 5*time.Second, "FPGA status poll timeout")
	f.Int("fpga-fixed-capacity", 0, "fixed FPGA input-buffer capacity in bytes (0: huge-page staging)")

	f.String("publish-url", "pulsar://localhost:6650", "Pulsar service URL")
	f.String("publish-topic", "", "Pulsar topic (required)")
	f.Int("num-producers", 1, "number of Pulsar producer goroutines")
	f.Bool("batching", false, "enable Pulsar producer batching")
	f.Uint("batching-max-messages", 1000, "max messages per Pulsar batch")
	f.Uint("batching-max-bytes", 128*1024, "max bytes per Pulsar batch")
	f.Duration("batching-max-delay", 10*time.Millisecond, "max delay before flushing a Pulsar batch")
	f.Duration("dequeue-timeout", 100*time.Millisecond, "publisher dequeue poll timeout")
	f.Int("queue-capacity", 1024, "IPC queue capacity")

	f.Duration("idle-flush-interval", 50*time.Millisecond, "ingest idle-flush interval")
	f.Duration("queue-wait-interval", time.Millisecond, "converter empty-pool retry interval")

	f.String("latency-file", "", "path to write the per-record latency CSV on shutdown")
	f.Uint64("latency-interval", 1024, "sample every Nth sequence number")
	f.Int("latency-max-samples", 1<<16, "cap on retained latency samples")
	f.String("latency-s3-bucket", "", "s3://bucket/prefix to upload the latency CSV to on shutdown")
	f.String("latency-s3-endpoint", "", "S3-compatible endpoint (empty: AWS default)")
	f.String("latency-s3-region", "", "S3 region")
	f.String("latency-s3-access-key", "", "S3 access key")
	f.String("latency-s3-secret-key", "", "S3 secret key")
	f.Bool("latency-s3-use-ssl", true, "use HTTPS for the S3 endpoint")

	f.String("socket-path", "", "admin RPC Unix socket path (empty: platform default)")
	f.String("metrics-addr", "0.0.0.0:9090", "metrics/health HTTP bind address")

	for _, name := range []string{
		"input", "host", "port", "parser", "strict", "seq-column",
		"threads", "buffers", "buffer-capacity", "max-rows", "max-ipc", "avg-row-bytes",
		"fpga-num-parsers", "fpga-afu-base", "fpga-poll-interval", "fpga-max-poll-time",
		"fpga-fixed-capacity",
		"publish-url", "publish-topic", "num-producers", "batching", "batching-max-messages",
		"batching-max-bytes", "batching-max-delay", "dequeue-timeout", "queue-capacity",
		"idle-flush-interval", "queue-wait-interval",
		"latency-file", "latency-interval", "latency-max-samples",
		"latency-s3-bucket", "latency-s3-endpoint", "latency-s3-region",
		"latency-s3-access-key", "latency-s3-secret-key", "latency-s3-use-ssl",
		"socket-path", "metrics-addr",
	} {
		_ = viper.BindPFlag(name, f.Lookup(name))
	}
}

func runStream(cmd *cobra.Command, args []string) error {
	cfg := pipeline.DefaultConfig()
	cfg.SchemaPath = viper.GetString("input")
	cfg.Host = viper.GetString("host")
	cfg.Port = viper.GetInt("port")
	cfg.Parser = pipeline.ParserKind(viper.GetString("parser"))
	cfg.ArrowStrict = viper.GetBool("strict")
	cfg.ArrowSeqColumn = viper.GetBool("seq-column")

	cfg.Threads = viper.GetInt("threads")
	cfg.Buffers = viper.GetInt("buffers")
	cfg.BufferCapacity = viper.GetInt("buffer-capacity")
	cfg.MaxRows = viper.GetInt64("max-rows")
	cfg.MaxIPCSize = viper.GetInt64("max-ipc")
	cfg.AvgRowBytes = viper.GetInt64("avg-row-bytes")

	cfg.FPGANumParsers = viper.GetInt("fpga-num-parsers")
	cfg.FPGAAFUBase = viper.GetString("fpga-afu-base")
	cfg.FPGAPollInterval = viper.GetDuration("fpga-poll-interval")
	cfg.FPGAMaxPollTime = viper.GetDuration("fpga-max-poll-time")
	cfg.FPGAFixedCapacity = viper.GetInt("fpga-fixed-capacity")

	cfg.PublishURL = viper.GetString("publish-url")
	cfg.PublishTopic = viper.GetString("publish-topic")
	cfg.NumProducers = viper.GetInt("num-producers")
	cfg.BatchingEnable = viper.GetBool("batching")
	cfg.BatchingMaxMessages = viper.GetUint("batching-max-messages")
	cfg.BatchingMaxBytes = viper.GetUint("batching-max-bytes")
	cfg.BatchingMaxDelay = viper.GetDuration("batching-max-delay")
	cfg.DequeueTimeout = viper.GetDuration("dequeue-timeout")
	cfg.QueueCapacity = viper.GetInt("queue-capacity")

	cfg.IdleFlushInterval = viper.GetDuration("idle-flush-interval")
	cfg.QueueWaitInterval = viper.GetDuration("queue-wait-interval")

	cfg.LatencyFile = viper.GetString("latency-file")
	cfg.LatencyInterval = viper.GetUint64("latency-interval")
	cfg.LatencyMaxSamples = viper.GetInt("latency-max-samples")
	cfg.LatencyS3Bucket = viper.GetString("latency-s3-bucket")
	cfg.LatencyS3Endpoint = viper.GetString("latency-s3-endpoint")
	cfg.LatencyS3Region = viper.GetString("latency-s3-region")
	cfg.LatencyS3AccessKey = viper.GetString("latency-s3-access-key")
	cfg.LatencyS3SecretKey = viper.GetString("latency-s3-secret-key")
	cfg.LatencyS3UseSSL = viper.GetBool("latency-s3-use-ssl")

	if sp := viper.GetString("socket-path"); sp != "" {
		cfg.SocketPath = sp
	}
	cfg.MetricsAddr = viper.GetString("metrics-addr")

	if viper.GetBool("verbose") {
		if dump, err := yaml.Marshal(cfg); err == nil {
			fmt.Fprintf(os.Stderr, "effective configuration:\n%s", dump)
		}
	}

	p, err := pipeline.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nshutting down gracefully... (press Ctrl+C again to force)")
		cancel()
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nforce shutdown.")
			os.Exit(1)
		case <-time.After(10 * time.Second):
			fmt.Fprintln(os.Stderr, "shutdown timed out, forcing exit.")
			os.Exit(1)
		}
	}()

	if err := p.Run(ctx); err != nil {
		return err
	}
	signal.Stop(sigCh)
	return nil
}
