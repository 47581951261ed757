// Package pipeline wires the Allocator, BufferPool, Parser, Resizer,
// Serializer, IpcQueue, Publisher and LatencyTracker into one
// end-to-end JSON-to-Arrow-to-Pulsar pipeline: explicit constructor
// injection, one errgroup for every worker goroutine, one shared
// shutdown flag.
package pipeline

import (
	"fmt"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/go-playground/validator/v10"

	"github.com/vectorfeed/vectorfeed/internal/adminrpc"
	"github.com/vectorfeed/vectorfeed/internal/errs"
	"github.com/vectorfeed/vectorfeed/internal/latency"
	"github.com/vectorfeed/vectorfeed/internal/publish"
)

// ParserKind selects which Parser backend the pipeline builds.
type ParserKind string

const (
	ParserArrow       ParserKind = "arrow"
	ParserFPGABattery ParserKind = "fpga-battery"
	ParserFPGATrip    ParserKind = "fpga-trip"
)

// Config collects every `vfeed stream` flag plus the admin-RPC, HTTP
// and latency-upload knobs. Struct tags drive go-playground/validator,
// invoked directly after the flag/env merge since the CLI config isn't
// itself a JSON request body.
type Config struct {
	SchemaPath string `validate:"required_unless=Parser fpga-battery Parser fpga-trip"`
	Host       string `validate:"required"`
	Port       int    `validate:"required,min=1,max=65535"`

	Parser ParserKind `validate:"required,oneof=arrow fpga-battery fpga-trip"`

	Threads        int   `validate:"min=0"`
	Buffers        int   `validate:"min=0"`
	BufferCapacity int   `validate:"min=0"`
	MaxRows        int64 `validate:"min=0"`
	MaxIPCSize     int64 `validate:"required,min=1"`
	AvgRowBytes    int64 `validate:"min=0"`

	ArrowStrict      bool
	ArrowSeqColumn   bool
	FPGANumParsers   int `validate:"min=0"`
	FPGAAFUBase      string
	FPGAPollInterval time.Duration
	FPGAMaxPollTime  time.Duration

	// FPGAFixedCapacity selects the fixed-capacity FPGA allocator: when
	// positive, every input buffer is exactly this size (any other
	// request is a hard AllocError) and BufferCapacity is coerced to
	// match. When zero, FPGA backends stage input in huge-page-aligned
	// regions instead.
	FPGAFixedCapacity int `validate:"min=0"`

	PublishURL           string `validate:"required"`
	PublishTopic         string `validate:"required"`
	NumProducers         int    `validate:"min=0"`
	BatchingEnable       bool
	BatchingMaxMessages  uint
	BatchingMaxBytes     uint
	BatchingMaxDelay     time.Duration
	DequeueTimeout       time.Duration
	QueueCapacity        int `validate:"min=0"`

	IdleFlushInterval time.Duration
	QueueWaitInterval time.Duration

	LatencyFile        string
	LatencyInterval    uint64
	LatencyMaxSamples  int
	LatencyS3Bucket    string
	LatencyS3Endpoint  string
	LatencyS3Region    string
	LatencyS3AccessKey string
	LatencyS3SecretKey string
	LatencyS3UseSSL    bool

	SocketPath  string
	MetricsAddr string
}

// DefaultConfig fills every knob the CLI doesn't require the operator to
// set explicitly.
func DefaultConfig() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              4050,
		Parser:            ParserArrow,
		Threads:           4,
		Buffers:           8,
		BufferCapacity:    4 << 20,
		MaxIPCSize:        (5 << 20) - (10 << 10),
		AvgRowBytes:       256,
		FPGANumParsers:    1,
		FPGAPollInterval:  50 * time.Microsecond,
		FPGAMaxPollTime:   5 * time.Second,
		PublishURL:        "pulsar://localhost:6650",
		NumProducers:      1,
		DequeueTimeout:    100 * time.Millisecond,
		QueueCapacity:     1024,
		IdleFlushInterval: 50 * time.Millisecond,
		QueueWaitInterval: time.Millisecond,
		LatencyInterval:   1024,
		LatencyMaxSamples: 1 << 16,
		SocketPath:        adminrpc.DefaultSocketPath(),
		MetricsAddr:       "0.0.0.0:9090",
	}
}

var validate = validator.New()

// Validate runs struct-tag validation and the cross-field checks
// validator tags alone can't express (e.g. S3 credential pairing),
// returning a ConfigError on the first problem found.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errs.New(errs.ConfigError, "pipeline.Config.Validate", err)
	}
	if c.LatencyS3Bucket != "" && (c.LatencyS3AccessKey == "" || c.LatencyS3SecretKey == "") {
		return errs.New(errs.ConfigError, "pipeline.Config.Validate",
			fmt.Errorf("latency-s3-bucket requires both latency-s3-access-key and latency-s3-secret-key"))
	}
	return nil
}

// LoadSchema reads the Arrow IPC schema message the --input flag points
// at. The Arrow backend uses it verbatim; FPGA backends hard-code their
// schemas and ignore it, so callers only invoke this for ParserArrow.
func LoadSchema(path string) (*arrow.Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.New(errs.SchemaError, "pipeline.LoadSchema", err)
	}
	defer f.Close()

	r, err := ipc.NewReader(f)
	if err != nil {
		return nil, errs.New(errs.SchemaError, "pipeline.LoadSchema", err)
	}
	defer r.Release()
	return r.Schema(), nil
}

// latencyS3Config adapts Config's flat S3 flags into latency.S3Config.
func (c Config) latencyS3Config() latency.S3Config {
	return latency.S3Config{
		BucketURL: c.LatencyS3Bucket,
		Endpoint:  c.LatencyS3Endpoint,
		Region:    c.LatencyS3Region,
		AccessKey: c.LatencyS3AccessKey,
		SecretKey: c.LatencyS3SecretKey,
		UseSSL:    c.LatencyS3UseSSL,
	}
}

// batchingOptions adapts Config's flat batching flags into
// publish.BatchingOptions.
func (c Config) batchingOptions() publish.BatchingOptions {
	return publish.BatchingOptions{
		Enable:          c.BatchingEnable,
		MaxMessages:     c.BatchingMaxMessages,
		MaxBytes:        c.BatchingMaxBytes,
		MaxPublishDelay: c.BatchingMaxDelay,
	}
}
