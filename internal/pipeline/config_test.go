package pipeline

import (
	"testing"

	"github.com/vectorfeed/vectorfeed/internal/buffer"
	"github.com/vectorfeed/vectorfeed/internal/errs"
)

func TestBuildAllocatorSelectsBackendVariant(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	alloc, capacity := buildAllocator(cfg)
	if _, ok := alloc.(*buffer.SystemAllocator); !ok {
		t.Fatalf("arrow backend got %T, want SystemAllocator", alloc)
	}
	if capacity != cfg.BufferCapacity {
		t.Fatalf("capacity=%d, want %d", capacity, cfg.BufferCapacity)
	}

	cfg.Parser = ParserFPGABattery
	alloc, capacity = buildAllocator(cfg)
	if _, ok := alloc.(*buffer.HugePageAllocator); !ok {
		t.Fatalf("fpga backend without fixed capacity got %T, want HugePageAllocator", alloc)
	}
	if capacity != cfg.BufferCapacity {
		t.Fatalf("capacity=%d, want %d", capacity, cfg.BufferCapacity)
	}

	cfg.FPGAFixedCapacity = 1 << 20
	alloc, capacity = buildAllocator(cfg)
	fixed, ok := alloc.(*buffer.FpgaFixedAllocator)
	if !ok {
		t.Fatalf("fpga backend with fixed capacity got %T, want FpgaFixedAllocator", alloc)
	}
	if fixed.Capacity != 1<<20 || capacity != 1<<20 {
		t.Fatalf("fixed capacity=%d pool capacity=%d, want both %d", fixed.Capacity, capacity, 1<<20)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	base := DefaultConfig()
	base.PublishTopic = "vfeed-test"

	t.Run("arrow requires schema path", func(t *testing.T) {
		t.Parallel()
		cfg := base
		cfg.Parser = ParserArrow
		cfg.SchemaPath = ""
		if err := cfg.Validate(); err == nil {
			t.Fatalf("expected validation to fail without --input")
		}
	})

	t.Run("fpga backends need no schema path", func(t *testing.T) {
		t.Parallel()
		cfg := base
		cfg.Parser = ParserFPGABattery
		cfg.SchemaPath = ""
		if err := cfg.Validate(); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	})

	t.Run("unknown parser rejected", func(t *testing.T) {
		t.Parallel()
		cfg := base
		cfg.Parser = ParserKind("gpu")
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("expected unknown parser to be rejected")
		}
		if errs.KindOf(err) != errs.ConfigError {
			t.Fatalf("expected ConfigError kind, got %v", errs.KindOf(err))
		}
	})

	t.Run("s3 upload requires credentials", func(t *testing.T) {
		t.Parallel()
		cfg := base
		cfg.Parser = ParserFPGABattery
		cfg.LatencyS3Bucket = "s3://bucket/prefix"
		if err := cfg.Validate(); err == nil {
			t.Fatalf("expected missing S3 credentials to be rejected")
		}
		cfg.LatencyS3AccessKey = "ak"
		cfg.LatencyS3SecretKey = "sk"
		if err := cfg.Validate(); err != nil {
			t.Fatalf("Validate with credentials: %v", err)
		}
	})
}
