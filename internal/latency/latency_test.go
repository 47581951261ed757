package latency

import (
	"bytes"
	"strings"
	"testing"
)

func TestTrackerSamplesOnInterval(t *testing.T) {
	t.Parallel()

	tr := NewTracker(Options{Interval: 4, MaxSamples: 100})
	for seq := uint64(0); seq < 16; seq++ {
		if !tr.ShouldSample(seq) {
			continue
		}
		p := tr.Start(seq)
		p.Mark(Published)
		tr.Record(seq, p)
	}
	if tr.Len() != 4 {
		t.Fatalf("expected 4 samples, got %d", tr.Len())
	}
}

func TestTrackerStopsAtMaxSamples(t *testing.T) {
	t.Parallel()

	tr := NewTracker(Options{Interval: 1, MaxSamples: 2})
	for seq := uint64(0); seq < 10; seq++ {
		if !tr.ShouldSample(seq) {
			continue
		}
		p := tr.Start(seq)
		tr.Record(seq, p)
	}
	if tr.Len() != 2 {
		t.Fatalf("expected sampling to stop at MaxSamples=2, got %d", tr.Len())
	}
}

func TestTrackerSamplingOverStream(t *testing.T) {
	t.Parallel()

	tr := NewTracker(Options{Interval: 1024, MaxSamples: 3})
	for seq := uint64(0); seq < 4000; seq++ {
		// Ingest-side stamps land in the tracker by sequence number,
		// before any Points value exists for the record.
		tr.MarkSeq(seq, Received)
		tr.MarkSeq(seq, Unwrapped)
		tr.MarkSeq(seq, Buffered)
	}
	tr.MarkRange(0, 3999, BufferFlushed)
	for seq := uint64(0); seq < 4000; seq++ {
		if !tr.ShouldSample(seq) {
			continue
		}
		// The converter takes the in-flight sample over and threads it
		// through the remaining stages by value.
		p := tr.Start(seq)
		for _, s := range []Stage{Parsed, Batched, Combined, Serialized, Dequeued, PrePublish, Published} {
			p.Mark(s)
		}
		tr.Record(seq, p)
	}

	if tr.Len() != 3 {
		t.Fatalf("expected exactly 3 samples, got %d", tr.Len())
	}

	var buf bytes.Buffer
	if err := tr.WriteCSV(&buf); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header + 3 rows, got %d lines", len(lines))
	}
	cols := strings.Split(lines[0], ",")
	// seq, ten inter-slot intervals, total, first_to_serialized.
	if len(cols) != 13 {
		t.Fatalf("header has %d columns, want 13: %v", len(cols), cols)
	}
	for i, wantSeq := range []string{"0", "1024", "2048"} {
		fields := strings.Split(lines[i+1], ",")
		if fields[0] != wantSeq {
			t.Errorf("row %d seq = %s, want %s", i, fields[0], wantSeq)
		}
		for j, f := range fields[1:] {
			if f == "" {
				t.Errorf("row %d column %d is empty; every interval should be populated", i, j+1)
			}
		}
	}
}

func TestTrackerWriteCSVOrdersBySeq(t *testing.T) {
	t.Parallel()

	tr := NewTracker(Options{Interval: 1, MaxSamples: 10})
	p2 := tr.Start(2)
	tr.Record(2, p2)
	p1 := tr.Start(1)
	tr.Record(1, p1)

	var buf bytes.Buffer
	if err := tr.WriteCSV(&buf); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[1], "1,") || !strings.HasPrefix(lines[2], "2,") {
		t.Fatalf("expected rows ordered by seq, got %v", lines[1:])
	}
}
