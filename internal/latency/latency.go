// Package latency tracks per-record timestamps at eleven pipeline stages
// for a sampled subset of sequence numbers, and exports them as CSV once
// the pipeline shuts down.
package latency

import (
	"encoding/csv"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Stage identifies one of the eleven timestamped points a sampled record
// passes through, in pipeline order.
type Stage int

const (
	Received Stage = iota
	Unwrapped
	Buffered
	BufferFlushed
	Parsed
	Batched
	Combined
	Serialized
	Dequeued
	PrePublish
	Published

	numStages = int(Published) + 1
)

var stageNames = [numStages]string{
	"received", "unwrapped", "buffered", "buffer_flushed", "parsed",
	"batched", "combined", "serialized", "dequeued", "pre_publish", "published",
}

// intervalNames labels the numStages-1 inter-slot gaps the CSV reports,
// one per consecutive pair of stages.
var intervalNames = func() [numStages - 1]string {
	var names [numStages - 1]string
	for i := 0; i < numStages-1; i++ {
		names[i] = stageNames[i] + "_to_" + stageNames[i+1]
	}
	return names
}()

// Points is the fixed-size timestamp vector for one sampled record. The
// zero value represents an unsampled record: every slot is time.Time{}.
type Points [numStages]time.Time

// Mark records now() at stage s, if the Points value is being sampled
// (callers only call Mark on Points obtained from Tracker.Start).
func (p *Points) Mark(s Stage) {
	p[s] = time.Now()
}

func (p Points) sampled() bool {
	return !p[Received].IsZero()
}

// Sampled reports whether p came from Tracker.Start (as opposed to the
// zero value carried by an unsampled record). Callers outside this
// package use this to decide whether marking further stages is
// worthwhile.
func (p Points) Sampled() bool {
	return p.sampled()
}

// Options configures sampling policy and capacity.
type Options struct {
	// Interval samples every Interval-th sequence number (1 samples all).
	Interval uint64
	// MaxSamples bounds memory; sampling stops once reached.
	MaxSamples int
}

func DefaultOptions() Options {
	return Options{Interval: 1024, MaxSamples: 1 << 20}
}

type record struct {
	seq    uint64
	points Points
}

// Tracker accumulates sampled per-record latency points across the
// lifetime of a pipeline run. A sample passes through two homes: the
// pending map while the record is still in flight (Ingest stamps the
// early stages there by sequence number, before any Points value rides
// on an IpcMessage), then the records slice once a downstream stage
// hands the completed Points back via Record.
type Tracker struct {
	opts Options

	mu      sync.Mutex
	pending map[uint64]*Points
	records []record
}

func NewTracker(opts Options) *Tracker {
	if opts.Interval == 0 {
		opts.Interval = 1
	}
	return &Tracker{opts: opts, pending: make(map[uint64]*Points)}
}

// ShouldSample reports whether seq falls on the sampling interval and
// capacity has not yet been reached. Callers check this before doing the
// (relatively costly) work of threading Points through every stage.
func (t *Tracker) ShouldSample(seq uint64) bool {
	if seq%t.opts.Interval != 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records) < t.opts.MaxSamples
}

// MarkSeq stamps stage s for seq while the record is still in flight,
// before any Points value travels with it. A no-op for unsampled seqs.
func (t *Tracker) MarkSeq(seq uint64, s Stage) {
	if !t.ShouldSample(seq) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[seq]
	if !ok {
		if len(t.pending) >= t.opts.MaxSamples {
			return
		}
		p = &Points{}
		t.pending[seq] = p
	}
	p[s] = time.Now()
}

// MarkRange stamps stage s for every sampled seq in [first, last], used
// by stages whose events cover a whole buffer (e.g. a flush) rather
// than one record.
func (t *Tracker) MarkRange(first, last uint64, s Stage) {
	start := first
	if rem := start % t.opts.Interval; rem != 0 {
		start += t.opts.Interval - rem
	}
	for seq := start; seq >= first && seq <= last; seq += t.opts.Interval {
		t.MarkSeq(seq, s)
	}
}

// Start hands seq's in-flight sample over to the caller, who threads it
// through the remaining stages by value and returns it via Record. When
// no upstream stage marked seq (e.g. in benchmarks that skip ingest),
// the sample begins here with Received.
func (t *Tracker) Start(seq uint64) Points {
	t.mu.Lock()
	if p, ok := t.pending[seq]; ok {
		out := *p
		delete(t.pending, seq)
		t.mu.Unlock()
		return out
	}
	t.mu.Unlock()
	var p Points
	p[Received] = time.Now()
	return p
}

// Record appends a completed (or partially completed) sample for seq.
// Unsampled Points (seq not selected by ShouldSample) must not be passed
// here.
func (t *Tracker) Record(seq uint64, p Points) {
	if !p.sampled() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.records) >= t.opts.MaxSamples {
		return
	}
	t.records = append(t.records, record{seq: seq, points: p})
}

// Len reports the number of samples collected so far.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// WriteCSV dumps every sample, ordered by sequence number, as seq, then
// each inter-slot interval in seconds, then total, then "first-to-
// serialized" time. A gap is left blank when either
// endpoint of that interval was never reached.
func (t *Tracker) WriteCSV(w io.Writer) error {
	t.mu.Lock()
	recs := make([]record, len(t.records))
	copy(recs, t.records)
	t.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	cw := csv.NewWriter(w)
	header := make([]string, 0, numStages+2)
	header = append(header, "seq")
	header = append(header, intervalNames[:]...)
	header = append(header, "total", "first_to_serialized")
	if err := cw.Write(header); err != nil {
		return err
	}

	row := make([]string, 0, len(header))
	for _, r := range recs {
		row = row[:0]
		row = append(row, strconv.FormatUint(r.seq, 10))
		p := r.points
		for s := 0; s < numStages-1; s++ {
			row = append(row, secondsBetween(p[s], p[s+1]))
		}
		row = append(row, secondsBetween(p[Received], p[Published]))
		row = append(row, secondsBetween(p[Received], p[Serialized]))
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// secondsBetween formats the duration from a to b in fractional seconds,
// or "" if either endpoint was never stamped.
func secondsBetween(a, b time.Time) string {
	if a.IsZero() || b.IsZero() {
		return ""
	}
	return strconv.FormatFloat(b.Sub(a).Seconds(), 'f', -1, 64)
}
