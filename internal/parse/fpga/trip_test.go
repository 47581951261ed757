package fpga

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/vectorfeed/vectorfeed/internal/buffer"
)

// tripFixture is one trip-report document with all 19 fields populated,
// list widths matching the schema exactly.
func tripFixture() string {
	seq := func(n, base int) string {
		parts := make([]string, n)
		for i := range parts {
			parts[i] = fmt.Sprintf("%d", base+i)
		}
		return "[" + strings.Join(parts, ",") + "]"
	}
	return `{` +
		`"timestamp":"2005-09-09T11:59:06-10:00",` +
		`"timezone":883,` +
		`"vin":16852243674679352615,` +
		`"odometer":997,` +
		`"hypermiling":false,` +
		`"avgspeed":156,` +
		`"sec_in_band":` + seq(12, 1) + `,` +
		`"miles_in_time_range":` + seq(24, 100) + `,` +
		`"const_speed_miles_in_band":` + seq(12, 200) + `,` +
		`"vary_speed_miles_in_band":` + seq(12, 300) + `,` +
		`"sec_decel":` + seq(10, 400) + `,` +
		`"sec_accel":` + seq(10, 500) + `,` +
		`"braking":` + seq(6, 600) + `,` +
		`"accel":` + seq(6, 700) + `,` +
		`"orientation":true,` +
		`"small_speed_var":` + seq(13, 800) + `,` +
		`"large_speed_var":` + seq(13, 900) + `,` +
		`"accel_decel":767,` +
		`"speed_changes":941` +
		`}`
}

func TestTripOutputSchemaShape(t *testing.T) {
	t.Parallel()

	s := TripOutputSchema()
	if s.NumFields() != tripFieldCount {
		t.Fatalf("schema has %d fields, want %d", s.NumFields(), tripFieldCount)
	}
	for _, lf := range tripListFields {
		idx := s.FieldIndices(lf.name)
		if len(idx) != 1 {
			t.Fatalf("field %q not found exactly once", lf.name)
		}
		fsl, ok := s.Field(idx[0]).Type.(*arrow.FixedSizeListType)
		if !ok {
			t.Fatalf("field %q is %v, want fixed_size_list", lf.name, s.Field(idx[0]).Type)
		}
		if int(fsl.Len()) != lf.width {
			t.Fatalf("field %q has width %d, want %d", lf.name, fsl.Len(), lf.width)
		}
	}
}

func TestTripSingleDocumentFieldEquality(t *testing.T) {
	t.Parallel()

	kernels, _, err := NewTripParsers(TripOptions{NumParsers: 1})
	if err != nil {
		t.Fatalf("NewTripParsers: %v", err)
	}

	buf := fillBuffer(t, 0, tripFixture())
	registerInput(kernels, buf)

	batches, err := kernels[0].Parse(context.Background(), []*buffer.JsonBuffer{buf})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	b := batches[0]
	defer b.Release()

	if b.Batch.NumRows() != 1 {
		t.Fatalf("rows=%d, want 1", b.Batch.NumRows())
	}
	if !b.Batch.Schema().Equal(TripOutputSchema()) {
		t.Fatalf("schema mismatch: %v", b.Batch.Schema())
	}

	rec := b.Batch
	if got := rec.Column(0).(*array.String).Value(0); got != "2005-09-09T11:59:06-10:00" {
		t.Errorf("timestamp = %q", got)
	}
	scalars := []struct {
		name string
		col  int
		want uint64
	}{
		{"timezone", 1, 883},
		{"vin", 2, 16852243674679352615},
		{"odometer", 3, 997},
		{"avgspeed", 5, 156},
		{"accel_decel", 17, 767},
		{"speed_changes", 18, 941},
	}
	for _, s := range scalars {
		if got := rec.Column(s.col).(*array.Uint64).Value(0); got != s.want {
			t.Errorf("%s = %d, want %d", s.name, got, s.want)
		}
	}
	if got := rec.Column(4).(*array.Boolean).Value(0); got != false {
		t.Errorf("hypermiling = %v, want false", got)
	}
	if got := rec.Column(14).(*array.Boolean).Value(0); got != true {
		t.Errorf("orientation = %v, want true", got)
	}

	listBases := map[string]uint64{
		"sec_in_band":               1,
		"miles_in_time_range":       100,
		"const_speed_miles_in_band": 200,
		"vary_speed_miles_in_band":  300,
		"sec_decel":                 400,
		"sec_accel":                 500,
		"braking":                   600,
		"accel":                     700,
		"small_speed_var":           800,
		"large_speed_var":           900,
	}
	schema := rec.Schema()
	for _, lf := range tripListFields {
		col := rec.Column(schema.FieldIndices(lf.name)[0]).(*array.FixedSizeList)
		vals := col.ListValues().(*array.Uint64)
		base := listBases[lf.name]
		for j := 0; j < lf.width; j++ {
			if got := vals.Value(j); got != base+uint64(j) {
				t.Errorf("%s[%d] = %d, want %d", lf.name, j, got, base+uint64(j))
				break
			}
		}
	}
}

func TestTripRejectsWrongListWidth(t *testing.T) {
	t.Parallel()

	kernels, _, err := NewTripParsers(TripOptions{NumParsers: 1})
	if err != nil {
		t.Fatalf("NewTripParsers: %v", err)
	}

	doc := strings.Replace(tripFixture(), `"braking":[600,601,602,603,604,605]`, `"braking":[600]`, 1)
	buf := fillBuffer(t, 0, doc)
	registerInput(kernels, buf)

	if _, err := kernels[0].Parse(context.Background(), []*buffer.JsonBuffer{buf}); err == nil {
		t.Fatalf("expected a wrong-width fixed-size list to be rejected")
	}
}
