package sink

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cxlogger/internal/model"
	"cxlogger/internal/settings"
)

func testBatch(n int) []model.SampleRecord {
	start := time.Date(2024, 3, 5, 10, 15, 30, 123456000, time.UTC)
	out := make([]model.SampleRecord, n)
	for i := range out {
		phase := float64(i) / 10
		out[i] = model.SampleRecord{
			Timestamp: start.Add(time.Duration(i) * 2 * time.Millisecond),
			AccelX:    math.Sin(phase),
			AccelY:    math.Cos(phase),
			AccelZ:    5 * math.Sin(phase),
		}
	}
	return out
}

func sameRecords(t *testing.T, got, want []model.SampleRecord) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("records=%d want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Timestamp.Equal(want[i].Timestamp) {
			t.Fatalf("record %d time=%s want %s", i, got[i].Timestamp, want[i].Timestamp)
		}
		if got[i].AccelX != want[i].AccelX || got[i].AccelY != want[i].AccelY || got[i].AccelZ != want[i].AccelZ {
			t.Fatalf("record %d=%+v want %+v", i, got[i], want[i])
		}
	}
}

func TestNew_SelectsVariant(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(settings.OutputCSV, dir, "CX1_1901_", Options{})
	if err != nil || s.Name() != "csv" {
		t.Fatalf("csv sink=%v err=%v", s, err)
	}
	s, err = New(settings.OutputColumnar, dir, "CX1_1901_", Options{})
	if err != nil || s.Name() != "columnar" {
		t.Fatalf("columnar sink=%v err=%v", s, err)
	}
	if _, err := New("feather", dir, "x", Options{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestCSVSink_WritesNamedFile(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "out")
	s := NewCSVSink(dir, "CX1_1901_")
	batch := testBatch(25)

	n, err := s.Write(batch)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(batch) {
		t.Fatalf("written=%d", n)
	}

	path := filepath.Join(dir, "CX1_1901_20240305T101530.123456Z.csv")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != len(batch)+1 {
		t.Fatalf("lines=%d", len(lines))
	}
	if lines[0] != "time,accel_x,accel_y,accel_z" {
		t.Fatalf("header=%q", lines[0])
	}

	got, err := ReadCSV(path)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	sameRecords(t, got, batch)
}

func TestCSVSink_EmptyBatchWritesNothing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	n, err := NewCSVSink(dir, "p_").Write(nil)
	if err != nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("entries=%d", len(entries))
	}
}

func TestCSVSink_SameFirstTimestampOverwrites(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := NewCSVSink(dir, "p_")
	first := testBatch(10)
	second := testBatch(3)

	if _, err := s.Write(first); err != nil {
		t.Fatalf("Write #1: %v", err)
	}
	if _, err := s.Write(second); err != nil {
		t.Fatalf("Write #2: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("entries=%d", len(entries))
	}
	got, err := ReadCSV(s.Path(first[0].Timestamp))
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	sameRecords(t, got, second)
}

func TestCSVSink_UnwritableDirectoryFails(t *testing.T) {
	t.Parallel()

	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	n, err := NewCSVSink(filepath.Join(blocker, "sub"), "p_").Write(testBatch(2))
	if err == nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}

func TestColumnarSink_RoundTripAllCompressions(t *testing.T) {
	t.Parallel()

	for _, c := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		dir := t.TempDir()
		s := NewColumnarSink(dir, "CX1_1902_", Options{DeviceID: "CX1_1902", Compression: c})
		batch := testBatch(500)

		n, err := s.Write(batch)
		if err != nil {
			t.Fatalf("%s: Write: %v", c, err)
		}
		if n != len(batch) {
			t.Fatalf("%s: written=%d", c, n)
		}
		path := s.Path(batch[0].Timestamp)
		if filepath.Base(path) != "CX1_1902_20240305T101530.123456Z.cxb" {
			t.Fatalf("%s: name=%s", c, filepath.Base(path))
		}

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("%s: ReadFile: %v", c, err)
		}
		device, got, err := DecodeColumnar(data)
		if err != nil {
			t.Fatalf("%s: DecodeColumnar: %v", c, err)
		}
		if device != "CX1_1902" {
			t.Fatalf("%s: device=%q", c, device)
		}
		sameRecords(t, got, batch)
	}
}

func TestDecodeColumnar_DetectsCorruption(t *testing.T) {
	t.Parallel()

	data, err := EncodeColumnar("d", testBatch(50), CompressionNone)
	if err != nil {
		t.Fatalf("EncodeColumnar: %v", err)
	}
	// Flip a byte near the end, inside the payload.
	corrupt := bytes.Clone(data)
	corrupt[len(corrupt)-3] ^= 0xff
	if _, _, err := DecodeColumnar(corrupt); err == nil {
		t.Fatalf("expected checksum error")
	}
	if _, _, err := DecodeColumnar([]byte("nope")); err == nil {
		t.Fatalf("expected magic error")
	}

	for _, c := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		for _, hdr := range []columnarFile{
			{Version: columnarVersion, Compression: c, RawSize: -1, Payload: []byte{1, 2, 3}},
			{Version: columnarVersion, Compression: c, RawSize: maxRawSize + 1, Payload: []byte{1, 2, 3}},
			{Version: columnarVersion, Compression: c, Rows: -1, Payload: []byte{1, 2, 3}},
		} {
			body, err := encMode.Marshal(hdr)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if _, _, err := DecodeColumnar(append(bytes.Clone(columnarMagic), body...)); err == nil {
				t.Fatalf("compression=%s rows=%d raw_size=%d: expected error", c, hdr.Rows, hdr.RawSize)
			}
		}
	}
}

func TestTranspose_Columns(t *testing.T) {
	t.Parallel()

	batch := testBatch(4)
	cols := Transpose(batch)
	if len(cols.Time) != 4 || len(cols.AccelZ) != 4 {
		t.Fatalf("cols=%+v", cols)
	}
	if cols.AccelY[2] != batch[2].AccelY {
		t.Fatalf("y[2]=%v", cols.AccelY[2])
	}
	cols.AccelX = cols.AccelX[:3]
	if _, err := cols.Records(); err == nil {
		t.Fatalf("expected length mismatch error")
	}
}

func TestParseCompression(t *testing.T) {
	t.Parallel()

	if c, err := ParseCompression(""); err != nil || c != CompressionZstd {
		t.Fatalf("default=%q err=%v", c, err)
	}
	if c, err := ParseCompression("lz4"); err != nil || c != CompressionLZ4 {
		t.Fatalf("lz4=%q err=%v", c, err)
	}
	if _, err := ParseCompression("brotli"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestReadFile_ByExtension(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	batch := testBatch(5)
	csvSink := NewCSVSink(dir, "a_")
	colSink := NewColumnarSink(dir, "b_", Options{})
	if _, err := csvSink.Write(batch); err != nil {
		t.Fatalf("csv: %v", err)
	}
	if _, err := colSink.Write(batch); err != nil {
		t.Fatalf("columnar: %v", err)
	}
	for _, path := range []string{csvSink.Path(batch[0].Timestamp), colSink.Path(batch[0].Timestamp)} {
		got, err := ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile %s: %v", path, err)
		}
		sameRecords(t, got, batch)
	}
	if _, err := ReadFile(filepath.Join(dir, "x.parquet")); err == nil {
		t.Fatalf("expected error")
	}
}
