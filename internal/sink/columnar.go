package sink

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"cxlogger/internal/model"
)

const (
	ExtColumnar     = ".cxb"
	columnarVersion = 1
	// maxRawSize bounds the decompressed column payload of one file.
	maxRawSize = 256 << 20
)

// columnarMagic prefixes every columnar file.
var columnarMagic = []byte("CXB1")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("sink: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("sink: CBOR decoder initialization failed: " + err.Error())
	}
}

// Columns is a batch transposed into one array per field.
type Columns struct {
	Time   []int64   `cbor:"1,keyasint"`
	AccelX []float64 `cbor:"2,keyasint"`
	AccelY []float64 `cbor:"3,keyasint"`
	AccelZ []float64 `cbor:"4,keyasint"`
}

// columnarFile is the on-disk container following the magic bytes.
type columnarFile struct {
	Version     int         `cbor:"1,keyasint"`
	Device      string      `cbor:"2,keyasint"`
	Rows        int         `cbor:"3,keyasint"`
	Compression Compression `cbor:"4,keyasint"`
	RawSize     int         `cbor:"5,keyasint"`
	Checksum    []byte      `cbor:"6,keyasint"`
	Payload     []byte      `cbor:"7,keyasint"`
}

// Transpose converts row records into columns. Times are Unix nanoseconds.
func Transpose(batch []model.SampleRecord) Columns {
	cols := Columns{
		Time:   make([]int64, len(batch)),
		AccelX: make([]float64, len(batch)),
		AccelY: make([]float64, len(batch)),
		AccelZ: make([]float64, len(batch)),
	}
	for i, rec := range batch {
		cols.Time[i] = rec.Timestamp.UnixNano()
		cols.AccelX[i] = rec.AccelX
		cols.AccelY[i] = rec.AccelY
		cols.AccelZ[i] = rec.AccelZ
	}
	return cols
}

// Records converts columns back into row records.
func (c Columns) Records() ([]model.SampleRecord, error) {
	n := len(c.Time)
	if len(c.AccelX) != n || len(c.AccelY) != n || len(c.AccelZ) != n {
		return nil, fmt.Errorf("column lengths differ: time=%d x=%d y=%d z=%d", n, len(c.AccelX), len(c.AccelY), len(c.AccelZ))
	}
	out := make([]model.SampleRecord, n)
	for i := range out {
		out[i] = model.SampleRecord{
			Timestamp: time.Unix(0, c.Time[i]).UTC(),
			AccelX:    c.AccelX[i],
			AccelY:    c.AccelY[i],
			AccelZ:    c.AccelZ[i],
		}
	}
	return out, nil
}

// ColumnarSink writes one compressed CBOR column file per batch.
type ColumnarSink struct {
	dir         string
	prefix      string
	device      string
	compression Compression
}

// NewColumnarSink returns a columnar sink writing into dir.
func NewColumnarSink(dir, prefix string, opts Options) *ColumnarSink {
	c := opts.Compression
	if c == "" {
		c = CompressionZstd
	}
	return &ColumnarSink{dir: dir, prefix: prefix, device: opts.DeviceID, compression: c}
}

func (s *ColumnarSink) Name() string { return "columnar" }

// Path returns the file a batch starting at ts is written to.
func (s *ColumnarSink) Path(ts time.Time) string {
	return filepath.Join(s.dir, FileName(s.prefix, ts, ExtColumnar))
}

func (s *ColumnarSink) Write(batch []model.SampleRecord) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	data, err := EncodeColumnar(s.device, batch, s.compression)
	if err != nil {
		return 0, err
	}
	path := s.Path(batch[0].Timestamp)
	err = writeFileAtomic(path, func(f *os.File) error {
		_, err := f.Write(data)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	return len(batch), nil
}

// EncodeColumnar serializes a batch into the columnar file format.
func EncodeColumnar(device string, batch []model.SampleRecord, c Compression) ([]byte, error) {
	raw, err := encMode.Marshal(Transpose(batch))
	if err != nil {
		return nil, fmt.Errorf("encode columns: %w", err)
	}
	sum := blake3.Sum256(raw)
	payload, used, err := compress(raw, c)
	if err != nil {
		return nil, err
	}
	header, err := encMode.Marshal(columnarFile{
		Version:     columnarVersion,
		Device:      device,
		Rows:        len(batch),
		Compression: used,
		RawSize:     len(raw),
		Checksum:    sum[:],
		Payload:     payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode container: %w", err)
	}
	return append(append([]byte{}, columnarMagic...), header...), nil
}

// DecodeColumnar parses a columnar file and verifies its checksum.
func DecodeColumnar(data []byte) (string, []model.SampleRecord, error) {
	if !bytes.HasPrefix(data, columnarMagic) {
		return "", nil, fmt.Errorf("not a columnar file")
	}
	var file columnarFile
	if err := decMode.Unmarshal(data[len(columnarMagic):], &file); err != nil {
		return "", nil, fmt.Errorf("decode container: %w", err)
	}
	if file.Version != columnarVersion {
		return "", nil, fmt.Errorf("unsupported columnar version %d", file.Version)
	}
	if file.Rows < 0 {
		return "", nil, fmt.Errorf("invalid row count %d", file.Rows)
	}
	if file.RawSize < 0 || file.RawSize > maxRawSize {
		return "", nil, fmt.Errorf("invalid payload size %d", file.RawSize)
	}
	raw, err := decompress(file.Payload, file.Compression, file.RawSize)
	if err != nil {
		return "", nil, err
	}
	sum := blake3.Sum256(raw)
	if !bytes.Equal(sum[:], file.Checksum) {
		return "", nil, fmt.Errorf("checksum mismatch")
	}
	var cols Columns
	if err := decMode.Unmarshal(raw, &cols); err != nil {
		return "", nil, fmt.Errorf("decode columns: %w", err)
	}
	records, err := cols.Records()
	if err != nil {
		return "", nil, err
	}
	if len(records) != file.Rows {
		return "", nil, fmt.Errorf("row count %d does not match header %d", len(records), file.Rows)
	}
	return file.Device, records, nil
}

// ReadColumnar loads the records stored in a columnar file.
func ReadColumnar(path string) ([]model.SampleRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	_, records, err := DecodeColumnar(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return records, nil
}

// ReadFile loads records from either output format, chosen by extension.
func ReadFile(path string) ([]model.SampleRecord, error) {
	switch filepath.Ext(path) {
	case ExtColumnar:
		return ReadColumnar(path)
	case ExtCSV:
		return ReadCSV(path)
	default:
		return nil, fmt.Errorf("unrecognized output file %s", path)
	}
}

var _ Sink = (*ColumnarSink)(nil)
