package table

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Compression is the encoding of a fetched table chunk.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
	CompressionXZ
)

// String returns the string representation of Compression.
func (c Compression) String() string {
	switch c {
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	case CompressionXZ:
		return "xz"
	default:
		return "none"
	}
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	xzMagic   = []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}
)

// DetectCompression inspects the leading magic bytes of data.
func DetectCompression(data []byte) Compression {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		return CompressionGzip
	case bytes.HasPrefix(data, zstdMagic):
		return CompressionZstd
	case bytes.HasPrefix(data, xzMagic):
		return CompressionXZ
	default:
		return CompressionNone
	}
}

func decompress(data []byte) ([]byte, error) {
	switch DetectCompression(data) {
	case CompressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)

	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress failed: %w", err)
		}
		return out, nil

	case CompressionXZ:
		xr, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create xz reader: %w", err)
		}
		return io.ReadAll(xr)

	default:
		return data, nil
	}
}

// chunk is a parsed block of columns, in header order.
type chunk struct {
	header  []string
	records [][]string
}

func (c *chunk) numRows() int { return len(c.records) }

func (c *chunk) columnIndex(name string) int {
	for i, h := range c.header {
		if h == name {
			return i
		}
	}
	return -1
}

// parseChunk decodes a tab or comma separated table with a header row.
func parseChunk(data []byte) (*chunk, error) {
	data, err := decompress(data)
	if err != nil {
		return nil, err
	}

	firstLine := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		firstLine = data[:i]
	}
	sep := ','
	if bytes.IndexByte(firstLine, '\t') >= 0 {
		sep = '\t'
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = sep
	r.LazyQuotes = true
	r.ReuseRecord = false

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse table: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("table has no header")
	}

	header := rows[0]
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	seen := make(map[string]bool, len(header))
	for _, h := range header {
		if seen[h] {
			return nil, fmt.Errorf("%w: %q appears twice in header", ErrDuplicateColumn, h)
		}
		seen[h] = true
	}
	return &chunk{header: header, records: rows[1:]}, nil
}

// isMissing reports whether a cell counts as "no value".
func isMissing(s string) bool {
	switch s {
	case "", "NaN", "nan", "None", "NA":
		return true
	}
	return false
}

// column is a typed, immutable column. Writers replace columns, never cells.
type column struct {
	name   string
	class  ColumnClass
	floats []float64 // Numeric; NaN marks missing
	texts  []string  // Categorical and String
	gen    uint64
}

func (c *column) value(row int) any {
	if c.class == Numeric {
		v := c.floats[row]
		if math.IsNaN(v) {
			return nil
		}
		return v
	}
	return c.texts[row]
}

func (c *column) text(row int) (string, bool) {
	if c.class == Numeric {
		v := c.floats[row]
		if math.IsNaN(v) {
			return "", false
		}
		return strconv.FormatFloat(v, 'f', -1, 64), true
	}
	return c.texts[row], true
}

func (c *column) len() int {
	if c.class == Numeric {
		return len(c.floats)
	}
	return len(c.texts)
}

// categoricalLimit is the distinct-value count below which a text column is
// treated as categorical.
func categoricalLimit(rows int) int {
	if rows/10 > 20 {
		return rows / 10
	}
	return 20
}

// buildColumn types the cells of column idx of ch.
func buildColumn(ch *chunk, idx int) (*column, error) {
	name := ch.header[idx]
	n := ch.numRows()

	floats := make([]float64, n)
	numeric := true
	for i, rec := range ch.records {
		if idx >= len(rec) {
			return nil, fmt.Errorf("%w: row %d has %d cells, column %q needs %d",
				ErrSchemaMismatch, i, len(rec), name, idx+1)
		}
		cell := strings.TrimSpace(rec[idx])
		if isMissing(cell) {
			floats[i] = math.NaN()
			continue
		}
		if !numeric {
			continue
		}
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			numeric = false
			continue
		}
		floats[i] = v
	}
	if numeric {
		return &column{name: name, class: Numeric, floats: floats}, nil
	}

	texts := make([]string, n)
	distinct := make(map[string]struct{})
	for i, rec := range ch.records {
		texts[i] = rec[idx]
		distinct[rec[idx]] = struct{}{}
	}
	class := String
	if len(distinct) <= categoricalLimit(n) {
		class = Categorical
	}
	return &column{name: name, class: class, texts: texts}, nil
}

func (c *column) withText(rows []int, s string) *column {
	texts := make([]string, len(c.texts))
	copy(texts, c.texts)
	for _, r := range rows {
		texts[r] = s
	}
	return &column{name: c.name, class: c.class, texts: texts}
}

func (c *column) withFloat(rows []int, v float64) *column {
	floats := make([]float64, len(c.floats))
	copy(floats, c.floats)
	for _, r := range rows {
		floats[r] = v
	}
	return &column{name: c.name, class: c.class, floats: floats}
}
