// Package zarr reads OME-Zarr image pyramids (Zarr v2 and v3 stores).
package zarr

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/mobie-tiles/server/internal/storage"
)

// ErrUnknownImage is returned for image names that were never registered.
var ErrUnknownImage = errors.New("unknown image")

// Fetcher returns the bytes stored at a locator. *storage.Fetcher
// implements it; missing objects must wrap storage.ErrNotFound.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

// Reader resolves image names to OME-Zarr stores and reads their metadata
// and chunks.
type Reader struct {
	fetcher Fetcher
	decoder *zstd.Decoder
	chunks  *lru.Cache[string, []byte]

	mu     sync.RWMutex
	roots  map[string]string
	images map[string]*Image
}

// Axis is one OME-Zarr axis.
type Axis struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
	Unit string `json:"unit,omitempty"`
}

// CoordinateTransformation is a scale or translation entry.
type CoordinateTransformation struct {
	Type        string    `json:"type"`
	Scale       []float64 `json:"scale,omitempty"`
	Translation []float64 `json:"translation,omitempty"`
}

// Dataset is one resolution level of a multiscale image.
type Dataset struct {
	Path                      string                     `json:"path"`
	CoordinateTransformations []CoordinateTransformation `json:"coordinateTransformations,omitempty"`
}

// Multiscale is the "multiscales" attribute of an OME-Zarr group.
type Multiscale struct {
	Name                      string                     `json:"name,omitempty"`
	Version                   string                     `json:"version,omitempty"`
	Axes                      json.RawMessage            `json:"axes,omitempty"`
	Datasets                  []Dataset                  `json:"datasets"`
	CoordinateTransformations []CoordinateTransformation `json:"coordinateTransformations,omitempty"`
}

// ArrayMeta is the normalized metadata of one Zarr array.
type ArrayMeta struct {
	Shape      []int
	ChunkShape []int
	DataType   string
	BigEndian  bool
	Separator  string
	// V3 chunk keys are prefixed with "c".
	V3        bool
	FillValue any
	// Compressor is "", "zstd", "gzip" or "zlib".
	Compressor string
}

// Level is one resolution level with its array metadata and voxel to
// world scale and offset, both in array axis order.
type Level struct {
	Path        string
	Array       *ArrayMeta
	Scale       []float64
	Translation []float64
}

// Image is an opened multiscale image.
type Image struct {
	Name    string
	Root    string
	Axes    []Axis
	Levels  []Level
	spatial [3]int // array dims of x, y, z; -1 when absent
}

// NewReader creates a reader fetching through f. chunkCacheSize bounds the
// number of decoded chunks kept in memory.
func NewReader(f Fetcher, chunkCacheSize int) (*Reader, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	if chunkCacheSize <= 0 {
		chunkCacheSize = 256
	}
	chunks, err := lru.New[string, []byte](chunkCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk cache: %w", err)
	}
	return &Reader{
		fetcher: f,
		decoder: decoder,
		chunks:  chunks,
		roots:   make(map[string]string),
		images:  make(map[string]*Image),
	}, nil
}

// Register maps an image source name to the root locator of its store.
func (r *Reader) Register(name, root string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roots[name] = strings.TrimSuffix(root, "/")
	delete(r.images, name)
}

// Names returns the registered image names.
func (r *Reader) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.roots))
	for n := range r.roots {
		names = append(names, n)
	}
	return names
}

// Open loads the metadata of a registered image. Results are memoized.
func (r *Reader) Open(ctx context.Context, name string) (*Image, error) {
	r.mu.RLock()
	img, ok := r.images[name]
	root, known := r.roots[name]
	r.mu.RUnlock()
	if ok {
		return img, nil
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownImage, name)
	}

	img, err := r.load(ctx, name, root)
	if err != nil {
		return nil, fmt.Errorf("image %s: %w", name, err)
	}
	r.mu.Lock()
	r.images[name] = img
	r.mu.Unlock()
	return img, nil
}

// Bounds returns the world bounding box of the full resolution level in
// x, y, z order. Missing spatial axes span [0, 0].
func (r *Reader) Bounds(ctx context.Context, name string) (min, max []float64, err error) {
	img, err := r.Open(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	lv := img.Levels[0]
	min = make([]float64, 3)
	max = make([]float64, 3)
	for d, dim := range img.spatial {
		if dim < 0 {
			continue
		}
		min[d] = lv.Translation[dim]
		max[d] = lv.Translation[dim] + float64(lv.Array.Shape[dim])*lv.Scale[dim]
	}
	return min, max, nil
}

func (r *Reader) load(ctx context.Context, name, root string) (*Image, error) {
	attrs, v3, err := r.groupAttributes(ctx, root)
	if err != nil {
		return nil, err
	}
	ms, err := multiscales(attrs)
	if err != nil {
		return nil, err
	}
	if len(ms.Datasets) == 0 {
		return nil, errors.New("multiscales has no datasets")
	}

	img := &Image{Name: name, Root: root}
	for _, ds := range ms.Datasets {
		meta, err := r.arrayMeta(ctx, root+"/"+ds.Path, v3)
		if err != nil {
			return nil, fmt.Errorf("dataset %s: %w", ds.Path, err)
		}
		lv := Level{Path: ds.Path, Array: meta}
		lv.Scale, lv.Translation = compose(len(meta.Shape), ds.CoordinateTransformations, ms.CoordinateTransformations)
		img.Levels = append(img.Levels, lv)
	}

	ndim := len(img.Levels[0].Array.Shape)
	img.Axes, err = parseAxes(ms.Axes, ndim)
	if err != nil {
		return nil, err
	}
	img.spatial = spatialDims(img.Axes)
	return img, nil
}

// groupAttributes returns the group attributes: zarr.json for v3 stores,
// .zattrs for v2.
func (r *Reader) groupAttributes(ctx context.Context, root string) (map[string]json.RawMessage, bool, error) {
	data, err := r.fetcher.Fetch(ctx, root+"/zarr.json")
	if err == nil {
		var group struct {
			Attributes map[string]json.RawMessage `json:"attributes"`
		}
		if err := json.Unmarshal(data, &group); err != nil {
			return nil, false, fmt.Errorf("failed to parse zarr.json: %w", err)
		}
		// OME-Zarr 0.5 nests its attributes under "ome"
		if raw, ok := group.Attributes["ome"]; ok {
			var ome map[string]json.RawMessage
			if err := json.Unmarshal(raw, &ome); err != nil {
				return nil, false, fmt.Errorf("failed to parse ome attributes: %w", err)
			}
			return ome, true, nil
		}
		return group.Attributes, true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}

	data, err = r.fetcher.Fetch(ctx, root+"/.zattrs")
	if err != nil {
		return nil, false, fmt.Errorf("no zarr.json or .zattrs: %w", err)
	}
	var attrs map[string]json.RawMessage
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, false, fmt.Errorf("failed to parse .zattrs: %w", err)
	}
	return attrs, false, nil
}

func multiscales(attrs map[string]json.RawMessage) (*Multiscale, error) {
	raw, ok := attrs["multiscales"]
	if !ok {
		return nil, errors.New("not an OME-Zarr image: no multiscales attribute")
	}
	var ms []Multiscale
	if err := json.Unmarshal(raw, &ms); err != nil {
		return nil, fmt.Errorf("failed to parse multiscales: %w", err)
	}
	if len(ms) == 0 {
		return nil, errors.New("empty multiscales")
	}
	return &ms[0], nil
}

// parseAxes accepts axis objects (0.4+) or plain names (0.3). Without axes
// the trailing dims are taken as z, y, x.
func parseAxes(raw json.RawMessage, ndim int) ([]Axis, error) {
	var axes []Axis
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &axes); err != nil {
			var names []string
			if err2 := json.Unmarshal(raw, &names); err2 != nil {
				return nil, fmt.Errorf("failed to parse axes: %w", err)
			}
			for _, n := range names {
				axes = append(axes, Axis{Name: n})
			}
		}
	} else {
		defaults := []string{"t", "c", "z", "y", "x"}
		if ndim > len(defaults) {
			return nil, fmt.Errorf("%d dims without axes", ndim)
		}
		for _, n := range defaults[len(defaults)-ndim:] {
			axes = append(axes, Axis{Name: n})
		}
	}
	if len(axes) != ndim {
		return nil, fmt.Errorf("%d axes for %d array dims", len(axes), ndim)
	}
	for i := range axes {
		if axes[i].Type == "" {
			switch axes[i].Name {
			case "x", "y", "z":
				axes[i].Type = "space"
			case "t":
				axes[i].Type = "time"
			case "c":
				axes[i].Type = "channel"
			}
		}
	}
	return axes, nil
}

func spatialDims(axes []Axis) [3]int {
	dims := [3]int{-1, -1, -1}
	for i, a := range axes {
		if a.Type != "space" {
			continue
		}
		switch a.Name {
		case "x":
			dims[0] = i
		case "y":
			dims[1] = i
		case "z":
			dims[2] = i
		}
	}
	return dims
}

// compose folds dataset transformations and then the multiscale-wide ones
// into one scale and translation per dim.
func compose(ndim int, sets ...[]CoordinateTransformation) (scale, translation []float64) {
	scale = make([]float64, ndim)
	translation = make([]float64, ndim)
	for d := range scale {
		scale[d] = 1
	}
	for _, set := range sets {
		for _, ct := range set {
			switch ct.Type {
			case "scale":
				for d := 0; d < ndim && d < len(ct.Scale); d++ {
					scale[d] *= ct.Scale[d]
					translation[d] *= ct.Scale[d]
				}
			case "translation":
				for d := 0; d < ndim && d < len(ct.Translation); d++ {
					translation[d] += ct.Translation[d]
				}
			}
		}
	}
	return scale, translation
}

type v3ArrayJSON struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue any `json:"fill_value"`
	Codecs    []struct {
		Name          string         `json:"name"`
		Configuration map[string]any `json:"configuration"`
	} `json:"codecs"`
}

type v2ArrayJSON struct {
	Shape      []int  `json:"shape"`
	Chunks     []int  `json:"chunks"`
	DType      string `json:"dtype"`
	FillValue  any    `json:"fill_value"`
	Compressor *struct {
		ID string `json:"id"`
	} `json:"compressor"`
	DimensionSeparator string `json:"dimension_separator"`
}

var v2Types = map[string]string{
	"u1": "uint8", "i1": "int8",
	"u2": "uint16", "i2": "int16",
	"u4": "uint32", "i4": "int32",
	"u8": "uint64", "i8": "int64",
	"f4": "float32", "f8": "float64",
}

func (r *Reader) arrayMeta(ctx context.Context, arrayPath string, v3 bool) (*ArrayMeta, error) {
	if v3 {
		data, err := r.fetcher.Fetch(ctx, arrayPath+"/zarr.json")
		if err != nil {
			return nil, err
		}
		var raw v3ArrayJSON
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse zarr.json: %w", err)
		}
		meta := &ArrayMeta{
			Shape:      raw.Shape,
			ChunkShape: raw.ChunkGrid.Configuration.ChunkShape,
			DataType:   raw.DataType,
			Separator:  raw.ChunkKeyEncoding.Configuration.Separator,
			V3:         raw.ChunkKeyEncoding.Name != "v2",
			FillValue:  raw.FillValue,
		}
		if meta.Separator == "" {
			meta.Separator = "/"
			if !meta.V3 {
				meta.Separator = "."
			}
		}
		for _, c := range raw.Codecs {
			switch c.Name {
			case "bytes":
				meta.BigEndian = c.Configuration["endian"] == "big"
			case "zstd", "gzip":
				meta.Compressor = c.Name
			case "transpose", "crc32c":
			default:
				return nil, fmt.Errorf("unsupported codec %q", c.Name)
			}
		}
		return meta, meta.check()
	}

	data, err := r.fetcher.Fetch(ctx, arrayPath+"/.zarray")
	if err != nil {
		return nil, err
	}
	var raw v2ArrayJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse .zarray: %w", err)
	}
	if len(raw.DType) < 3 {
		return nil, fmt.Errorf("unsupported dtype %q", raw.DType)
	}
	dt, ok := v2Types[raw.DType[1:]]
	if !ok {
		return nil, fmt.Errorf("unsupported dtype %q", raw.DType)
	}
	meta := &ArrayMeta{
		Shape:      raw.Shape,
		ChunkShape: raw.Chunks,
		DataType:   dt,
		BigEndian:  raw.DType[0] == '>',
		Separator:  raw.DimensionSeparator,
		FillValue:  raw.FillValue,
	}
	if meta.Separator == "" {
		meta.Separator = "."
	}
	if raw.Compressor != nil {
		switch raw.Compressor.ID {
		case "zstd", "gzip", "zlib":
			meta.Compressor = raw.Compressor.ID
		default:
			return nil, fmt.Errorf("unsupported compressor %q", raw.Compressor.ID)
		}
	}
	return meta, meta.check()
}

func (m *ArrayMeta) check() error {
	if len(m.Shape) == 0 || len(m.Shape) != len(m.ChunkShape) {
		return fmt.Errorf("invalid zarr metadata: shape %v chunk shape %v", m.Shape, m.ChunkShape)
	}
	for d, c := range m.ChunkShape {
		if c <= 0 {
			return fmt.Errorf("invalid chunk shape at dim %d: %d", d, c)
		}
	}
	_, err := dtypeSize(m.DataType)
	return err
}

func dtypeSize(dataType string) (int, error) {
	switch dataType {
	case "uint8", "int8":
		return 1, nil
	case "uint16", "int16":
		return 2, nil
	case "float32", "int32", "uint32":
		return 4, nil
	case "float64", "int64", "uint64":
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported zarr data_type: %s", dataType)
	}
}

func (m *ArrayMeta) chunkKey(idx []int) string {
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = strconv.Itoa(v)
	}
	key := strings.Join(parts, m.Separator)
	if m.V3 {
		return "c" + m.Separator + key
	}
	return key
}

// readChunk returns the decoded bytes of one chunk. Missing chunks are
// filled with the fill value.
func (r *Reader) readChunk(ctx context.Context, arrayPath string, meta *ArrayMeta, idx []int) ([]byte, error) {
	locator := arrayPath + "/" + meta.chunkKey(idx)
	if data, ok := r.chunks.Get(locator); ok {
		return data, nil
	}

	raw, err := r.fetcher.Fetch(ctx, locator)
	var data []byte
	switch {
	case errors.Is(err, storage.ErrNotFound):
		fill, ferr := fillBytes(meta)
		if ferr != nil {
			return nil, ferr
		}
		data = repeatFillBytes(fill, product(meta.ChunkShape))
	case err != nil:
		return nil, err
	default:
		data, err = r.decompress(meta.Compressor, raw)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", locator, err)
		}
	}
	r.chunks.Add(locator, data)
	return data, nil
}

func (r *Reader) decompress(compressor string, raw []byte) ([]byte, error) {
	switch compressor {
	case "":
		return raw, nil
	case "zstd":
		out, err := r.decoder.DecodeAll(raw, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress failed: %w", err)
		}
		return out, nil
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("gzip decompress failed: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case "zlib":
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("zlib decompress failed: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return nil, fmt.Errorf("unsupported compressor %q", compressor)
	}
}

// Value returns the element at index (array axis order) of a level.
func (r *Reader) Value(ctx context.Context, name string, level int, index []int) (float64, error) {
	img, err := r.Open(ctx, name)
	if err != nil {
		return 0, err
	}
	if level < 0 || level >= len(img.Levels) {
		return 0, fmt.Errorf("invalid level %d (valid: 0-%d)", level, len(img.Levels)-1)
	}
	lv := img.Levels[level]
	meta := lv.Array
	if len(index) != len(meta.Shape) {
		return 0, fmt.Errorf("index has %d dims, array has %d", len(index), len(meta.Shape))
	}

	chunkIdx := make([]int, len(index))
	offset := 0
	for d, i := range index {
		if i < 0 || i >= meta.Shape[d] {
			return 0, fmt.Errorf("index %v out of range for shape %v", index, meta.Shape)
		}
		chunkIdx[d] = i / meta.ChunkShape[d]
		offset = offset*meta.ChunkShape[d] + i%meta.ChunkShape[d]
	}

	data, err := r.readChunk(ctx, img.Root+"/"+lv.Path, meta, chunkIdx)
	if err != nil {
		return 0, err
	}
	size, _ := dtypeSize(meta.DataType)
	start := offset * size
	if start+size > len(data) {
		return 0, fmt.Errorf("chunk %v too short: got %d bytes, need %d", chunkIdx, len(data), start+size)
	}
	return decodeValue(meta, data[start:start+size]), nil
}

// LabelAt returns the label at a world position (x, y, z) of a level,
// reading the first timepoint and channel. Positions outside the image
// give label 0.
func (r *Reader) LabelAt(ctx context.Context, name string, level int, pos []float64) (uint64, error) {
	img, err := r.Open(ctx, name)
	if err != nil {
		return 0, err
	}
	if level < 0 || level >= len(img.Levels) {
		return 0, fmt.Errorf("invalid level %d (valid: 0-%d)", level, len(img.Levels)-1)
	}
	lv := img.Levels[level]
	index := make([]int, len(lv.Array.Shape))
	for d, dim := range img.spatial {
		if dim < 0 {
			continue
		}
		var p float64
		if d < len(pos) {
			p = pos[d]
		}
		i := int(math.Floor((p - lv.Translation[dim]) / lv.Scale[dim]))
		if i < 0 || i >= lv.Array.Shape[dim] {
			return 0, nil
		}
		index[dim] = i
	}
	v, err := r.Value(ctx, name, level, index)
	if err != nil {
		return 0, err
	}
	return uint64(v), nil
}

func decodeValue(meta *ArrayMeta, b []byte) float64 {
	var order binary.ByteOrder = binary.LittleEndian
	if meta.BigEndian {
		order = binary.BigEndian
	}
	switch meta.DataType {
	case "uint8":
		return float64(b[0])
	case "int8":
		return float64(int8(b[0]))
	case "uint16":
		return float64(order.Uint16(b))
	case "int16":
		return float64(int16(order.Uint16(b)))
	case "uint32":
		return float64(order.Uint32(b))
	case "int32":
		return float64(int32(order.Uint32(b)))
	case "uint64":
		return float64(order.Uint64(b))
	case "int64":
		return float64(int64(order.Uint64(b)))
	case "float32":
		return float64(math.Float32frombits(order.Uint32(b)))
	case "float64":
		return math.Float64frombits(order.Uint64(b))
	}
	return 0
}

func fillBytes(meta *ArrayMeta) ([]byte, error) {
	size, err := dtypeSize(meta.DataType)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	var v float64
	switch t := meta.FillValue.(type) {
	case nil:
		return out, nil
	case float64:
		v = t
	case string:
		// "NaN", "Infinity" and "-Infinity" are valid JSON fill values
		f, err := strconv.ParseFloat(strings.Replace(t, "Infinity", "Inf", 1), 64)
		if err != nil {
			return nil, fmt.Errorf("unsupported fill_value %q", t)
		}
		v = f
	default:
		return nil, fmt.Errorf("unsupported fill_value type: %T", meta.FillValue)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if meta.BigEndian {
		order = binary.BigEndian
	}
	switch meta.DataType {
	case "uint8", "int8":
		out[0] = byte(int64(v))
	case "uint16", "int16":
		order.PutUint16(out, uint16(int64(v)))
	case "uint32", "int32":
		order.PutUint32(out, uint32(int64(v)))
	case "uint64", "int64":
		order.PutUint64(out, uint64(int64(v)))
	case "float32":
		order.PutUint32(out, math.Float32bits(float32(v)))
	case "float64":
		order.PutUint64(out, math.Float64bits(v))
	}
	return out, nil
}

func repeatFillBytes(fill []byte, n int) []byte {
	if n <= 0 {
		return nil
	}
	out := make([]byte, len(fill)*n)
	// zero fill is already in place
	if bytes.Count(fill, []byte{0}) == len(fill) {
		return out
	}
	for i := 0; i < n; i++ {
		copy(out[i*len(fill):], fill)
	}
	return out
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

// Close releases resources.
func (r *Reader) Close() {
	if r.decoder != nil {
		r.decoder.Close()
	}
}
