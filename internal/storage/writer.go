package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/coffersTech/labxstream/internal/model"
)

// MagicHeader opens every segment file.
var MagicHeader = []byte("LABXSEG1")

// SegmentExt is the archive file extension.
const SegmentExt = ".labx"

const footerSize = 4 + 8 + 8

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeName maps an execution id onto a string usable in file names.
func SafeName(id string) string {
	s := unsafeChars.ReplaceAllString(id, "-")
	s = strings.Trim(s, ".")
	if s == "" {
		return "unknown"
	}
	return s
}

// SegmentName returns exec_<id>_<minMs>_<maxMs>.labx.
func SegmentName(executionID string, minTs, maxTs int64) string {
	return fmt.Sprintf("exec_%s_%d_%d%s", SafeName(executionID), minTs, maxTs, SegmentExt)
}

// ParseSegmentName splits a segment file name into its parts. The id is
// the sanitized form.
func ParseSegmentName(name string) (id string, minTs, maxTs int64, err error) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, "exec_") || !strings.HasSuffix(base, SegmentExt) {
		return "", 0, 0, fmt.Errorf("storage: not a segment: %s", base)
	}
	parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(base, "exec_"), SegmentExt), "_")
	if len(parts) < 3 {
		return "", 0, 0, fmt.Errorf("storage: malformed segment name: %s", base)
	}
	n := len(parts)
	minTs, err1 := strconv.ParseInt(parts[n-2], 10, 64)
	maxTs, err2 := strconv.ParseInt(parts[n-1], 10, 64)
	if err1 != nil || err2 != nil {
		return "", 0, 0, fmt.Errorf("storage: malformed segment timestamps: %s", base)
	}
	return strings.Join(parts[:n-2], "_"), minTs, maxTs, nil
}

// SegmentWriter encodes entries into compressed segment files:
//
//	[header][ts column][layer column][entry column][rows uint32][minTs int64][maxTs int64]
//
// Each column is a zstd block prefixed by its compressed size. Timestamps
// are Unix milliseconds.
type SegmentWriter struct {
	encoder *zstd.Encoder
}

func NewSegmentWriter() (*SegmentWriter, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	return &SegmentWriter{encoder: enc}, nil
}

// WriteSegment writes entries to path atomically and returns the
// timestamp bounds it recorded.
func (sw *SegmentWriter) WriteSegment(path string, entries []model.LogEntry) (minTs, maxTs int64, err error) {
	var tsCol, layerCol, entryCol bytes.Buffer
	for i, e := range entries {
		ts := e.Timestamp.UnixMilli()
		if i == 0 || ts < minTs {
			minTs = ts
		}
		if i == 0 || ts > maxTs {
			maxTs = ts
		}
		_ = binary.Write(&tsCol, binary.LittleEndian, ts)
		layerCol.WriteByte(layerCode(e.Layer))

		raw, err := json.Marshal(e)
		if err != nil {
			return 0, 0, fmt.Errorf("storage: encode entry %s: %w", e.ID, err)
		}
		_ = binary.Write(&entryCol, binary.LittleEndian, uint32(len(raw)))
		entryCol.Write(raw)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, 0, err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, 0, err
	}
	defer os.Remove(tmp)

	werr := sw.writeAll(f, [][]byte{tsCol.Bytes(), layerCol.Bytes(), entryCol.Bytes()}, uint32(len(entries)), minTs, maxTs)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return 0, 0, fmt.Errorf("storage: write %s: %w", path, werr)
	}
	return minTs, maxTs, os.Rename(tmp, path)
}

func (sw *SegmentWriter) writeAll(f *os.File, cols [][]byte, rows uint32, minTs, maxTs int64) error {
	if _, err := f.Write(MagicHeader); err != nil {
		return err
	}
	for _, col := range cols {
		if err := sw.compressAndWrite(f, col); err != nil {
			return err
		}
	}
	if err := binary.Write(f, binary.LittleEndian, rows); err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, minTs); err != nil {
		return err
	}
	return binary.Write(f, binary.LittleEndian, maxTs)
}

func (sw *SegmentWriter) compressAndWrite(f *os.File, raw []byte) error {
	compressed := sw.encoder.EncodeAll(raw, make([]byte, 0, len(raw)))
	if err := binary.Write(f, binary.LittleEndian, uint32(len(compressed))); err != nil {
		return err
	}
	_, err := f.Write(compressed)
	return err
}

func layerCode(l model.Layer) byte {
	for i, known := range model.Layers {
		if known == l {
			return byte(i)
		}
	}
	return byte(len(model.Layers) - 1)
}
