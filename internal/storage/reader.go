package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/coffersTech/labxstream/internal/model"
)

var ErrInvalidHeader = errors.New("storage: invalid segment header")

// Filter narrows a segment read. Zero fields do not constrain.
type Filter struct {
	MinTime int64 // Unix ms
	MaxTime int64 // Unix ms
	Layer   model.Layer
	Match   func(model.LogEntry) bool
}

// Footer is the summary stored at the end of a segment.
type Footer struct {
	Rows  int
	MinTs int64
	MaxTs int64
}

type SegmentReader struct {
	decoder *zstd.Decoder
}

func NewSegmentReader() (*SegmentReader, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &SegmentReader{decoder: dec}, nil
}

// ReadFooter returns a segment's summary without decompressing it.
func (sr *SegmentReader) ReadFooter(path string) (Footer, error) {
	f, err := os.Open(path)
	if err != nil {
		return Footer{}, err
	}
	defer f.Close()
	return readFooter(f)
}

func readFooter(f *os.File) (Footer, error) {
	header := make([]byte, len(MagicHeader))
	if _, err := io.ReadFull(f, header); err != nil {
		return Footer{}, err
	}
	if !bytes.Equal(header, MagicHeader) {
		return Footer{}, ErrInvalidHeader
	}
	info, err := f.Stat()
	if err != nil {
		return Footer{}, err
	}
	if info.Size() < int64(len(MagicHeader)+footerSize) {
		return Footer{}, fmt.Errorf("storage: segment too small: %d bytes", info.Size())
	}
	buf := make([]byte, footerSize)
	if _, err := f.ReadAt(buf, info.Size()-footerSize); err != nil {
		return Footer{}, err
	}
	return Footer{
		Rows:  int(binary.LittleEndian.Uint32(buf[0:4])),
		MinTs: int64(binary.LittleEndian.Uint64(buf[4:12])),
		MaxTs: int64(binary.LittleEndian.Uint64(buf[12:20])),
	}, nil
}

// ReadSegment decodes the entries of path that pass filter, in write
// order.
func (sr *SegmentReader) ReadSegment(path string, filter Filter) ([]model.LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	footer, err := readFooter(f)
	if err != nil {
		return nil, err
	}
	if footer.Rows == 0 {
		return nil, nil
	}
	if filter.MinTime > 0 && footer.MaxTs < filter.MinTime {
		return nil, nil
	}
	if filter.MaxTime > 0 && footer.MinTs > filter.MaxTime {
		return nil, nil
	}

	if _, err := f.Seek(int64(len(MagicHeader)), io.SeekStart); err != nil {
		return nil, err
	}
	tsCol, err := sr.readAndDecompress(f)
	if err != nil {
		return nil, fmt.Errorf("storage: ts column: %w", err)
	}
	layerCol, err := sr.readAndDecompress(f)
	if err != nil {
		return nil, fmt.Errorf("storage: layer column: %w", err)
	}
	entryCol, err := sr.readAndDecompress(f)
	if err != nil {
		return nil, fmt.Errorf("storage: entry column: %w", err)
	}
	if len(tsCol) != footer.Rows*8 || len(layerCol) != footer.Rows {
		return nil, errors.New("storage: column length mismatch")
	}

	wantLayer := byte(0xff)
	if filter.Layer != "" {
		wantLayer = layerCode(filter.Layer)
	}

	out := make([]model.LogEntry, 0, footer.Rows)
	r := bytes.NewReader(entryCol)
	for i := 0; i < footer.Rows; i++ {
		var size uint32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return out, fmt.Errorf("storage: row %d: %w", i, err)
		}
		raw := make([]byte, size)
		if _, err := io.ReadFull(r, raw); err != nil {
			return out, fmt.Errorf("storage: row %d: %w", i, err)
		}

		ts := int64(binary.LittleEndian.Uint64(tsCol[i*8:]))
		if filter.MinTime > 0 && ts < filter.MinTime {
			continue
		}
		if filter.MaxTime > 0 && ts > filter.MaxTime {
			continue
		}
		if wantLayer != 0xff && layerCol[i] != wantLayer {
			continue
		}

		var e model.LogEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return out, fmt.Errorf("storage: row %d: %w", i, err)
		}
		if filter.Match != nil && !filter.Match(e) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (sr *SegmentReader) readAndDecompress(r io.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	compressed := make([]byte, size)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, err
	}
	return sr.decoder.DecodeAll(compressed, nil)
}
