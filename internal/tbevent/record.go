// Package tbevent reads and writes TensorBoard event files: TFRecord-framed
// Event protos holding scalar summaries.
package tbevent

import (
	"bufio"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"

	"github.com/rotisserie/eris"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// maskedCRC is the TFRecord checksum: a rotated crc32c plus a constant.
func maskedCRC(b []byte) uint32 {
	crc := crc32.Checksum(b, castagnoli)
	return ((crc >> 15) | (crc << 17)) + 0xa282ead8
}

// maxRecordLen bounds a single record; larger lengths mean a corrupt header.
const maxRecordLen = 256 << 20

// recordReader iterates over TFRecord payloads.
type recordReader struct {
	r   *bufio.Reader
	off int64
}

func newRecordReader(r io.Reader) *recordReader {
	return &recordReader{r: bufio.NewReaderSize(r, 64<<10)}
}

// next returns the next payload. io.EOF marks a clean end of file or a torn
// trailing record, which happens when the writer was killed mid-write.
func (rr *recordReader) next() ([]byte, error) {
	var header [12]byte
	if _, err := io.ReadFull(rr.r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	if got, want := binary.LittleEndian.Uint32(header[8:]), maskedCRC(header[:8]); got != want {
		return nil, eris.Errorf("tbevent: length checksum mismatch at offset %d", rr.off)
	}
	n := binary.LittleEndian.Uint64(header[:8])
	if n > maxRecordLen {
		return nil, eris.Errorf("tbevent: record length %d at offset %d exceeds limit", n, rr.off)
	}

	buf := make([]byte, n+4)
	if _, err := io.ReadFull(rr.r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	data := buf[:n]
	if got, want := binary.LittleEndian.Uint32(buf[n:]), maskedCRC(data); got != want {
		return nil, eris.Errorf("tbevent: data checksum mismatch at offset %d", rr.off)
	}
	rr.off += int64(len(header)) + int64(len(buf))
	return data, nil
}

// appendRecord frames data as one TFRecord.
func appendRecord(dst, data []byte) []byte {
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(len(data)))
	binary.LittleEndian.PutUint32(header[8:], maskedCRC(header[:8]))
	dst = append(dst, header[:]...)
	dst = append(dst, data...)
	return binary.LittleEndian.AppendUint32(dst, maskedCRC(data))
}
