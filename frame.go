package lsmengine

import (
	"encoding/binary"
	"io"
)

// writeFrame writes a u32-little-endian length prefix followed by raw, to w.
// It returns the total number of bytes written, including the prefix.
func writeFrame(w io.Writer, raw []byte) (int, error) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(raw)))

	n, err := w.Write(lenBuf[:])
	if err != nil {
		return n, err
	}
	m, err := w.Write(raw)
	return n + m, err
}

// readFrame reads a u32-length-prefixed blob from r. It distinguishes a clean
// EOF (nothing read at all) from a truncated trailing frame (the length
// prefix or the body was only partially present) via the returned bool,
// which is true only on a clean EOF.
func readFrame(r io.Reader) (data []byte, cleanEOF bool, err error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, true, nil
		}
		return nil, false, err
	}

	length := binary.LittleEndian.Uint32(lenBuf[:])
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, false, err
	}
	return buf, false, nil
}

func putU64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func getU64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}
