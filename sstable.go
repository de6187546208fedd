package lsmengine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sort"
)

// footerMagic is the literal trailer value from §6 identifying a well-formed
// SSTable footer.
const footerMagic uint64 = 0x4C534D5353544200

// footerSize is the fixed on-disk size of a TableMetaInfo footer: six u64
// fields plus the magic, 56 bytes, always at file_size-footerSize so open()
// can locate it without any prior knowledge of the file (§4.2).
const footerSize = 8 * 7

var errInvalidFooter = errors.New("missing or invalid footer")

// tableMeta is the decoded form of the on-disk TableMetaInfo footer (§3/§6).
type tableMeta struct {
	version    uint64
	dataStart  uint64
	dataLen    uint64
	indexStart uint64
	indexLen   uint64
	partSize   uint64
}

// position describes a contiguous byte range within an SSTable file.
type position struct {
	offset uint64
	length uint64
}

// sparseIndexEntry maps the first key of a partition to its byte range.
type sparseIndexEntry struct {
	firstKey []byte
	pos      position
}

// table is an immutable, on-disk sorted run: the reader side of an SSTable
// (§4.2). Writers use buildFromSorted and never mutate a table afterward.
type table struct {
	path  string
	file  *os.File
	meta  tableMeta
	index []sparseIndexEntry // ascending by firstKey
}

// buildFromSorted writes commands — which MUST be sorted by strictly
// increasing key — to a new SSTable file at path, partitioned into chunks of
// at most partSize entries, followed by the sparse index and footer. The
// file is fsynced before this returns. It fails with *DuplicateKeyError if
// commands are not strictly increasing, or *IoError on a storage failure.
func buildFromSorted(path string, partSize int, commands []Command) (err error) {
	if partSize <= 0 {
		partSize = 1
	}
	if err := checkStrictlyIncreasing(commands); err != nil {
		return err
	}

	f, ferr := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if ferr != nil {
		return &IoError{Op: "OP_SSTABLE_CREATE_FILE", Err: ferr}
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = &IoError{Op: "OP_SSTABLE_CREATE_FILE", Err: cerr}
		}
	}()

	var index []sparseIndexEntry
	var offset uint64

	for i := 0; i < len(commands); i += partSize {
		end := i + partSize
		if end > len(commands) {
			end = len(commands)
		}
		part := commands[i:end]

		blob := encodePartition(part)
		n, werr := f.Write(blob)
		if werr != nil {
			return &IoError{Op: "OP_SSTABLE_WRITE_DATA", Err: werr}
		}
		index = append(index, sparseIndexEntry{
			firstKey: part[0].Key,
			pos:      position{offset: offset, length: uint64(n)},
		})
		offset += uint64(n)
	}

	dataLen := offset
	indexBlob := encodeSparseIndex(index)
	if _, werr := f.Write(indexBlob); werr != nil {
		return &IoError{Op: "OP_SSTABLE_WRITE_INDEX", Err: werr}
	}

	meta := tableMeta{
		version:    1,
		dataStart:  0,
		dataLen:    dataLen,
		indexStart: dataLen,
		indexLen:   uint64(len(indexBlob)),
		partSize:   uint64(partSize),
	}
	footer := encodeFooter(meta)
	if _, werr := f.Write(footer); werr != nil {
		return &IoError{Op: "OP_SSTABLE_WRITE_INDEX", Err: werr}
	}

	if serr := f.Sync(); serr != nil {
		return &IoError{Op: "OP_SSTABLE_WRITE_INDEX", Err: serr}
	}

	return nil
}

func checkStrictlyIncreasing(commands []Command) error {
	for i := 1; i < len(commands); i++ {
		if bytes.Compare(commands[i-1].Key, commands[i].Key) >= 0 {
			return &DuplicateKeyError{Key: commands[i].Key}
		}
	}
	return nil
}

// openTable opens path for reading: it reads and validates the footer, then
// decodes the sparse index, keeping the file handle open for subsequent
// queries. A missing or invalid footer (too-short file, bad magic or
// version — the signature of a flush interrupted before the footer was
// written) is reported by wrapping errInvalidFooter, which callers that
// tolerate in-flight flush artifacts can detect with errors.Is.
func openTable(path string) (*table, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0444)
	if err != nil {
		return nil, &IoError{Op: "OP_SSTABLE_READ_FILE", Err: err}
	}

	t, err := readTableFromFile(path, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

func readTableFromFile(path string, f *os.File) (*table, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, &IoError{Op: "OP_SSTABLE_READ_FILE", Err: err}
	}
	if info.Size() < footerSize {
		return nil, &CorruptTableError{Path: path, Reason: "file shorter than footer", Err: errInvalidFooter}
	}

	footerBuf := make([]byte, footerSize)
	if _, err := f.ReadAt(footerBuf, info.Size()-footerSize); err != nil {
		return nil, &CorruptTableError{Path: path, Reason: "failed to read footer", Err: err}
	}

	meta, magic := decodeFooter(footerBuf)
	if magic != footerMagic || meta.version != 1 {
		return nil, &CorruptTableError{Path: path, Reason: "bad magic or unsupported version", Err: errInvalidFooter}
	}
	if meta.indexStart+meta.indexLen+footerSize != uint64(info.Size()) {
		return nil, &CorruptTableError{Path: path, Reason: "footer offsets inconsistent with file size", Err: errInvalidFooter}
	}

	indexBuf := make([]byte, meta.indexLen)
	if meta.indexLen > 0 {
		if _, err := f.ReadAt(indexBuf, int64(meta.indexStart)); err != nil {
			return nil, &CorruptTableError{Path: path, Reason: "failed to read sparse index", Err: err}
		}
	}
	index, err := decodeSparseIndex(indexBuf)
	if err != nil {
		return nil, &CorruptTableError{Path: path, Reason: "malformed sparse index", Err: err}
	}

	return &table{path: path, file: f, meta: meta, index: index}, nil
}

func (t *table) Path() string      { return t.path }
func (t *table) PartSize() uint64  { return t.meta.partSize }
func (t *table) close() error      { return t.file.Close() }

// get performs a bisection over the in-memory sparse index followed by a
// single bounded read of up to two adjacent partitions, then a linear scan
// within (§4.2's sparse-index search algorithm).
func (t *table) get(key []byte) (Command, bool, error) {
	if len(t.index) == 0 {
		return Command{}, false, nil
	}

	// L = greatest first_key <= key; its index is the rightmost entry not
	// greater than key.
	li := sort.Search(len(t.index), func(i int) bool {
		return bytes.Compare(t.index[i].firstKey, key) > 0
	}) - 1
	if li < 0 {
		// key sorts before the table's first key: absent.
		return Command{}, false, nil
	}

	readStart := t.index[li].pos.offset
	readEnd := t.index[li].pos.offset + t.index[li].pos.length
	hasU := li+1 < len(t.index)
	if hasU {
		readEnd = t.index[li+1].pos.offset + t.index[li+1].pos.length
	}

	buf := make([]byte, readEnd-readStart)
	if _, err := t.file.ReadAt(buf, int64(readStart)); err != nil {
		return Command{}, false, &IoError{Op: "OP_SSTABLE_LOAD_DATABLOCK", Err: err}
	}

	rest := buf
	for len(rest) > 0 {
		entries, consumed, err := decodePartition(rest)
		if err != nil {
			return Command{}, false, &CorruptTableError{Path: t.path, Reason: "malformed partition", Err: err}
		}
		for _, cmd := range entries {
			if bytes.Equal(cmd.Key, key) {
				return cmd, true, nil
			}
		}
		rest = rest[consumed:]
	}

	return Command{}, false, nil
}

// --- on-disk encodings ---

func encodeFooter(m tableMeta) []byte {
	buf := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(buf[0:], m.version)
	binary.LittleEndian.PutUint64(buf[8:], m.dataStart)
	binary.LittleEndian.PutUint64(buf[16:], m.dataLen)
	binary.LittleEndian.PutUint64(buf[24:], m.indexStart)
	binary.LittleEndian.PutUint64(buf[32:], m.indexLen)
	binary.LittleEndian.PutUint64(buf[40:], m.partSize)
	binary.LittleEndian.PutUint64(buf[48:], footerMagic)
	return buf
}

func decodeFooter(buf []byte) (tableMeta, uint64) {
	return tableMeta{
		version:    getU64(buf[0:]),
		dataStart:  getU64(buf[8:]),
		dataLen:    getU64(buf[16:]),
		indexStart: getU64(buf[24:]),
		indexLen:   getU64(buf[32:]),
		partSize:   getU64(buf[40:]),
	}, getU64(buf[48:])
}

// encodePartition serializes a data partition: [u32 count][(keyframe,
// commandframe) × count], each sub-frame length-prefixed per §4.1.
func encodePartition(commands []Command) []byte {
	var buf bytes.Buffer
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(commands)))
	buf.Write(countBuf[:])

	for _, cmd := range commands {
		writeFrame(&buf, cmd.Key)
		writeFrame(&buf, cmd.Encode())
	}
	return buf.Bytes()
}

// decodePartition decodes a partition blob from the front of buf, returning
// the entries and the number of bytes consumed (so callers can chain
// multiple partitions read together).
func decodePartition(buf []byte) ([]Command, int, error) {
	if len(buf) < 4 {
		return nil, 0, io.ErrUnexpectedEOF
	}
	count := int(binary.LittleEndian.Uint32(buf[0:4]))
	r := bytes.NewReader(buf[4:])

	out := make([]Command, 0, count)
	for i := 0; i < count; i++ {
		if _, err := readSubFrame(r); err != nil { // keyframe, redundant with cmd.Key
			return nil, 0, err
		}
		body, err := readSubFrame(r)
		if err != nil {
			return nil, 0, err
		}
		cmd, err := DecodeCommand(body)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, cmd)
	}

	consumed := 4 + (len(buf[4:]) - r.Len())
	return out, consumed, nil
}

// encodeSparseIndex serializes the sparse index: [u32 count][(keyframe,
// offset u64, length u64) × count].
func encodeSparseIndex(entries []sparseIndexEntry) []byte {
	var buf bytes.Buffer
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(entries)))
	buf.Write(countBuf[:])

	for _, e := range entries {
		writeFrame(&buf, e.firstKey)
		putU64(&buf, e.pos.offset)
		putU64(&buf, e.pos.length)
	}
	return buf.Bytes()
}

func decodeSparseIndex(buf []byte) ([]sparseIndexEntry, error) {
	if len(buf) < 4 {
		if len(buf) == 0 {
			return nil, nil
		}
		return nil, io.ErrUnexpectedEOF
	}
	count := int(binary.LittleEndian.Uint32(buf[0:4]))
	r := bytes.NewReader(buf[4:])

	out := make([]sparseIndexEntry, 0, count)
	for i := 0; i < count; i++ {
		key, err := readSubFrame(r)
		if err != nil {
			return nil, err
		}
		var offBuf, lenBuf [8]byte
		if _, err := io.ReadFull(r, offBuf[:]); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, err
		}
		out = append(out, sparseIndexEntry{
			firstKey: key,
			pos:      position{offset: getU64(offBuf[:]), length: getU64(lenBuf[:])},
		})
	}
	return out, nil
}
