package lsmengine

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

const (
	opWalAppend  = "OP_WAL_APPEND"
	opWalReplay  = "OP_WAL_REPLAY"
	opWalCreate  = "OP_WAL_CREATE"
	opWalRotate  = "OP_WAL_ROTATE"
	opWalDestroy = "OP_WAL_DESTROY"
)

// wal is an append-only log mirroring the contents of the active memory
// table (§4.3). Once append returns, the command is durable: append fsyncs
// before returning.
type wal struct {
	path string
	file *os.File
}

// createWal creates a brand-new, empty WAL file at path. It fails if a file
// already exists there, since the caller is expected to be establishing a
// fresh active or frozen WAL under a name nothing else currently owns.
func createWal(path string) (*wal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return nil, &IoError{Op: opWalCreate, Err: err}
	}
	return &wal{path: path, file: f}, nil
}

// openWal opens an existing WAL file for append and replay.
func openWal(path string) (*wal, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, &IoError{Op: opWalCreate, Err: err}
	}
	return &wal{path: path, file: f}, nil
}

// append encodes cmd and appends it to the log, fsyncing before returning.
// If the write fails partway through the frame, the file is truncated back
// to its pre-append size so that a subsequent replay never observes a
// half-written frame — the on-disk WAL never contains more than the set of
// fully-appended commands.
func (w *wal) append(cmd Command) error {
	startOffset, err := w.file.Seek(0, io.SeekEnd)
	if err != nil {
		return &IoError{Op: opWalAppend, Err: err}
	}

	body := cmd.Encode()
	if _, err := writeFrame(w.file, body); err != nil {
		if truncErr := w.file.Truncate(startOffset); truncErr != nil {
			log.Warnf("wal %s: failed to roll back partial append after write error: %s", w.path, truncErr.Error())
		}
		return &IoError{Op: opWalAppend, Err: err}
	}

	if err := w.file.Sync(); err != nil {
		return &IoError{Op: opWalAppend, Err: err}
	}
	return nil
}

// appendBatch writes every command in cmds without an intervening fsync,
// then syncs once at the end. It is used to rebuild a consolidated WAL
// during recovery, where fsyncing after each of potentially many recovered
// commands would be wasted work — the whole batch becomes durable together.
func (w *wal) appendBatch(cmds []Command) error {
	for _, cmd := range cmds {
		if _, err := writeFrame(w.file, cmd.Encode()); err != nil {
			return &IoError{Op: opWalAppend, Err: err}
		}
	}
	return w.sync()
}

// replay streams the commands recorded in the log, in append order. It
// stops cleanly at EOF. If a truncated trailing frame is encountered — the
// writer crashed mid-append — the truncated tail is ignored and a warning is
// logged, rather than returning an error: partial writes are never applied.
func (w *wal) replay() ([]Command, error) {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, &IoError{Op: opWalReplay, Err: err}
	}

	var out []Command
	for {
		body, cleanEOF, err := readFrame(w.file)
		if cleanEOF {
			return out, nil
		}
		if err != nil {
			log.Warnf("wal %s: truncated trailing frame ignored during replay: %s", w.path, err.Error())
			return out, nil
		}

		cmd, err := DecodeCommand(body)
		if err != nil {
			log.Warnf("wal %s: malformed frame ignored during replay: %s", w.path, err.Error())
			return out, nil
		}
		out = append(out, cmd)
	}
}

// file's OS path.
func (w *wal) Path() string { return w.path }

// sync flushes any buffered writes to stable storage.
func (w *wal) sync() error {
	if err := w.file.Sync(); err != nil {
		return &IoError{Op: opWalRotate, Err: err}
	}
	return nil
}

// close closes the underlying file handle without deleting it.
func (w *wal) close() error {
	if err := w.file.Close(); err != nil {
		return &IoError{Op: opWalDestroy, Err: err}
	}
	return nil
}

// destroy closes and deletes the WAL file. It is called only after the
// corresponding SSTable has been fsynced and published (§3 lifecycle).
func (w *wal) destroy() error {
	if err := w.file.Close(); err != nil {
		return &IoError{Op: opWalDestroy, Err: err}
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return &IoError{Op: opWalDestroy, Err: err}
	}
	return nil
}
