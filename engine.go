package lsmengine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Engine is the embeddable LSM key-value store. It orchestrates routing of
// reads and writes across the active memory table, any memory tables that
// have been frozen but not yet flushed, and the list of on-disk SSTables,
// and performs the flush (rotation) that turns a frozen memory table into a
// new SSTable. All public methods are safe to call from any goroutine.
type Engine struct {
	mu sync.RWMutex

	dir       string
	partSize  int
	threshold int

	active    *memTable
	activeWAL *wal

	// frozen holds every memory table that has been rotated out of active
	// but whose SSTable has not yet been published, oldest first. More than
	// one entry can exist at once: the SSTable build runs outside e.mu, so a
	// second writer can cross threshold and freeze again before the first
	// flush finishes.
	frozen []*frozenTable

	tables  []*table // newest first
	nextSeq uint64

	closed    bool
	poisoned  bool
	poisonErr error

	logger  *log.Logger
	logFile *os.File // non-nil only when the engine opened its own log file
}

// frozenTable pairs a retired memory table with the WAL that backs it until
// its SSTable is published, and the sequence number reserved for that
// SSTable (and used to name the WAL file itself, so the two are easy to
// correlate on disk: wal.<seq> retires once <seq>.sst is visible).
type frozenTable struct {
	mem *memTable
	wal *wal
	seq uint64
}

// Open initializes the engine over dir, creating it if necessary. It scans
// for existing SSTables (newest first by sequence number), opens each,
// replays whatever WAL(s) it finds into a freshly-built active memory table,
// and — if replay left more than threshold entries, the signature of an
// interrupted flush — triggers an immediate flush before returning, so the
// engine never hands the caller a memory table already over budget.
func Open(dir string, partSize, threshold int, opts ...Option) (*Engine, error) {
	if partSize <= 0 {
		partSize = 1
	}
	if threshold <= 0 {
		threshold = 1
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, &IoError{Op: "OP_ENGINE_OPEN", Err: err}
	}

	s := generateSettings(opts...)
	logger := s.logger
	var logFile *os.File
	if logger == nil {
		var err error
		logger, logFile, err = setupLogging(dir, s.logLevel)
		if err != nil {
			return nil, err
		}
	}

	tables, maxSSTSeq, err := scanTables(dir, logger)
	if err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, err
	}

	mem, activeWAL, maxWalSeq, err := recoverMemTable(dir, logger)
	if err != nil {
		closeTables(tables)
		if logFile != nil {
			logFile.Close()
		}
		return nil, err
	}

	nextSeq := maxSSTSeq
	if maxWalSeq > nextSeq {
		nextSeq = maxWalSeq
	}

	eng := &Engine{
		dir:       dir,
		partSize:  partSize,
		threshold: threshold,
		active:    mem,
		activeWAL: activeWAL,
		tables:    tables,
		nextSeq:   nextSeq,
		logger:    logger,
		logFile:   logFile,
	}

	if err := eng.flushIfOverBudget(); err != nil {
		eng.Close()
		return nil, err
	}

	return eng, nil
}

// scanTables opens every *.sst file in dir, newest (largest sequence) first.
// A file whose footer is missing or invalid — the signature of a flush
// interrupted before the footer was written — is discarded with a warning
// rather than failing the open. Any other corruption refuses the open.
func scanTables(dir string, logger *log.Logger) ([]*table, uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, &IoError{Op: "OP_ENGINE_OPEN", Err: err}
	}

	type seqTable struct {
		seq uint64
		t   *table
	}
	var opened []seqTable
	var maxSeq uint64

	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		seq, ok := parseSSTSeq(ent.Name())
		if !ok {
			continue
		}
		if seq+1 > maxSeq {
			maxSeq = seq + 1
		}

		path := filepath.Join(dir, ent.Name())
		t, terr := openTable(path)
		if terr != nil {
			if errors.Is(terr, errInvalidFooter) {
				logger.Warnf("discarding partial sstable %s: %s", path, terr.Error())
				continue
			}
			for _, ot := range opened {
				ot.t.close()
			}
			return nil, 0, terr
		}
		opened = append(opened, seqTable{seq: seq, t: t})
	}

	sort.Slice(opened, func(i, j int) bool { return opened[i].seq > opened[j].seq })
	tables := make([]*table, len(opened))
	for i, ot := range opened {
		tables[i] = ot.t
	}
	return tables, maxSeq, nil
}

func closeTables(tables []*table) {
	for _, t := range tables {
		t.close()
	}
}

// recoverMemTable rebuilds the active memory table from whatever WAL(s) are
// present: any leftover frozen WALs (wal.<seq>, left behind by flushes that
// crashed before retiring them) are replayed oldest-seq first, then the
// active WAL (wal) on top, so a key written across several of them ends up
// with its latest value. It then consolidates the result into a single
// fresh "wal" file, so recovery never leaves the engine relying on a stale
// WAL name. The returned seq is one past the highest frozen-WAL sequence
// found, so the engine never reassigns a sequence number still referenced
// on disk.
func recoverMemTable(dir string, logger *log.Logger) (*memTable, *wal, uint64, error) {
	activePath := filepath.Join(dir, "wal")

	frozenPaths, maxFrozenSeq, err := listFrozenWALs(dir)
	if err != nil {
		return nil, nil, 0, err
	}

	mem := newMemTable()

	var opened []*wal
	closeOpened := func() {
		for _, w := range opened {
			w.close()
		}
	}

	for _, path := range frozenPaths {
		w, werr := tryOpenWal(path)
		if werr != nil {
			closeOpened()
			return nil, nil, 0, werr
		}
		if w == nil {
			continue
		}
		opened = append(opened, w)
		cmds, rerr := w.replay()
		if rerr != nil {
			closeOpened()
			return nil, nil, 0, rerr
		}
		for _, c := range cmds {
			mem.put(c)
		}
		logger.Infof("recovered %d command(s) from frozen wal %s", len(cmds), path)
	}

	activeWAL, err := tryOpenWal(activePath)
	if err != nil {
		closeOpened()
		return nil, nil, 0, err
	}
	if activeWAL != nil {
		cmds, rerr := activeWAL.replay()
		if rerr != nil {
			closeOpened()
			activeWAL.close()
			return nil, nil, 0, rerr
		}
		for _, c := range cmds {
			mem.put(c)
		}
		logger.Infof("recovered %d command(s) from active wal %s", len(cmds), activePath)
	}

	for _, w := range opened {
		if derr := w.destroy(); derr != nil {
			logger.Warnf("failed to remove stale frozen wal %s: %s", w.Path(), derr.Error())
		}
	}
	if activeWAL != nil {
		if err := activeWAL.destroy(); err != nil {
			return nil, nil, 0, err
		}
	}

	newWAL, err := createWal(activePath)
	if err != nil {
		return nil, nil, 0, err
	}
	if err := newWAL.appendBatch(mem.commands()); err != nil {
		return nil, nil, 0, err
	}

	return mem, newWAL, maxFrozenSeq, nil
}

// listFrozenWALs returns the paths of every wal.<seq> file in dir, sorted by
// ascending sequence number (oldest frozen first), plus one past the
// highest sequence number found.
func listFrozenWALs(dir string) ([]string, uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, &IoError{Op: opWalCreate, Err: err}
	}

	type seqPath struct {
		seq  uint64
		path string
	}
	var found []seqPath
	var maxSeq uint64

	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		seq, ok := parseWalSeq(ent.Name())
		if !ok {
			continue
		}
		if seq+1 > maxSeq {
			maxSeq = seq + 1
		}
		found = append(found, seqPath{seq: seq, path: filepath.Join(dir, ent.Name())})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })
	paths := make([]string, len(found))
	for i, fp := range found {
		paths[i] = fp.path
	}
	return paths, maxSeq, nil
}

func tryOpenWal(path string) (*wal, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &IoError{Op: opWalCreate, Err: err}
	}
	return openWal(path)
}

// flushIfOverBudget flushes the active memory table if it already exceeds
// threshold, which can only happen right after Open recovers a WAL left
// oversized by an interrupted flush.
func (e *Engine) flushIfOverBudget() error {
	e.mu.Lock()
	if e.active.len() <= e.threshold {
		e.mu.Unlock()
		return nil
	}
	ft, err := e.freezeLocked()
	e.mu.Unlock()
	if err != nil {
		return err
	}
	return e.flush(ft)
}

// Set durably records value for key: once Set returns, Get(key) observes
// value until a later Set or Remove for the same key.
func (e *Engine) Set(key, value []byte) error {
	if len(key) == 0 || len(value) == 0 {
		return errors.New("lsmengine: key and value must be non-empty")
	}
	return e.writeCommand(NewSetCommand(key, value))
}

// Remove records a tombstone for key: once Remove returns, Get(key) returns
// nil until a later Set. Removing an absent key succeeds.
func (e *Engine) Remove(key []byte) error {
	if len(key) == 0 {
		return errors.New("lsmengine: key must be non-empty")
	}
	return e.writeCommand(NewRemoveCommand(key))
}

// writeCommand appends cmd to the WAL, inserts it into the active memory
// table, and — if that insertion pushed the table over threshold — freezes
// it and flushes it to a new SSTable. The insert + WAL append happen under
// the writer lock; the SSTable build runs outside it so readers are not
// blocked on disk I/O, and so that a second writer can freeze and flush its
// own memory table concurrently instead of waiting on the first flush.
func (e *Engine) writeCommand(cmd Command) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return &IllegalStateError{Reason: "operation called after close"}
	}
	if e.poisoned {
		err := e.poisonErr
		e.mu.Unlock()
		return &IoError{Op: "OP_ENGINE_WRITE", Err: err}
	}

	if err := e.activeWAL.append(cmd); err != nil {
		e.poisoned = true
		e.poisonErr = err
		e.mu.Unlock()
		return err
	}
	e.active.put(cmd)

	var ft *frozenTable
	if e.active.len() > e.threshold {
		var ferr error
		ft, ferr = e.freezeLocked()
		if ferr != nil {
			e.poisoned = true
			e.poisonErr = ferr
			e.mu.Unlock()
			return ferr
		}
	}
	e.mu.Unlock()

	if ft != nil {
		if err := e.flush(ft); err != nil {
			e.mu.Lock()
			e.poisoned = true
			e.poisonErr = err
			e.mu.Unlock()
			return err
		}
	}
	return nil
}

// freezeLocked must be called with e.mu held for writing. It reserves the
// sequence number for the resulting SSTable, renames the current active WAL
// file to wal.<seq> (making it that table's frozen WAL — a name distinct
// per frozen table, since more than one flush can be in flight at once),
// installs a fresh empty active memory table and WAL, appends the frozen
// table to e.frozen, and returns it for the caller to flush outside the
// lock.
func (e *Engine) freezeLocked() (*frozenTable, error) {
	seq := e.nextSeq
	e.nextSeq++

	frozenPath := walPath(e.dir, seq)
	if err := os.Rename(e.activeWAL.Path(), frozenPath); err != nil {
		return nil, &IoError{Op: opWalRotate, Err: err}
	}
	frozenWAL := e.activeWAL
	frozenWAL.path = frozenPath

	newWAL, err := createWal(filepath.Join(e.dir, "wal"))
	if err != nil {
		return nil, err
	}

	ft := &frozenTable{mem: e.active, wal: frozenWAL, seq: seq}
	e.frozen = append(e.frozen, ft)
	e.active = newMemTable()
	e.activeWAL = newWAL

	e.logger.Infof("froze memtable (%d entries) as wal %s", ft.mem.len(), frozenPath)
	return ft, nil
}

// flush builds a new SSTable from ft's contents at ft's reserved sequence
// number, registers it as the newest table, and retires ft's WAL. It runs
// without holding e.mu except to publish the result and to remove ft from
// e.frozen.
func (e *Engine) flush(ft *frozenTable) error {
	path := sstPath(e.dir, ft.seq)
	commands := ft.mem.commands()
	if err := buildFromSorted(path, e.partSize, commands); err != nil {
		return err
	}
	t, err := openTable(path)
	if err != nil {
		return err
	}

	e.mu.Lock()
	// insert by sequence, not publish order: concurrent flushes can finish
	// out of order, and e.tables stays largest sequence first.
	i := 0
	for ; i < len(e.tables); i++ {
		if s, _ := parseSSTSeq(filepath.Base(e.tables[i].Path())); s < ft.seq {
			break
		}
	}
	e.tables = append(e.tables[:i], append([]*table{t}, e.tables[i:]...)...)
	e.removeFrozenLocked(ft)
	e.mu.Unlock()

	if derr := ft.wal.destroy(); derr != nil {
		e.logger.Warnf("failed to delete wal %s after flush: %s", ft.wal.Path(), derr.Error())
	} else {
		e.logger.Infof("deleted wal %s after flush", ft.wal.Path())
	}
	e.logger.Infof("flushed memtable (%d entries, partition size %d) to %s", len(commands), t.PartSize(), path)
	return nil
}

// removeFrozenLocked must be called with e.mu held. It drops ft from
// e.frozen by identity, preserving the relative order of whatever remains.
func (e *Engine) removeFrozenLocked(ft *frozenTable) {
	out := e.frozen[:0]
	for _, f := range e.frozen {
		if f != ft {
			out = append(out, f)
		}
	}
	e.frozen = out
}

// Get resolves key against, in order, the active memory table, every
// frozen-but-not-yet-flushed memory table (most recently frozen first), and
// each SSTable newest first, returning the value from the first match. A
// Remove shadows older Sets and is reported as absent (nil, nil), as is a
// key found nowhere.
func (e *Engine) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, errors.New("lsmengine: key must be non-empty")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return nil, &IllegalStateError{Reason: "operation called after close"}
	}

	if cmd, ok := e.active.get(key); ok {
		return resolveRead(cmd), nil
	}
	for i := len(e.frozen) - 1; i >= 0; i-- {
		if cmd, ok := e.frozen[i].mem.get(key); ok {
			return resolveRead(cmd), nil
		}
	}
	for _, t := range e.tables {
		cmd, ok, err := t.get(key)
		if err != nil {
			return nil, err
		}
		if ok {
			return resolveRead(cmd), nil
		}
	}
	return nil, nil
}

func resolveRead(cmd Command) []byte {
	if cmd.IsTombstone() {
		return nil
	}
	return cmd.Value
}

// Close closes file handles in a defined order — active WAL, every frozen
// WAL still pending a flush, then SSTables — without flushing the memory
// table; crash recovery relies entirely on WAL replay. Calling Close more
// than once is an IllegalState error.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return &IllegalStateError{Reason: "close called on an already-closed engine"}
	}
	e.closed = true

	var firstErr error
	recordErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	recordErr(e.activeWAL.close())
	for _, ft := range e.frozen {
		recordErr(ft.wal.close())
	}
	for _, t := range e.tables {
		recordErr(t.close())
	}
	if e.logFile != nil {
		e.logFile.Close()
	}
	return firstErr
}

func sstPath(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d.sst", seq))
}

func parseSSTSeq(name string) (uint64, bool) {
	if !strings.HasSuffix(name, ".sst") {
		return 0, false
	}
	seq, err := strconv.ParseUint(strings.TrimSuffix(name, ".sst"), 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

func walPath(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("wal.%020d", seq))
}

func parseWalSeq(name string) (uint64, bool) {
	if !strings.HasPrefix(name, "wal.") {
		return 0, false
	}
	seq, err := strconv.ParseUint(strings.TrimPrefix(name, "wal."), 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}
