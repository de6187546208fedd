package lsmengine

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func tempWalPath(t testing.TB) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "wal")
}

func Test_WalAppendThenReplayReturnsSameCommands(t *testing.T) {
	w, err := createWal(tempWalPath(t))
	if err != nil {
		t.Fatalf("createWal: %s", err.Error())
	}

	want := []Command{
		NewSetCommand([]byte("a"), []byte("1")),
		NewSetCommand([]byte("b"), []byte("2")),
		NewRemoveCommand([]byte("a")),
	}
	for _, cmd := range want {
		if err := w.append(cmd); err != nil {
			t.Fatalf("append: %s", err.Error())
		}
	}

	got, err := w.replay()
	if err != nil {
		t.Fatalf("replay: %s", err.Error())
	}
	if len(got) != len(want) {
		t.Fatalf("got %d commands, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Kind != want[i].Kind || string(got[i].Key) != string(want[i].Key) {
			t.Errorf("entry %d mismatch: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func Test_WalReplayStopsCleanlyOnEmptyFile(t *testing.T) {
	w, err := createWal(tempWalPath(t))
	if err != nil {
		t.Fatalf("createWal: %s", err.Error())
	}

	got, err := w.replay()
	if err != nil {
		t.Fatalf("replay: %s", err.Error())
	}
	if len(got) != 0 {
		t.Errorf("expected no commands, got %d", len(got))
	}
}

func Test_WalReplayIgnoresTruncatedTrailingFrame(t *testing.T) {
	path := tempWalPath(t)
	w, err := createWal(path)
	if err != nil {
		t.Fatalf("createWal: %s", err.Error())
	}

	good := []Command{
		NewSetCommand([]byte("a"), []byte("1")),
		NewSetCommand([]byte("b"), []byte("2")),
	}
	for _, cmd := range good {
		if err := w.append(cmd); err != nil {
			t.Fatalf("append: %s", err.Error())
		}
	}

	// simulate a crash mid-append: a length prefix announcing more bytes
	// than were actually written.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("reopen: %s", err.Error())
	}
	if _, err := f.Write([]byte{0xFF, 0xFF, 0x00, 0x00, 0x01, 0x02}); err != nil {
		t.Fatalf("write partial frame: %s", err.Error())
	}
	f.Close()

	got, err := w.replay()
	if err != nil {
		t.Fatalf("replay should not error on truncated tail: %s", err.Error())
	}
	if len(got) != len(good) {
		t.Errorf("expected %d commands (truncated tail ignored), got %d", len(good), len(got))
	}
}

func Test_WalFailedAppendLeavesFileUnchanged(t *testing.T) {
	path := tempWalPath(t)
	w, err := createWal(path)
	if err != nil {
		t.Fatalf("createWal: %s", err.Error())
	}

	if err := w.append(NewSetCommand([]byte("a"), []byte("1"))); err != nil {
		t.Fatalf("append: %s", err.Error())
	}

	info, err := w.file.Stat()
	if err != nil {
		t.Fatalf("stat: %s", err.Error())
	}
	sizeBefore := info.Size()

	// close the file handle so the next append fails (its seek errors out
	// before any byte is written), then verify the file size is unchanged.
	w.file.Close()
	err = w.append(NewSetCommand([]byte("b"), []byte("2")))
	if err == nil {
		t.Fatal("expected append to fail against a closed file")
	}

	reopened, err := os.Open(path)
	if err != nil {
		t.Fatalf("reopen: %s", err.Error())
	}
	defer reopened.Close()
	info, err = reopened.Stat()
	if err != nil {
		t.Fatalf("stat: %s", err.Error())
	}
	if info.Size() != sizeBefore {
		t.Errorf("expected file size unchanged at %d after failed append, got %d", sizeBefore, info.Size())
	}
}

func Test_WalDestroyRemovesFile(t *testing.T) {
	path := tempWalPath(t)
	w, err := createWal(path)
	if err != nil {
		t.Fatalf("createWal: %s", err.Error())
	}

	if err := w.destroy(); err != nil {
		t.Fatalf("destroy: %s", err.Error())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected wal file to be removed")
	}
}

func Test_WalReplayAfterManyAppends(t *testing.T) {
	w, err := createWal(tempWalPath(t))
	if err != nil {
		t.Fatalf("createWal: %s", err.Error())
	}

	const n = 200
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		if err := w.append(NewSetCommand(key, key)); err != nil {
			t.Fatalf("append %d: %s", i, err.Error())
		}
	}

	got, err := w.replay()
	if err != nil {
		t.Fatalf("replay: %s", err.Error())
	}
	if len(got) != n {
		t.Fatalf("got %d commands, want %d", len(got), n)
	}
}
