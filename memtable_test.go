package lsmengine

import "testing"

func Test_MemTablePutAndGet(t *testing.T) {
	m := newMemTable()
	m.put(NewSetCommand([]byte("k"), []byte("v")))

	cmd, ok := m.get([]byte("k"))
	if !ok || string(cmd.Value) != "v" {
		t.Errorf("got %+v, %v instead", cmd, ok)
	}
}

func Test_MemTableSizeCountsDistinctKeysOnly(t *testing.T) {
	m := newMemTable()
	m.put(NewSetCommand([]byte("k"), []byte("1")))
	m.put(NewSetCommand([]byte("k"), []byte("2")))
	m.put(NewSetCommand([]byte("other"), []byte("3")))

	if m.len() != 2 {
		t.Errorf("expected 2 distinct keys, got %d", m.len())
	}
}

func Test_MemTableRetainsTombstone(t *testing.T) {
	m := newMemTable()
	m.put(NewSetCommand([]byte("k"), []byte("v")))
	m.put(NewRemoveCommand([]byte("k")))

	cmd, ok := m.get([]byte("k"))
	if !ok {
		t.Fatal("expected tombstone entry to remain present")
	}
	if !cmd.IsTombstone() {
		t.Error("expected tombstone")
	}
	if m.len() != 1 {
		t.Errorf("expected tombstone to still count toward size, got %d", m.len())
	}
}

func Test_MemTableCommandsAreSortedByKey(t *testing.T) {
	m := newMemTable()
	for _, k := range []string{"c", "a", "b"} {
		m.put(NewSetCommand([]byte(k), []byte(k)))
	}

	cmds := m.commands()
	want := []string{"a", "b", "c"}
	for i, cmd := range cmds {
		if string(cmd.Key) != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, cmd.Key, want[i])
		}
	}
}
