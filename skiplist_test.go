package lsmengine

import (
	"fmt"
	"testing"
)

func Test_SkipListInsertIntoEmptyList(t *testing.T) {
	s := newSkipList(1)
	s.upsert([]byte("hello"), NewSetCommand([]byte("hello"), []byte("world")))

	n := s.search([]byte("hello"))
	if n == nil || string(n.cmd.Value) != "world" {
		t.Errorf("got %+v instead", n)
	}
}

func Test_SkipListInOrderInsertIteratesAscending(t *testing.T) {
	s := newSkipList(2)
	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("key-%02d", i))
		s.upsert(key, NewSetCommand(key, key))
	}

	var got []string
	s.ascend(func(key []byte, _ Command) { got = append(got, string(key)) })

	for i, k := range got {
		want := fmt.Sprintf("key-%02d", i)
		if k != want {
			t.Fatalf("position %d: got %s, want %s", i, k, want)
		}
	}
}

func Test_SkipListReverseOrderInsertIteratesAscending(t *testing.T) {
	s := newSkipList(3)
	for i := 9; i >= 0; i-- {
		key := []byte(fmt.Sprintf("key-%02d", i))
		s.upsert(key, NewSetCommand(key, key))
	}

	var got []string
	s.ascend(func(key []byte, _ Command) { got = append(got, string(key)) })

	for i, k := range got {
		want := fmt.Sprintf("key-%02d", i)
		if k != want {
			t.Fatalf("position %d: got %s, want %s", i, k, want)
		}
	}
}

func Test_SkipListUpsertReplacesExistingEntry(t *testing.T) {
	s := newSkipList(4)
	s.upsert([]byte("k"), NewSetCommand([]byte("k"), []byte("a")))
	s.upsert([]byte("k"), NewSetCommand([]byte("k"), []byte("b")))

	n := s.search([]byte("k"))
	if n == nil || string(n.cmd.Value) != "b" {
		t.Errorf("got %+v instead", n)
	}

	count := 0
	s.ascend(func(_ []byte, _ Command) { count++ })
	if count != 1 {
		t.Errorf("expected 1 entry after upsert-overwrite, got %d", count)
	}
}

func Test_SkipListSearchMiss(t *testing.T) {
	s := newSkipList(5)
	s.upsert([]byte("a"), NewSetCommand([]byte("a"), []byte("1")))

	if s.search([]byte("missing")) != nil {
		t.Error("expected miss")
	}
}
