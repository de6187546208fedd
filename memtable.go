package lsmengine

import "time"

// memTable is the in-memory mutable index: an ordered map from key to the
// latest Command for that key (§3, §4.4). At most one Set or Remove is kept
// per key; inserting again for the same key replaces the prior entry. Size
// counts distinct keys, including tombstones, since a Remove must reach the
// SSTable to shadow older Sets.
type memTable struct {
	list *skipList
	size int
}

func newMemTable() *memTable {
	return &memTable{list: newSkipList(time.Now().UnixNano())}
}

// get returns the Command stored for key, or ok=false if key has never been
// written to this table.
func (m *memTable) get(key []byte) (Command, bool) {
	node := m.list.search(key)
	if node == nil {
		return Command{}, false
	}
	return node.cmd, true
}

// put inserts or replaces the entry for cmd.Key.
func (m *memTable) put(cmd Command) {
	if m.list.search(cmd.Key) == nil {
		m.size++
	}
	m.list.upsert(cmd.Key, cmd)
}

// len reports the number of distinct keys held, tombstones included.
func (m *memTable) len() int { return m.size }

// ascend iterates all entries in ascending key order, the order
// build_from_sorted requires.
func (m *memTable) ascend(fn func(Command)) {
	m.list.ascend(func(_ []byte, cmd Command) { fn(cmd) })
}

// commands returns every entry in ascending key order as a slice, ready to
// feed into buildFromSorted.
func (m *memTable) commands() []Command {
	out := make([]Command, 0, m.size)
	m.ascend(func(cmd Command) { out = append(out, cmd) })
	return out
}
