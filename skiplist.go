package lsmengine

import (
	"bytes"
	"math/rand"
)

// skipList is an ordered map from byte-slice key to Command, holding both
// Set and Remove entries (tombstones survive until flushed).
type skipList struct {
	head     *slNode
	height   int
	size     int
	prob     float32
	sentinel *slNode
	rnd      *rand.Rand
}

type slNode struct {
	key                []byte
	cmd                Command
	forwardNodeAtLevel map[int]*slNode
}

func newSLNode(key []byte, cmd Command) *slNode {
	return &slNode{
		key:                key,
		cmd:                cmd,
		forwardNodeAtLevel: make(map[int]*slNode),
	}
}

func newSkipList(seed int64) *skipList {
	sentinel := newSLNode(nil, Command{})
	return &skipList{
		head:     sentinel,
		height:   1,
		size:     0,
		prob:     0.25,
		sentinel: sentinel,
		rnd:      rand.New(rand.NewSource(seed)),
	}
}

func (s *skipList) randomLevel() int {
	lvl := 0
	for s.rnd.Float32() > s.prob {
		lvl++
	}
	return lvl
}

// search returns the node holding key, or nil if absent.
func (s *skipList) search(key []byte) *slNode {
	curLevel := s.height - 1
	curNode := s.head

	for {
		nextNode, found := curNode.forwardNodeAtLevel[curLevel]
		if !found {
			if curLevel == 0 {
				return nil
			}
			curLevel--
			continue
		}

		cmp := bytes.Compare(nextNode.key, key)
		if cmp == 0 {
			return nextNode
		}
		if cmp > 0 {
			if curLevel == 0 {
				return nil
			}
			curLevel--
			continue
		}
		curNode = nextNode
	}
}

// upsert inserts cmd for key, replacing any existing entry for that key.
func (s *skipList) upsert(key []byte, cmd Command) {
	curNode := s.head
	curLevel := s.height - 1
	updateAnchors := make([]*slNode, s.height)

	for {
		nextNode, found := curNode.forwardNodeAtLevel[curLevel]
		if !found {
			updateAnchors[curLevel] = curNode
			if curLevel == 0 {
				s.insertNewNode(newSLNode(key, cmd), updateAnchors)
				return
			}
			curLevel--
			continue
		}

		cmp := bytes.Compare(nextNode.key, key)
		if cmp == 0 {
			nextNode.cmd = cmd
			return
		}
		if cmp > 0 {
			updateAnchors[curLevel] = curNode
			if curLevel == 0 {
				s.insertNewNode(newSLNode(key, cmd), updateAnchors)
				return
			}
			curLevel--
			continue
		}
		curNode = nextNode
	}
}

func (s *skipList) insertNewNode(node *slNode, updateAnchors []*slNode) {
	lvl := s.randomLevel()
	if lvl >= s.height {
		newHeight := lvl + 1
		for i := s.height; i < newHeight; i++ {
			updateAnchors = append(updateAnchors, s.head)
		}
		s.height = newHeight
	}

	for level := 0; level <= lvl; level++ {
		anchor := updateAnchors[level]
		oldNext := anchor.forwardNodeAtLevel[level]
		anchor.forwardNodeAtLevel[level] = node
		if oldNext != nil {
			node.forwardNodeAtLevel[level] = oldNext
		}
	}
	s.size++
}

// ascend calls fn for every node in ascending key order.
func (s *skipList) ascend(fn func(key []byte, cmd Command)) {
	for node := s.head.forwardNodeAtLevel[0]; node != nil; node = node.forwardNodeAtLevel[0] {
		fn(node.key, node.cmd)
	}
}
