package filecache

import "fmt"

const nilSlot = -1

// node is the cache's record of one stored file.
type node struct {
	id        FileID
	size      int64
	readable  bool
	writable  bool
	removable bool
	// readers counts open read handles; a pinned node is never evicted.
	readers int
	// open is set while a write or append handle is outstanding.
	open bool

	ready    chan struct{}
	signaled bool

	prev, next int
	linked     bool
}

func newNode(id FileID, size int64, readable, writable, removable bool) node {
	return node{
		id:        id,
		size:      size,
		readable:  readable,
		writable:  writable,
		removable: removable,
		ready:     make(chan struct{}),
		prev:      nilSlot,
		next:      nilSlot,
	}
}

// signal wakes every reader parked on the node. Safe to call repeatedly.
func (n *node) signal() {
	if !n.signaled {
		n.signaled = true
		close(n.ready)
	}
}

func (n *node) evictable() bool {
	return n.removable && !n.writable && !n.open && n.readers == 0
}

// index is an LRU list stored in a slot arena: nodes are addressed by slot
// number, freed slots are reused, head is the least recently used entry and
// tail the most recent. The caller holds the cache mutex for every call.
type index struct {
	slots  []node
	free   []int
	lookup map[FileID]int
	head   int
	tail   int
}

func newIndex() *index {
	return &index{
		lookup: make(map[FileID]int),
		head:   nilSlot,
		tail:   nilSlot,
	}
}

func (ix *index) len() int { return len(ix.lookup) }

// get returns the live node for id. The pointer is valid until the next add.
func (ix *index) get(id FileID) *node {
	slot, ok := ix.lookup[id]
	if !ok {
		return nil
	}
	return &ix.slots[slot]
}

// add links n at the tail.
func (ix *index) add(n node) error {
	if !n.id.valid() {
		return fmt.Errorf("index add: %w: %q", ErrInvalidID, n.id)
	}
	if n.linked {
		return fmt.Errorf("index add %s: node already linked", n.id)
	}
	if _, ok := ix.lookup[n.id]; ok {
		return fmt.Errorf("index add: %w: %s", ErrAlreadyExists, n.id)
	}

	var slot int
	if k := len(ix.free); k > 0 {
		slot = ix.free[k-1]
		ix.free = ix.free[:k-1]
	} else {
		ix.slots = append(ix.slots, node{})
		slot = len(ix.slots) - 1
	}

	n.linked = true
	n.prev = ix.tail
	n.next = nilSlot
	ix.slots[slot] = n
	if ix.tail != nilSlot {
		ix.slots[ix.tail].next = slot
	} else {
		ix.head = slot
	}
	ix.tail = slot
	ix.lookup[n.id] = slot
	return nil
}

// pop unlinks id and returns the detached node.
func (ix *index) pop(id FileID) (node, bool) {
	slot, ok := ix.lookup[id]
	if !ok {
		return node{}, false
	}
	n := ix.slots[slot]

	if n.prev != nilSlot {
		ix.slots[n.prev].next = n.next
	} else {
		ix.head = n.next
	}
	if n.next != nilSlot {
		ix.slots[n.next].prev = n.prev
	} else {
		ix.tail = n.prev
	}

	delete(ix.lookup, id)
	ix.slots[slot] = node{}
	ix.free = append(ix.free, slot)

	n.linked = false
	n.prev, n.next = nilSlot, nilSlot
	return n, true
}

// moveToBack promotes id to most recently used.
func (ix *index) moveToBack(id FileID) bool {
	n, ok := ix.pop(id)
	if !ok {
		return false
	}
	// Re-adding a just-popped node cannot fail.
	_ = ix.add(n)
	return true
}

// each visits nodes from least to most recently used until fn returns false.
func (ix *index) each(fn func(*node) bool) {
	for slot := ix.head; slot != nilSlot; {
		n := &ix.slots[slot]
		next := n.next
		if !fn(n) {
			return
		}
		slot = next
	}
}
