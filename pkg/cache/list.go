package cache

// node is an element of nodeList.
type node[V any] struct {
	next, prev *node[V]
	Value      V
}

// nodeList is a minimal typed doubly linked list.
type nodeList[V any] struct {
	head, tail *node[V]
	size       int
}

func (l *nodeList[V]) Len() int {
	return l.size
}

func (l *nodeList[V]) Front() *node[V] {
	return l.head
}

// after returns the node following `n`, wrapping around to the front.
func (l *nodeList[V]) after(n *node[V]) *node[V] {
	if n.next != nil {
		return n.next
	}
	return l.head
}

// Remove unlinks `n` from the list.
func (l *nodeList[V]) Remove(n *node[V]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else { // Node is the head.
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else { // Node is the tail.
		l.tail = n.prev
	}
	n.next, n.prev = nil, nil
	l.size--
}

// PushBack appends a new value to the list and returns its node.
func (l *nodeList[V]) PushBack(v V) *node[V] {
	n := &node[V]{Value: v, prev: l.tail}
	if l.tail != nil {
		l.tail.next = n
	} else { // List was empty.
		l.head = n
	}
	l.tail = n
	l.size++
	return n
}
