// File: reactor/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

// Registry holds the live connections of one reactor in a slot arena with a
// free-list. Removal during a Cursor walk is safe.
type Registry struct {
	slots []*Conn
	free  []int
	byFd  map[int]*Conn
}

func newRegistry(hint int) *Registry {
	if hint <= 0 {
		hint = 64
	}
	return &Registry{
		slots: make([]*Conn, 0, hint),
		byFd:  make(map[int]*Conn, hint),
	}
}

// Insert stores c and assigns its slot.
func (g *Registry) Insert(c *Conn) {
	if n := len(g.free); n > 0 {
		c.slot = g.free[n-1]
		g.free = g.free[:n-1]
		g.slots[c.slot] = c
	} else {
		c.slot = len(g.slots)
		g.slots = append(g.slots, c)
	}
	g.byFd[c.fd] = c
}

// Remove releases the slot of c. Removing an absent connection is a no-op.
func (g *Registry) Remove(c *Conn) {
	if c.slot < 0 || c.slot >= len(g.slots) || g.slots[c.slot] != c {
		return
	}
	g.slots[c.slot] = nil
	g.free = append(g.free, c.slot)
	if g.byFd[c.fd] == c {
		delete(g.byFd, c.fd)
	}
	c.slot = -1
}

// ByFd looks a connection up by descriptor.
func (g *Registry) ByFd(fd int) *Conn {
	return g.byFd[fd]
}

// Len returns the number of live connections.
func (g *Registry) Len() int {
	return len(g.byFd)
}

// Cursor returns an iterator positioned before the first slot.
func (g *Registry) Cursor() Cursor {
	return Cursor{g: g}
}

// Cursor walks live slots in index order.
type Cursor struct {
	g *Registry
	i int
}

// Next returns the next live connection or nil at the end.
func (it *Cursor) Next() *Conn {
	for it.i < len(it.g.slots) {
		c := it.g.slots[it.i]
		it.i++
		if c != nil {
			return c
		}
	}
	return nil
}
