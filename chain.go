package batch

// Chain is an ordered list of handlers with a cursor. Next pops the handler
// at the cursor; stages decide whether the rest of the chain runs.
type Chain struct {
	handlers []Handler
	pos      int
}

// NewChain copies handlers into a new chain positioned at the first one.
func NewChain(handlers ...Handler) *Chain {
	hs := make([]Handler, len(handlers))
	copy(hs, handlers)
	return &Chain{handlers: hs}
}

// Next returns the handler at the cursor and advances it.
func (c *Chain) Next() (Handler, bool) {
	if c == nil || c.pos >= len(c.handlers) {
		return nil, false
	}
	h := c.handlers[c.pos]
	c.pos++
	return h, true
}

// Remaining returns the handlers not yet popped. The slice must not be modified.
func (c *Chain) Remaining() []Handler {
	if c == nil {
		return nil
	}
	return c.handlers[c.pos:]
}

// Len is the number of handlers not yet popped.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.handlers) - c.pos
}

// Snapshot copies the remaining sequence. Handlers are shared, not copied.
func (c *Chain) Snapshot() []Handler {
	rem := c.Remaining()
	out := make([]Handler, len(rem))
	copy(out, rem)
	return out
}

// Restore replaces the chain with a copy of snapshot and resets the cursor.
func (c *Chain) Restore(snapshot []Handler) {
	hs := make([]Handler, len(snapshot))
	copy(hs, snapshot)
	c.handlers = hs
	c.pos = 0
}

// Append adds handlers at the end of the chain.
func (c *Chain) Append(handlers ...Handler) {
	c.handlers = append(c.handlers, handlers...)
}

// InsertNext places h at the cursor so it runs on the next InvokeNext.
func (c *Chain) InsertNext(h Handler) {
	hs := make([]Handler, 0, len(c.handlers)+1)
	hs = append(hs, c.handlers[:c.pos]...)
	hs = append(hs, h)
	hs = append(hs, c.handlers[c.pos:]...)
	c.handlers = hs
}
