// Package chunk provides the fixed-size buffers that carry transfer
// bytes between a data source and a data sink.
package chunk

// Size is the capacity of a single chunk in bytes.
const Size = 4096

// Chunk is a fixed-size buffer. A chunk is owned by exactly one of a
// Pool free list or a Queue at any time.
type Chunk struct {
	buf  [Size]byte
	next *Chunk
}

// Pool is a bounded free list of chunks shared by all transfers of a
// server. It is not safe for concurrent use.
type Pool struct {
	free  *Chunk
	n     int
	bound int
}

// NewPool returns a pool keeping at most bound idle chunks.
func NewPool(bound int) *Pool {
	if bound < 0 {
		bound = 0
	}
	return &Pool{bound: bound}
}

// Get pops an idle chunk or allocates a fresh one.
func (p *Pool) Get() *Chunk {
	c := p.free
	if c == nil {
		return new(Chunk)
	}
	p.free = c.next
	c.next = nil
	p.n--
	return c
}

// Put returns c to the free list. Chunks beyond the bound are left to
// the garbage collector.
func (p *Pool) Put(c *Chunk) {
	if c == nil || p.n >= p.bound {
		return
	}
	c.next = p.free
	p.free = c
	p.n++
}

// Len is the number of idle chunks.
func (p *Pool) Len() int { return p.n }

// Bound is the maximum number of idle chunks.
func (p *Pool) Bound() int { return p.bound }

// Queue is a FIFO of chunks holding the bytes read from a source and
// not yet written to the sink. Bytes are appended at the tail and
// consumed from the head, so order is preserved end to end.
type Queue struct {
	pool *Pool
	max  int

	head, tail       *Chunk
	headPos, tailPos int
	chunks           int
	buffered         int
}

// NewQueue returns an empty queue that links at most max chunks.
func NewQueue(pool *Pool, max int) *Queue {
	if max < 1 {
		max = 1
	}
	return &Queue{pool: pool, max: max}
}

// Writable returns the free span at the tail, linking a new chunk when
// the current tail is full. It returns nil once max chunks are linked
// and all of them are full.
func (q *Queue) Writable() []byte {
	if q.tail == nil || q.tailPos == Size {
		if q.chunks >= q.max {
			return nil
		}
		c := q.pool.Get()
		if q.tail == nil {
			q.head = c
			q.headPos = 0
		} else {
			q.tail.next = c
		}
		q.tail = c
		q.tailPos = 0
		q.chunks++
	}
	return q.tail.buf[q.tailPos:]
}

// Commit records that n bytes were written into the span returned by
// the last call to Writable.
func (q *Queue) Commit(n int) {
	q.tailPos += n
	q.buffered += n
}

// Readable returns the buffered span at the head, or nil when empty.
func (q *Queue) Readable() []byte {
	if q.head == nil {
		return nil
	}
	end := Size
	if q.head == q.tail {
		end = q.tailPos
	}
	return q.head.buf[q.headPos:end]
}

// Consume drops n bytes from the head, recycling exhausted chunks.
func (q *Queue) Consume(n int) {
	q.headPos += n
	q.buffered -= n
	if q.headPos < Size {
		if q.head == q.tail && q.headPos == q.tailPos {
			// Drained: rewind so the tail chunk is refilled from the start.
			q.headPos, q.tailPos = 0, 0
		}
		return
	}
	c := q.head
	q.head = c.next
	q.headPos = 0
	if q.head == nil {
		q.tail = nil
		q.tailPos = 0
	}
	c.next = nil
	q.chunks--
	q.pool.Put(c)
}

// Buffered is the number of bytes in flight.
func (q *Queue) Buffered() int { return q.buffered }

// Empty reports whether no bytes are buffered.
func (q *Queue) Empty() bool { return q.buffered == 0 }

// Chunks is the number of chunks currently linked.
func (q *Queue) Chunks() int { return q.chunks }

// Reset releases every linked chunk back to the pool.
func (q *Queue) Reset() {
	for c := q.head; c != nil; {
		next := c.next
		c.next = nil
		q.pool.Put(c)
		c = next
	}
	q.head, q.tail = nil, nil
	q.headPos, q.tailPos = 0, 0
	q.chunks = 0
	q.buffered = 0
}
