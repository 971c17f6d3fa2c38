package ntio

import (
	"io"
	"sync"
	"sync/atomic"
)

// Kind discriminates the Data tagged union, per §3/§4.10.
type Kind int

const (
	// KindUndefined is the zero value of Data.
	KindUndefined Kind = iota
	// KindOwned is a single owned, reference-counted byte buffer.
	KindOwned
	// KindView is a single const byte view (no ownership).
	KindView
	// KindViewArray is an array of const byte views.
	KindViewArray
	// KindMutableView is a single mutable byte view.
	KindMutableView
	// KindMutableViewArray is an array of mutable byte views.
	KindMutableViewArray
	// KindChain is a chained buffer of reference-counted segments.
	KindChain
	// KindChainRef is a shared reference to a Chain.
	KindChainRef
	// KindString is an immutable string.
	KindString
	// KindFileRegion is a file region (descriptor, position, remaining).
	KindFileRegion
)

// FileRegion names a byte range of an open file descriptor, per §3's
// "file region (descriptor, position, bytesRemaining)" variant.
type FileRegion struct {
	Reader    io.ReaderAt
	Position  int64
	Remaining int64
}

// segment is one reference-counted link in a Chain.
type segment struct {
	buf  []byte
	refs atomic.Int32
}

func newSegment(buf []byte) *segment {
	s := &segment{buf: buf}
	s.refs.Store(1)
	return s
}

func (s *segment) retain() *segment {
	s.refs.Add(1)
	return s
}

func (s *segment) release(pool *ChainPool) {
	if s.refs.Add(-1) == 0 && pool != nil {
		pool.put(s.buf)
	}
}

// ChainPool is an injectable allocator for Chain segments, matching
// §4.10's "a factory for chained buffers may be injected to allow
// constructing the chained variant directly."
type ChainPool struct {
	pool sync.Pool
}

// NewChainPool constructs a ChainPool whose segments default to
// segmentSize bytes of capacity when Get is called with cap <= 0.
func NewChainPool(segmentSize int) *ChainPool {
	if segmentSize <= 0 {
		segmentSize = 4096
	}
	cp := &ChainPool{}
	cp.pool.New = func() any {
		return make([]byte, 0, segmentSize)
	}
	return cp
}

// Get returns a zero-length buffer with at least the requested capacity.
func (cp *ChainPool) Get(capacity int) []byte {
	if cp == nil {
		return make([]byte, 0, capacity)
	}
	buf := cp.pool.Get().([]byte)[:0]
	if cap(buf) < capacity {
		return make([]byte, 0, capacity)
	}
	return buf
}

func (cp *ChainPool) put(buf []byte) {
	if cp == nil {
		return
	}
	cp.pool.Put(buf[:0])
}

// Chain is a singly linked list of reference-counted byte segments,
// forming the "chained buffer" variant. Chains are built by Append and
// consumed head-first by Pop, which is exactly the write/read queue
// byte-storage shape used by the stream package.
type Chain struct {
	pool       *ChainPool
	head, tail *chainNode
	size       int
}

type chainNode struct {
	seg  *segment
	off  int // offset of unconsumed data within seg.buf
	next *chainNode
}

// NewChain constructs an empty Chain. A nil pool falls back to plain
// heap allocation for new segments.
func NewChain(pool *ChainPool) *Chain {
	return &Chain{pool: pool}
}

// Size returns the number of unconsumed bytes in the chain.
func (c *Chain) Size() int {
	if c == nil {
		return 0
	}
	return c.size
}

// AppendBytes appends a copy of buf as a new owned segment.
func (c *Chain) AppendBytes(buf []byte) {
	if len(buf) == 0 {
		return
	}
	dst := c.pool.Get(len(buf))
	dst = append(dst, buf...)
	c.appendSegment(newSegment(dst), 0, len(dst))
}

// appendSegment links an existing segment onto the tail of the chain,
// covering seg.buf[off:]; the length argument is not used. The chain
// takes over the caller's reference to seg and does not retain another.
func (c *Chain) appendSegment(seg *segment, off, length int) {
	node := &chainNode{seg: seg, off: off}
	_ = length
	if c.tail == nil {
		c.head, c.tail = node, node
	} else {
		c.tail.next = node
		c.tail = node
	}
	c.size += len(seg.buf) - off
}

// Pop removes the first n bytes from the chain in place, per §4.10.
func (c *Chain) Pop(n int) {
	if n <= 0 || c == nil {
		return
	}
	if n > c.size {
		n = c.size
	}
	remaining := n
	for remaining > 0 && c.head != nil {
		avail := len(c.head.seg.buf) - c.head.off
		if avail > remaining {
			c.head.off += remaining
			c.size -= remaining
			remaining = 0
			break
		}
		remaining -= avail
		c.size -= avail
		dead := c.head
		c.head = c.head.next
		dead.seg.release(c.pool)
		if c.head == nil {
			c.tail = nil
		}
	}
}

// Bytes copies out the full unconsumed contents of the chain. It is a
// convenience for tests and for Copy's destination realization.
func (c *Chain) Bytes() []byte {
	if c == nil || c.size == 0 {
		return nil
	}
	out := make([]byte, 0, c.size)
	for n := c.head; n != nil; n = n.next {
		out = append(out, n.seg.buf[n.off:]...)
	}
	return out
}

// Data is the tagged-union value type described by §3/§4.10.
type Data struct {
	kind       Kind
	owned      []byte
	view       []byte
	viewArray  [][]byte
	str        string
	chain      *Chain
	chainRef   *Chain
	fileRegion FileRegion
}

// Undefined is the zero-value Data.
var Undefined = Data{}

// FromBytes constructs an owned Data from buf (copies nothing; takes
// ownership of the slice as given, matching a fresh allocation handed
// off by the caller).
func FromBytes(buf []byte) Data { return Data{kind: KindOwned, owned: buf} }

// FromView constructs a const byte view Data (no ownership implied).
func FromView(buf []byte) Data { return Data{kind: KindView, view: buf} }

// FromViewArray constructs a scatter-gather array of const views.
func FromViewArray(views [][]byte) Data { return Data{kind: KindViewArray, viewArray: views} }

// FromString constructs an immutable string Data.
func FromString(s string) Data { return Data{kind: KindString, str: s} }

// FromChain constructs a KindChain Data that owns an existing Chain
// directly; FromChainRef builds the shared-reference KindChainRef form.
func FromChain(c *Chain) Data { return Data{kind: KindChain, chain: c} }

// FromChainRef constructs a Data holding a shared, non-owning reference
// to a Chain that outlives this Data.
func FromChainRef(c *Chain) Data { return Data{kind: KindChainRef, chainRef: c} }

// FromFileRegion constructs a file-region Data per §3.
func FromFileRegion(r FileRegion) Data { return Data{kind: KindFileRegion, fileRegion: r} }

// Kind reports the active variant.
func (d Data) Kind() Kind { return d.kind }

// Size returns the per-variant byte length; for file regions this is
// Remaining.
func (d Data) Size() int64 {
	switch d.kind {
	case KindUndefined:
		return 0
	case KindOwned:
		return int64(len(d.owned))
	case KindView, KindMutableView:
		return int64(len(d.view))
	case KindViewArray, KindMutableViewArray:
		var n int64
		for _, v := range d.viewArray {
			n += int64(len(v))
		}
		return n
	case KindString:
		return int64(len(d.str))
	case KindChain:
		return int64(d.chain.Size())
	case KindChainRef:
		return int64(d.chainRef.Size())
	case KindFileRegion:
		return d.fileRegion.Remaining
	default:
		return 0
	}
}

// Append copies or references src's bytes into dest, returning the
// number of bytes appended. For file regions it reads from the
// descriptor at the recorded position, advancing nothing in the source
// (the FileRegion value itself stays logically immutable; callers that
// want to consume must Pop separately, per §4.10).
func Append(dest *Chain, src Data) (int, error) {
	switch src.kind {
	case KindUndefined:
		return 0, nil
	case KindOwned:
		dest.AppendBytes(src.owned)
		return len(src.owned), nil
	case KindView, KindMutableView:
		dest.AppendBytes(src.view)
		return len(src.view), nil
	case KindViewArray, KindMutableViewArray:
		var n int
		for _, v := range src.viewArray {
			dest.AppendBytes(v)
			n += len(v)
		}
		return n, nil
	case KindString:
		dest.AppendBytes([]byte(src.str))
		return len(src.str), nil
	case KindChain:
		b := src.chain.Bytes()
		dest.AppendBytes(b)
		return len(b), nil
	case KindChainRef:
		b := src.chainRef.Bytes()
		dest.AppendBytes(b)
		return len(b), nil
	case KindFileRegion:
		buf := make([]byte, src.fileRegion.Remaining)
		n, err := src.fileRegion.Reader.ReadAt(buf, src.fileRegion.Position)
		if n > 0 {
			dest.AppendBytes(buf[:n])
		}
		if err == io.EOF {
			err = nil
		}
		return n, err
	default:
		return 0, New(CodeInvalid)
	}
}

// Pop removes the first n bytes from src in place, per §4.10. For
// byte-backed variants, including KindString, this re-slices the held
// value past the first n bytes. For file regions it advances Position
// and reduces Remaining.
func Pop(src *Data, n int) error {
	if n < 0 {
		return New(CodeInvalid)
	}
	switch src.kind {
	case KindUndefined:
		if n == 0 {
			return nil
		}
		return New(CodeInvalid)
	case KindOwned:
		if n > len(src.owned) {
			return New(CodeInvalid)
		}
		src.owned = src.owned[n:]
		return nil
	case KindView:
		if n > len(src.view) {
			return New(CodeInvalid)
		}
		src.view = src.view[n:]
		return nil
	case KindMutableView:
		if n > len(src.view) {
			return New(CodeInvalid)
		}
		src.view = src.view[n:]
		return nil
	case KindChain:
		if int64(n) > src.Size() {
			return New(CodeInvalid)
		}
		src.chain.Pop(n)
		return nil
	case KindChainRef:
		if int64(n) > src.Size() {
			return New(CodeInvalid)
		}
		src.chainRef.Pop(n)
		return nil
	case KindFileRegion:
		if int64(n) > src.fileRegion.Remaining {
			return New(CodeInvalid)
		}
		src.fileRegion.Position += int64(n)
		src.fileRegion.Remaining -= int64(n)
		return nil
	case KindViewArray, KindMutableViewArray:
		remaining := n
		idx := 0
		for remaining > 0 && idx < len(src.viewArray) {
			v := src.viewArray[idx]
			if len(v) > remaining {
				src.viewArray[idx] = v[remaining:]
				remaining = 0
				break
			}
			remaining -= len(v)
			idx++
		}
		if remaining > 0 {
			return New(CodeInvalid)
		}
		src.viewArray = src.viewArray[idx:]
		return nil
	case KindString:
		if n > len(src.str) {
			return New(CodeInvalid)
		}
		src.str = src.str[n:]
		return nil
	default:
		return New(CodeInvalid)
	}
}

// Copy serializes src into w, returning an error on short write.
func Copy(w io.Writer, src Data) error {
	write := func(b []byte) error {
		if len(b) == 0 {
			return nil
		}
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n != len(b) {
			return New(CodeOther)
		}
		return nil
	}
	switch src.kind {
	case KindUndefined:
		return nil
	case KindOwned:
		return write(src.owned)
	case KindView, KindMutableView:
		return write(src.view)
	case KindViewArray, KindMutableViewArray:
		for _, v := range src.viewArray {
			if err := write(v); err != nil {
				return err
			}
		}
		return nil
	case KindString:
		return write([]byte(src.str))
	case KindChain:
		return write(src.chain.Bytes())
	case KindChainRef:
		return write(src.chainRef.Bytes())
	case KindFileRegion:
		buf := make([]byte, src.fileRegion.Remaining)
		n, err := src.fileRegion.Reader.ReadAt(buf, src.fileRegion.Position)
		if err != nil && err != io.EOF {
			return err
		}
		return write(buf[:n])
	default:
		return New(CodeInvalid)
	}
}

// Equal compares two Data values size-first, then byte-wise by
// realizing both as flat buffers, per §4.10/§8#9.
func Equal(a, b Data) bool {
	if a.Size() != b.Size() {
		return false
	}
	var bufA, bufB Chain
	_, _ = Append(&bufA, a)
	_, _ = Append(&bufB, b)
	ba, bb := bufA.Bytes(), bufB.Bytes()
	if len(ba) != len(bb) {
		return false
	}
	for i := range ba {
		if ba[i] != bb[i] {
			return false
		}
	}
	return true
}

// Bytes realizes the Data as a single flat byte slice, for callers that
// need direct access (e.g. synchronous receive delivery).
func (d Data) Bytes() []byte {
	var c Chain
	_, _ = Append(&c, d)
	return c.Bytes()
}
