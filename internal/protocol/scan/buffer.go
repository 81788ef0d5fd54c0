package scan

// buffer is an append-only byte window with a read cursor. Bytes before the
// cursor are consumed and may be compacted away; bytes after it never are.
type buffer struct {
	data []byte
	cur  int
}

// savepoint is a cursor position that a speculative parse can roll back to.
type savepoint int

func (b *buffer) append(p []byte) {
	b.data = append(b.data, p...)
}

func (b *buffer) remaining() []byte {
	return b.data[b.cur:]
}

func (b *buffer) len() int {
	return len(b.data) - b.cur
}

func (b *buffer) save() savepoint {
	return savepoint(b.cur)
}

func (b *buffer) restore(sp savepoint) {
	b.cur = int(sp)
}

func (b *buffer) advance(n int) {
	b.cur += n
}

// compact drops consumed bytes so the window holds at most one in-flight
// block plus whatever arrived after it.
func (b *buffer) compact() {
	if b.cur == 0 {
		return
	}
	n := copy(b.data, b.data[b.cur:])
	b.data = b.data[:n]
	b.cur = 0
	// release a large backing array once the stream drains
	if n == 0 && cap(b.data) > maxRetainedCap {
		b.data = nil
	}
}

const maxRetainedCap = 4 << 20
