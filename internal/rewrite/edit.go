package rewrite

import (
	"bytes"
	"sort"
)

// buffer collects insertions against an immutable source and renders them in
// one pass. Offsets always refer to the original source.
type buffer struct {
	src   []byte
	edits []insertion
}

type insertion struct {
	offset int
	text   string
}

func newBuffer(src []byte) *buffer {
	return &buffer{src: src}
}

// Insert queues text at offset. Insertions at the same offset keep their
// queue order.
func (b *buffer) Insert(offset int, text string) {
	if offset < 0 || offset > len(b.src) {
		panic("rewrite: insertion offset out of range")
	}
	b.edits = append(b.edits, insertion{offset: offset, text: text})
}

func (b *buffer) Len() int {
	return len(b.edits)
}

// Bytes returns the source with every queued insertion applied.
func (b *buffer) Bytes() []byte {
	if len(b.edits) == 0 {
		return b.src
	}
	sort.SliceStable(b.edits, func(i, j int) bool {
		return b.edits[i].offset < b.edits[j].offset
	})

	var out bytes.Buffer
	size := len(b.src)
	for _, e := range b.edits {
		size += len(e.text)
	}
	out.Grow(size)

	last := 0
	for _, e := range b.edits {
		out.Write(b.src[last:e.offset])
		out.WriteString(e.text)
		last = e.offset
	}
	out.Write(b.src[last:])
	return out.Bytes()
}
