package message

import (
	"bytes"
	"fmt"
	"unsafe"
)

// Message is a view of a buffer laid out by a Layout. Active is the index of the
// layer currently interpreting the message.
type Message struct {
	layout *Layout
	buf    []byte
	active int
}

func checkActive(l *Layout, active int) error {
	if active < 0 || active >= l.NumHeaders() {
		return fmt.Errorf("active layer %d out of range [0,%d)", active, l.NumHeaders())
	}
	return nil
}

// New allocates a zeroed, aligned message.
func New(l *Layout, active int) (*Message, error) {
	if err := checkActive(l, active); err != nil {
		return nil, err
	}
	words := make([]uint64, (l.Size()+7)/8)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), l.Size())
	return &Message{layout: l, buf: buf, active: active}, nil
}

// View overlays l on buf without copying. buf must be 8-byte aligned and hold at
// least l.Size() bytes.
func View(l *Layout, buf []byte, active int) (*Message, error) {
	if err := checkActive(l, active); err != nil {
		return nil, err
	}
	if len(buf) < l.Size() {
		return nil, fmt.Errorf("buffer of %d bytes shorter than layout %d", len(buf), l.Size())
	}
	if uintptr(unsafe.Pointer(&buf[0]))%uintptr(l.Align()) != 0 {
		return nil, fmt.Errorf("buffer not aligned to %d", l.Align())
	}
	return &Message{layout: l, buf: buf[:l.Size()], active: active}, nil
}

// Layout returns the layout the message was built with.
func (m *Message) Layout() *Layout { return m.layout }

// Active returns the lowest layer whose header is in use.
func (m *Message) Active() int { return m.active }

// SetActive moves the message to layer n.
func (m *Message) SetActive(n int) error {
	if err := checkActive(m.layout, n); err != nil {
		return err
	}
	m.active = n
	return nil
}

// Bytes returns the whole message.
func (m *Message) Bytes() []byte { return m.buf }

// Header returns the bytes of header i.
func (m *Message) Header(i int) []byte {
	off := m.layout.HeaderOffset(i)
	return m.buf[off : off+m.layout.HeaderSize(i)]
}

// Payload returns the payload bytes.
func (m *Message) Payload() []byte {
	off := m.layout.PayloadOffset()
	return m.buf[off : off+m.layout.PayloadSize()]
}

// HeaderAs overlays *T on header i. It panics if T is larger than the header.
func HeaderAs[T any](m *Message, i int) *T {
	var v T
	if unsafe.Sizeof(v) > uintptr(m.layout.HeaderSize(i)) {
		panic(fmt.Sprintf("header %d of %d bytes cannot hold %T", i, m.layout.HeaderSize(i), v))
	}
	if unsafe.Sizeof(v) == 0 {
		return &v
	}
	return (*T)(unsafe.Pointer(&m.buf[m.layout.HeaderOffset(i)]))
}

// PayloadAs overlays *T on the payload. It panics if T is larger than the payload.
func PayloadAs[T any](m *Message) *T {
	var v T
	if unsafe.Sizeof(v) > uintptr(m.layout.PayloadSize()) {
		panic(fmt.Sprintf("payload of %d bytes cannot hold %T", m.layout.PayloadSize(), v))
	}
	if unsafe.Sizeof(v) == 0 {
		return &v
	}
	return (*T)(unsafe.Pointer(&m.buf[m.layout.PayloadOffset()]))
}

// Equal compares the headers up to the active layer and the payload.
func (m *Message) Equal(o *Message) bool {
	if m.active != o.active || m.layout.NumHeaders() != o.layout.NumHeaders() {
		return false
	}
	for i := 0; i <= m.active; i++ {
		if !bytes.Equal(m.Header(i), o.Header(i)) {
			return false
		}
	}
	return bytes.Equal(m.Payload(), o.Payload())
}
