// Package message lays out PIPC messages: up to four stacked layer headers followed
// by a payload, placed in one buffer with struct-like alignment so that both ends of
// a socket agree on every offset.
package message

import (
	"fmt"
	"unsafe"
)

const (
	// MaxHeaders is the number of layer headers a layout can hold.
	MaxHeaders = 4
	// MinAlign is the alignment floor of every message.
	MinAlign = 8
)

// Field is the size and alignment of one header or payload type.
type Field struct {
	Size  uintptr
	Align uintptr
}

// Placeholder is a header that takes no space.
var Placeholder = Field{Size: 0, Align: 1}

// FieldOf describes T.
func FieldOf[T any]() Field {
	var v T
	return Field{Size: unsafe.Sizeof(v), Align: unsafe.Alignof(v)}
}

// Bytes describes an opaque payload of n bytes.
func Bytes(n int) Field {
	return Field{Size: uintptr(n), Align: 1}
}

// Layout is the computed placement of headers and payload.
type Layout struct {
	headers []Field
	offsets []uintptr
	payload Field
	payOff  uintptr
	align   uintptr
	size    uintptr
}

func alignUp(n, a uintptr) uintptr {
	if a <= 1 {
		return n
	}
	return (n + a - 1) / a * a
}

// NewLayout places headers in order, then the payload. Zero sized fields add neither
// bytes nor padding.
func NewLayout(payload Field, headers ...Field) (*Layout, error) {
	if len(headers) > MaxHeaders {
		return nil, fmt.Errorf("layout has %d headers, at most %d allowed", len(headers), MaxHeaders)
	}
	l := &Layout{
		headers: append([]Field(nil), headers...),
		offsets: make([]uintptr, len(headers)),
		payload: payload,
		align:   MinAlign,
	}

	var off uintptr
	place := func(f Field) uintptr {
		if f.Size == 0 {
			return off
		}
		if f.Align > l.align {
			l.align = f.Align
		}
		start := alignUp(off, f.Align)
		off = start + f.Size
		return start
	}
	for i, h := range headers {
		l.offsets[i] = place(h)
	}
	l.payOff = place(payload)

	l.size = alignUp(off, l.align)
	if l.size == 0 {
		l.size = 1
	}
	return l, nil
}

// MustLayout is NewLayout for layouts known to be valid.
func MustLayout(payload Field, headers ...Field) *Layout {
	l, err := NewLayout(payload, headers...)
	if err != nil {
		panic(err)
	}
	return l
}

// Size returns the total message size in bytes.
func (l *Layout) Size() int { return int(l.size) }

// Align returns the alignment of the whole message.
func (l *Layout) Align() int { return int(l.align) }

// NumHeaders returns the number of header slots, placeholders included.
func (l *Layout) NumHeaders() int { return len(l.headers) }

// PayloadOffset returns where the payload starts.
func (l *Layout) PayloadOffset() int { return int(l.payOff) }

// PayloadSize returns the payload length.
func (l *Layout) PayloadSize() int { return int(l.payload.Size) }

// HeaderOffset returns where header i starts.
func (l *Layout) HeaderOffset(i int) int { return int(l.offsets[i]) }

// HeaderSize returns the length of header i. Placeholders are 0.
func (l *Layout) HeaderSize(i int) int { return int(l.headers[i].Size) }
