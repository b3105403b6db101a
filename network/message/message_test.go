package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type portHeader struct {
	Dst, Src uint16
}

type sessionHeader struct {
	ID, Kind uint8
}

type wide struct {
	A uint64
	B uint8
}

func TestLayoutOffsets(t *testing.T) {
	l, err := NewLayout(FieldOf[wide](), Placeholder, FieldOf[portHeader](), FieldOf[sessionHeader](), Placeholder)
	require.NoError(t, err)

	assert.Equal(t, 0, l.HeaderOffset(0))
	assert.Equal(t, 0, l.HeaderOffset(1))
	assert.Equal(t, 4, l.HeaderOffset(2))
	assert.Equal(t, 6, l.HeaderOffset(3))
	assert.Equal(t, 8, l.PayloadOffset())
	assert.Equal(t, 24, l.Size())
	assert.Equal(t, 8, l.Align())

	for i := 0; i+1 < l.NumHeaders(); i++ {
		assert.LessOrEqual(t, l.HeaderOffset(i), l.HeaderOffset(i+1))
		assert.GreaterOrEqual(t, l.HeaderOffset(i+1)-l.HeaderOffset(i), l.HeaderSize(i))
	}
}

func TestLayoutPadding(t *testing.T) {
	l, err := NewLayout(FieldOf[uint32](), FieldOf[uint8]())
	require.NoError(t, err)
	assert.Equal(t, 4, l.PayloadOffset())
	assert.Equal(t, 8, l.Size())

	l, err = NewLayout(Bytes(3), FieldOf[sessionHeader]())
	require.NoError(t, err)
	assert.Equal(t, 2, l.PayloadOffset())
	assert.Equal(t, 8, l.Size())
}

func TestLayoutAllPlaceholders(t *testing.T) {
	l, err := NewLayout(Placeholder, Placeholder, Placeholder)
	require.NoError(t, err)
	assert.Equal(t, 1, l.Size())
	m, err := New(l, 1)
	require.NoError(t, err)
	assert.Empty(t, m.Payload())
}

func TestLayoutTooManyHeaders(t *testing.T) {
	_, err := NewLayout(Placeholder, Placeholder, Placeholder, Placeholder, Placeholder, Placeholder)
	assert.Error(t, err)
	assert.Panics(t, func() {
		MustLayout(Placeholder, Placeholder, Placeholder, Placeholder, Placeholder, Placeholder)
	})
}

func TestMessageActiveRange(t *testing.T) {
	l := MustLayout(Bytes(8), Placeholder, FieldOf[portHeader]())
	_, err := New(l, 2)
	assert.Error(t, err)
	_, err = New(l, -1)
	assert.Error(t, err)
	_, err = View(l, make([]byte, 64), 2)
	assert.Error(t, err)
}

func TestMessageRoundTrip(t *testing.T) {
	l := MustLayout(FieldOf[wide](), Placeholder, FieldOf[portHeader](), FieldOf[sessionHeader](), Placeholder)
	m, err := New(l, 3)
	require.NoError(t, err)

	*HeaderAs[portHeader](m, 1) = portHeader{Dst: 7, Src: 9}
	*HeaderAs[sessionHeader](m, 2) = sessionHeader{ID: 3, Kind: 1}
	*PayloadAs[wide](m) = wide{A: 42, B: 1}

	v, err := View(l, m.Bytes(), 3)
	require.NoError(t, err)
	assert.Equal(t, portHeader{Dst: 7, Src: 9}, *HeaderAs[portHeader](v, 1))
	assert.Equal(t, sessionHeader{ID: 3, Kind: 1}, *HeaderAs[sessionHeader](v, 2))
	assert.Equal(t, wide{A: 42, B: 1}, *PayloadAs[wide](v))
	assert.True(t, m.Equal(v))

	other, err := New(l, 3)
	require.NoError(t, err)
	assert.False(t, m.Equal(other))
	copy(other.Bytes(), m.Bytes())
	assert.True(t, m.Equal(other))
	HeaderAs[sessionHeader](other, 2).ID = 4
	assert.False(t, m.Equal(other))
}

func TestMessageEqualIgnoresInactiveHeaders(t *testing.T) {
	l := MustLayout(Bytes(4), FieldOf[portHeader](), FieldOf[sessionHeader]())
	a, _ := New(l, 0)
	b, _ := New(l, 0)
	HeaderAs[sessionHeader](b, 1).Kind = 9
	assert.True(t, a.Equal(b))
}

func TestViewChecks(t *testing.T) {
	l := MustLayout(Bytes(16), Placeholder)
	_, err := View(l, make([]byte, 8), 0)
	assert.Error(t, err)

	m, _ := New(l, 0)
	_, err = View(l, m.Bytes()[1:], 0)
	assert.Error(t, err)
}

func TestOverlayTooLarge(t *testing.T) {
	l := MustLayout(Bytes(2), FieldOf[sessionHeader]())
	m, _ := New(l, 0)
	assert.Panics(t, func() { HeaderAs[portHeader](m, 0) })
	assert.Panics(t, func() { PayloadAs[uint64](m) })
}
