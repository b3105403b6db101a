package procreg

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/linchenxuan/pipc/network/retcode"
	"github.com/linchenxuan/pipc/network/socket"
	"google.golang.org/protobuf/encoding/protowire"
)

// MaxNameLen bounds the process name carried in a Request.
const MaxNameLen = 64

// Field numbers of the request and reply records.
const (
	fieldName  protowire.Number = 1
	fieldUID   protowire.Number = 2
	fieldNonce protowire.Number = 3
	fieldNode  protowire.Number = 4
	fieldCode  protowire.Number = 5
)

// maxFrame bounds one length-prefixed record on the connection.
const maxFrame = 256

var errMalformed = errors.New("procreg: malformed record")

// Request asks the daemon for a node id.
type Request struct {
	Name  string
	UID   uint32
	Nonce uuid.UUID
}

// Reply carries the assigned node id, or a non-OK Result.
type Reply struct {
	Node   socket.NodeID
	Result retcode.ReturnCode
	Nonce  uuid.UUID
}

func (r *Request) marshal() ([]byte, error) {
	if len(r.Name) == 0 || len(r.Name) > MaxNameLen {
		return nil, fmt.Errorf("process name length %d not in [1,%d]", len(r.Name), MaxNameLen)
	}
	b := protowire.AppendTag(nil, fieldName, protowire.BytesType)
	b = protowire.AppendString(b, r.Name)
	b = protowire.AppendTag(b, fieldUID, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, r.UID)
	b = protowire.AppendTag(b, fieldNonce, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Nonce[:])
	return b, nil
}

func (r *Request) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 || len(v) > MaxNameLen {
				return -1, errMalformed
			}
			r.Name = v
			return n, nil
		case num == fieldUID && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			r.UID = v
			return n, nil
		case num == fieldNonce && typ == protowire.BytesType:
			return consumeNonce(b, &r.Nonce)
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func (r *Reply) marshal() []byte {
	b := protowire.AppendTag(nil, fieldNode, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, uint32(r.Node))
	b = protowire.AppendTag(b, fieldCode, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, uint32(r.Result))
	b = protowire.AppendTag(b, fieldNonce, protowire.BytesType)
	return protowire.AppendBytes(b, r.Nonce[:])
}

func (r *Reply) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldNode && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			r.Node = socket.NodeID(v)
			return n, nil
		case num == fieldCode && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			r.Result = retcode.ReturnCode(v)
			return n, nil
		case num == fieldNonce && typ == protowire.BytesType:
			return consumeNonce(b, &r.Nonce)
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func consumeNonce(b []byte, dst *uuid.UUID) (int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	id, err := uuid.FromBytes(v)
	if err != nil {
		return -1, errMalformed
	}
	*dst = id
	return n, nil
}

// walk calls field for every field in b. field returns the bytes consumed.
func walk(b []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errMalformed
		}
		b = b[n:]
		m, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return errMalformed
		}
		b = b[m:]
	}
	return nil
}

func writeFrame(w io.Writer, body []byte) error {
	frame := protowire.AppendVarint(make([]byte, 0, len(body)+2), uint64(len(body)))
	_, err := w.Write(append(frame, body...))
	return err
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	n, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > maxFrame {
		return nil, fmt.Errorf("frame of %d bytes: %w", n, errMalformed)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// readUvarint reads the varint length prefix one byte at a time.
func readUvarint(r *bufio.Reader) (uint64, error) {
	var buf []byte
	for i := 0; i < protowire.SizeVarint(maxFrame)+1; i++ {
		c, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		buf = append(buf, c)
		if c < 0x80 {
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return 0, errMalformed
			}
			return v, nil
		}
	}
	return 0, errMalformed
}
