package log

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"unicode/utf8"
)

// AppendBeginMarker starts a JSON object.
func AppendBeginMarker(buf *bytes.Buffer) {
	buf.WriteByte('{')
}

// AppendEndMarker closes a JSON object.
func AppendEndMarker(buf *bytes.Buffer) {
	buf.WriteByte('}')
}

// AppendKey appends `"key":`, preceded by a comma unless it is the first key.
func AppendKey(buf *bytes.Buffer, key string) {
	if buf.Len() >= 1 && buf.Bytes()[buf.Len()-1] != '{' {
		buf.WriteByte(',')
	}
	AppendString(buf, key)
	buf.WriteByte(':')
}

func AppendNil(buf *bytes.Buffer) {
	buf.WriteString("null")
}

func AppendLineBreak(buf *bytes.Buffer) {
	buf.WriteByte('\n')
}

func AppendBool(buf *bytes.Buffer, val bool) {
	buf.Write(strconv.AppendBool(buf.AvailableBuffer(), val))
}

func AppendInt64(buf *bytes.Buffer, val int64) {
	buf.Write(strconv.AppendInt(buf.AvailableBuffer(), val, 10))
}

func AppendUint64(buf *bytes.Buffer, val uint64) {
	buf.Write(strconv.AppendUint(buf.AvailableBuffer(), val, 10))
}

func AppendUint32s(buf *bytes.Buffer, vals []uint32) {
	buf.WriteByte('[')
	for i, v := range vals {
		if i > 0 {
			buf.WriteByte(',')
		}
		AppendUint64(buf, uint64(v))
	}
	buf.WriteByte(']')
}

// AppendFloat64 writes NaN and infinities as strings, since JSON has no literal for them.
func AppendFloat64(buf *bytes.Buffer, val float64) {
	switch {
	case math.IsNaN(val):
		buf.WriteString(`"NaN"`)
	case math.IsInf(val, 1):
		buf.WriteString(`"Inf"`)
	case math.IsInf(val, -1):
		buf.WriteString(`"-Inf"`)
	default:
		buf.Write(strconv.AppendFloat(buf.AvailableBuffer(), val, 'f', -1, 64))
	}
}

const _hex = "0123456789abcdef"

var _noEscapeTable = [256]bool{}

func init() {
	for i := 0; i <= 0x7e; i++ {
		_noEscapeTable[i] = i >= 0x20 && i != '\\' && i != '"'
	}
}

func AppendStrings(buf *bytes.Buffer, vals []string) {
	buf.WriteByte('[')
	for i, v := range vals {
		if i > 0 {
			buf.WriteByte(',')
		}
		AppendString(buf, v)
	}
	buf.WriteByte(']')
}

// AppendString appends s as a JSON string. Strings with nothing to escape are
// copied in one write.
func AppendString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if !_noEscapeTable[s[i]] {
			appendStringComplex(buf, s)
			buf.WriteByte('"')
			return
		}
	}
	buf.WriteString(s)
	buf.WriteByte('"')
}

func AppendStringer(buf *bytes.Buffer, val fmt.Stringer) {
	if val == nil {
		AppendString(buf, "<nil>")
		return
	}
	AppendString(buf, val.String())
}

func appendStringComplex(buf *bytes.Buffer, s string) {
	start := 0
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b >= utf8.RuneSelf {
			r, size := utf8.DecodeRuneInString(s[i:])
			if r == utf8.RuneError && size == 1 {
				buf.WriteString(s[start:i])
				buf.WriteString(`�`)
				start = i + 1
				continue
			}
			i += size - 1
			continue
		}
		if _noEscapeTable[b] {
			continue
		}

		buf.WriteString(s[start:i])
		switch b {
		case '"', '\\':
			buf.WriteByte('\\')
			buf.WriteByte(b)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			buf.WriteString(`\u00`)
			buf.WriteByte(_hex[b>>4])
			buf.WriteByte(_hex[b&0xF])
		}
		start = i + 1
	}
	buf.WriteString(s[start:])
}
