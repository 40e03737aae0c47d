package binary

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/angleto/wacore/jid"
)

// Marshal encodes a Node into the frame payload that the transport writes
// after the 3-byte length prefix: a leading flag byte (bit 0x02 set when the
// remainder is zlib-deflated) followed by the binary tree.
func Marshal(n *Node, compress bool) ([]byte, error) {
	var body bytes.Buffer
	if err := encodeNode(&body, n); err != nil {
		return nil, err
	}

	if !compress {
		return append([]byte{0}, body.Bytes()...), nil
	}

	var compressed bytes.Buffer
	w := zlib.NewWriter(&compressed)
	if _, err := w.Write(body.Bytes()); err != nil {
		return nil, fmt.Errorf("binary: deflate: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("binary: deflate close: %w", err)
	}
	return append([]byte{0x02}, compressed.Bytes()...), nil
}

func encodeNode(buf *bytes.Buffer, n *Node) error {
	attrCount := len(n.Attrs)
	listSize := 1 + attrCount*2
	hasContent := n.Content != nil
	if hasContent {
		listSize++
	}
	writeListSize(buf, listSize)

	if err := writeString(buf, n.Tag); err != nil {
		return err
	}

	for k, v := range n.Attrs {
		if err := writeString(buf, k); err != nil {
			return err
		}
		if err := writeAttrValue(buf, v); err != nil {
			return err
		}
	}

	if !hasContent {
		return nil
	}
	switch c := n.Content.(type) {
	case []byte:
		writeBinary(buf, c)
	case []Node:
		writeListSize(buf, len(c))
		for i := range c {
			if err := encodeNode(buf, &c[i]); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("binary: unsupported content type %T", c)
	}
	return nil
}

func writeAttrValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case string:
		return writeString(buf, t)
	case bool:
		if t {
			return writeString(buf, "true")
		}
		return writeString(buf, "false")
	case int64:
		return writeString(buf, strconv.FormatInt(t, 10))
	case int:
		return writeString(buf, strconv.Itoa(t))
	case jid.Jid:
		writeJid(buf, t)
		return nil
	default:
		return fmt.Errorf("binary: unsupported attribute value type %T", v)
	}
}

func writeListSize(buf *bytes.Buffer, size int) {
	if size == 0 {
		buf.WriteByte(tagListEmpty)
		return
	}
	if size < 256 {
		buf.WriteByte(tagList8)
		buf.WriteByte(byte(size))
		return
	}
	buf.WriteByte(tagList16)
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(size))
	buf.Write(b[:])
}

func writeJid(buf *bytes.Buffer, j jid.Jid) {
	if j.Device > 0 {
		buf.WriteByte(tagCompanionJid)
		buf.WriteByte(1) // agent marker, reserved
		var dev [2]byte
		binary.BigEndian.PutUint16(dev[:], j.Device)
		buf.Write(dev[:])
		_ = writeString(buf, j.User)
		_ = writeString(buf, string(j.Server))
		return
	}
	buf.WriteByte(tagJidPair)
	_ = writeString(buf, j.User)
	_ = writeString(buf, string(j.Server))
}

func writeString(buf *bytes.Buffer, s string) error {
	if s == "" {
		writeBinary(buf, nil)
		return nil
	}
	if dict, idx, ok := tokenIndex(s); ok {
		if dict < 0 {
			buf.WriteByte(byte(idx))
			return nil
		}
		buf.WriteByte(byte(tagDictionary0 + dict))
		buf.WriteByte(byte(idx))
		return nil
	}
	if packed, ok := packNibble(s); ok {
		buf.WriteByte(tagNibble8)
		buf.WriteByte(byte(len(s)))
		buf.Write(packed)
		return nil
	}
	if packed, ok := packHex(s); ok {
		buf.WriteByte(tagHex8)
		buf.WriteByte(byte(len(s)))
		buf.Write(packed)
		return nil
	}
	writeBinary(buf, []byte(s))
	return nil
}

func writeBinary(buf *bytes.Buffer, b []byte) {
	switch {
	case len(b) < 256:
		buf.WriteByte(tagBinary8)
		buf.WriteByte(byte(len(b)))
	case len(b) < 1<<20:
		buf.WriteByte(tagBinary20)
		var tmp [3]byte
		put20(tmp[:], len(b))
		buf.Write(tmp[:])
	default:
		buf.WriteByte(tagBinary32)
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(len(b)))
		buf.Write(tmp[:])
	}
	buf.Write(b)
}

func put20(dst []byte, v int) {
	dst[0] = byte(v >> 16)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v)
}

func packNibble(s string) ([]byte, bool) {
	if len(s) == 0 || len(s) > 255 {
		return nil, false
	}
	nibbles := make([]int, len(s))
	for i, c := range []byte(s) {
		n, ok := nibbleIndex(c)
		if !ok {
			return nil, false
		}
		nibbles[i] = n
	}
	out := make([]byte, (len(nibbles)+1)/2)
	for i, n := range nibbles {
		if i%2 == 0 {
			out[i/2] = byte(n) << 4
		} else {
			out[i/2] |= byte(n)
		}
	}
	if len(nibbles)%2 == 1 {
		out[len(out)-1] |= 0x0F
	}
	return out, true
}

func packHex(s string) ([]byte, bool) {
	if len(s) == 0 || len(s) > 255 {
		return nil, false
	}
	digits := make([]int, len(s))
	for i, c := range []byte(s) {
		d, ok := hexIndex(c)
		if !ok {
			return nil, false
		}
		digits[i] = d
	}
	out := make([]byte, (len(digits)+1)/2)
	for i, d := range digits {
		if i%2 == 0 {
			out[i/2] = byte(d) << 4
		} else {
			out[i/2] |= byte(d)
		}
	}
	if len(digits)%2 == 1 {
		out[len(out)-1] |= 0x0F
	}
	return out, true
}
