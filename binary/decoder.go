package binary

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/angleto/wacore/jid"
)

// Unmarshal decodes a frame payload produced by Marshal: a leading flag byte
// (bit 0x02 set when the remainder is zlib-deflated) followed by the binary
// tree.
func Unmarshal(data []byte) (*Node, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("binary: empty frame")
	}
	flag, body := data[0], data[1:]
	if flag&0x02 != 0 {
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("binary: inflate: %w", err)
		}
		inflated, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("binary: inflate read: %w", err)
		}
		body = inflated
	}
	r := &reader{buf: body}
	n, err := decodeNode(r)
	if err != nil {
		return nil, err
	}
	return n, nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) readByte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) peekByte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	return r.buf[r.pos], nil
}

func (r *reader) readN(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func readListSize(r *reader) (int, error) {
	tag, err := r.readByte()
	if err != nil {
		return 0, err
	}
	switch tag {
	case tagListEmpty:
		return 0, nil
	case tagList8:
		b, err := r.readByte()
		return int(b), err
	case tagList16:
		b, err := r.readN(2)
		if err != nil {
			return 0, err
		}
		return int(binary.BigEndian.Uint16(b)), nil
	default:
		return 0, fmt.Errorf("binary: expected list opcode, got 0x%02x", tag)
	}
}

func decodeNode(r *reader) (*Node, error) {
	size, err := readListSize(r)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("binary: node list size 0")
	}
	tag, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("binary: reading tag: %w", err)
	}

	remaining := size - 1
	attrCount := remaining / 2
	hasContent := remaining%2 == 1

	attrs := make(Attributes, attrCount)
	for i := 0; i < attrCount; i++ {
		key, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("binary: reading attr key: %w", err)
		}
		val, err := readAttrValue(r)
		if err != nil {
			return nil, fmt.Errorf("binary: reading attr %q: %w", key, err)
		}
		attrs[key] = val
	}

	n := &Node{Tag: tag, Attrs: attrs}
	if !hasContent {
		return n, nil
	}

	peeked, err := r.peekByte()
	if err != nil {
		return nil, err
	}
	if peeked == tagListEmpty || peeked == tagList8 || peeked == tagList16 {
		listSize, err := readListSize(r)
		if err != nil {
			return nil, err
		}
		children := make([]Node, 0, listSize)
		for i := 0; i < listSize; i++ {
			child, err := decodeNode(r)
			if err != nil {
				return nil, err
			}
			children = append(children, *child)
		}
		n.Content = children
		return n, nil
	}

	content, err := readBinaryValue(r)
	if err != nil {
		return nil, fmt.Errorf("binary: reading content: %w", err)
	}
	n.Content = content
	return n, nil
}

// readAttrValue decodes a single scalar attribute value: a Jid when tagged
// as such, otherwise a string.
func readAttrValue(r *reader) (interface{}, error) {
	peeked, err := r.peekByte()
	if err != nil {
		return nil, err
	}
	if peeked == tagJidPair || peeked == tagCompanionJid {
		return readJid(r)
	}
	return readString(r)
}

func readJid(r *reader) (jid.Jid, error) {
	tag, err := r.readByte()
	if err != nil {
		return jid.Jid{}, err
	}
	switch tag {
	case tagCompanionJid:
		if _, err := r.readByte(); err != nil { // agent marker
			return jid.Jid{}, err
		}
		devBytes, err := r.readN(2)
		if err != nil {
			return jid.Jid{}, err
		}
		device := binary.BigEndian.Uint16(devBytes)
		user, err := readString(r)
		if err != nil {
			return jid.Jid{}, err
		}
		server, err := readString(r)
		if err != nil {
			return jid.Jid{}, err
		}
		return jid.NewDevice(user, device, jid.Server(server)), nil
	case tagJidPair:
		user, err := readString(r)
		if err != nil {
			return jid.Jid{}, err
		}
		server, err := readString(r)
		if err != nil {
			return jid.Jid{}, err
		}
		return jid.NewPrimary(user, jid.Server(server)), nil
	default:
		return jid.Jid{}, fmt.Errorf("binary: expected jid opcode, got 0x%02x", tag)
	}
}

// readString decodes a token/packed/binary-encoded string value.
func readString(r *reader) (string, error) {
	b, err := readBinaryValue(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// readBinaryValue decodes any of the token/dictionary/nibble/hex/binary
// opcodes into raw bytes. Used for both string attribute values and raw
// (ciphertext) node content.
func readBinaryValue(r *reader) ([]byte, error) {
	tag, err := r.readByte()
	if err != nil {
		return nil, err
	}
	switch {
	case tag == tagDictionary0 || tag == tagDictionary1 || tag == tagDictionary2 || tag == tagDictionary3:
		idxB, err := r.readByte()
		if err != nil {
			return nil, err
		}
		dict := int(tag - tagDictionary0)
		if int(idxB) >= len(dictionaries[dict]) {
			return nil, fmt.Errorf("binary: dictionary %d index %d out of range", dict, idxB)
		}
		return []byte(dictionaries[dict][idxB]), nil
	case tag == tagNibble8:
		n, err := r.readByte()
		if err != nil {
			return nil, err
		}
		packed, err := r.readN((int(n) + 1) / 2)
		if err != nil {
			return nil, err
		}
		return unpackNibble(packed, int(n))
	case tag == tagHex8:
		n, err := r.readByte()
		if err != nil {
			return nil, err
		}
		packed, err := r.readN((int(n) + 1) / 2)
		if err != nil {
			return nil, err
		}
		return unpackHex(packed, int(n))
	case tag == tagBinary8:
		n, err := r.readByte()
		if err != nil {
			return nil, err
		}
		return r.readN(int(n))
	case tag == tagBinary20:
		b, err := r.readN(3)
		if err != nil {
			return nil, err
		}
		n := int(b[0])<<16 | int(b[1])<<8 | int(b[2])
		return r.readN(n)
	case tag == tagBinary32:
		b, err := r.readN(4)
		if err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(b)
		return r.readN(int(n))
	case int(tag) >= 3 && int(tag) < len(singleByteTokens):
		return []byte(singleByteTokens[tag]), nil
	default:
		return nil, fmt.Errorf("binary: unknown opcode 0x%02x", tag)
	}
}

func unpackNibble(packed []byte, count int) ([]byte, error) {
	out := make([]byte, 0, count)
	for i := 0; i < count; i++ {
		var nib byte
		if i%2 == 0 {
			nib = packed[i/2] >> 4
		} else {
			nib = packed[i/2] & 0x0F
		}
		if int(nib) >= len(nibbleAlphabet) {
			return nil, fmt.Errorf("binary: invalid nibble %d", nib)
		}
		out = append(out, nibbleAlphabet[nib])
	}
	return out, nil
}

func unpackHex(packed []byte, count int) ([]byte, error) {
	out := make([]byte, 0, count)
	for i := 0; i < count; i++ {
		var d byte
		if i%2 == 0 {
			d = packed[i/2] >> 4
		} else {
			d = packed[i/2] & 0x0F
		}
		if int(d) >= 16 {
			return nil, fmt.Errorf("binary: invalid hex digit %d", d)
		}
		out = append(out, hexAlphabet[d])
	}
	return out, nil
}
