package checkpoint

import (
	"bytes"
	"fmt"
)

// magic prefixes every encoded checkpoint.
var magic = []byte("GFCK")

const headerSize = 7 // magic + format + compression + encryption

// Codec turns checkpoints into bytes and back.
//
// Encoded layout:
//
//	"GFCK" | format (1 byte) | compression (1 byte) | encryption (1 byte) | payload
//
// The payload is the serialized record, compressed, then encrypted. Decode
// reads the header, so a Codec can read checkpoints written with any format
// or compression; encrypted checkpoints need the same Key.
type Codec struct {
	Format      Format
	Compression Compression
	Encryption  Encryption
	Key         []byte
}

// Encode serializes cp.
func (c Codec) Encode(cp *Checkpoint) ([]byte, error) {
	w, err := toWire(cp)
	if err != nil {
		return nil, err
	}
	payload, err := marshalPayload(w, c.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", c.Format, err)
	}
	payload, err = compress(payload, c.Compression)
	if err != nil {
		return nil, err
	}
	header := c.header()
	payload, err = encrypt(payload, c.Key, header, c.Encryption)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(header)+len(payload))
	out = append(out, header...)
	return append(out, payload...), nil
}

// Decode parses data produced by Encode.
func (c Codec) Decode(data []byte) (*Checkpoint, error) {
	if len(data) < headerSize || !bytes.Equal(data[:len(magic)], magic) {
		return nil, fmt.Errorf("%w: missing header", ErrCorrupt)
	}
	header := data[:headerSize]
	format := Format(header[4])
	comp := Compression(header[5])
	enc := Encryption(header[6])

	payload, err := decrypt(data[headerSize:], c.Key, header, enc)
	if err != nil {
		return nil, err
	}
	payload, err = decompress(payload, comp)
	if err != nil {
		return nil, err
	}
	w, err := unmarshalPayload(payload, format)
	if err != nil {
		return nil, err
	}
	return fromWire(w)
}

// Header describes an encoded checkpoint without decoding it.
type Header struct {
	Format      Format
	Compression Compression
	Encryption  Encryption
}

// ReadHeader returns the header of an encoded checkpoint.
func ReadHeader(data []byte) (Header, error) {
	if len(data) < headerSize || !bytes.Equal(data[:len(magic)], magic) {
		return Header{}, fmt.Errorf("%w: missing header", ErrCorrupt)
	}
	return Header{
		Format:      Format(data[4]),
		Compression: Compression(data[5]),
		Encryption:  Encryption(data[6]),
	}, nil
}

func (c Codec) header() []byte {
	h := make([]byte, 0, headerSize)
	h = append(h, magic...)
	return append(h, byte(c.Format), byte(c.Compression), byte(c.Encryption))
}
