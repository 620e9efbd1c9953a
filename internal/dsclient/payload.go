package dsclient

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Payload is the handshake material published for a handle.
type Payload struct {
	Offer   []byte
	Package []byte
}

const (
	fieldOffer   protowire.Number = 1
	fieldPackage protowire.Number = 2
)

// Encode serializes p as a protobuf message with the offer in field 1 and
// the package in field 2.
func (p *Payload) Encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldOffer, protowire.BytesType)
	b = protowire.AppendBytes(b, p.Offer)
	b = protowire.AppendTag(b, fieldPackage, protowire.BytesType)
	b = protowire.AppendBytes(b, p.Package)
	return b
}

// DecodePayload parses the output of Payload.Encode. Unknown fields are
// skipped.
func DecodePayload(b []byte) (*Payload, error) {
	var (
		p                      Payload
		haveOffer, havePackage bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("decode payload tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("decode payload field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("decode payload field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldOffer:
			p.Offer, haveOffer = append([]byte{}, v...), true
		case fieldPackage:
			p.Package, havePackage = append([]byte{}, v...), true
		}
	}
	if !haveOffer || !havePackage {
		return nil, errors.New("decode payload: missing offer or package")
	}
	return &p, nil
}
