// Package codec provides the binary serialization of ITK-Wasm images.
//
// Images are encoded as CBOR maps keyed by the ITK-Wasm field names, so the format
// is self-describing and new optional fields never break older decoders. Fields this
// package does not interpret are kept as raw CBOR items and re-emitted verbatim.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map keys,
// smallest integer encoding, no indefinite-length items. The same image always
// produces identical bytes.
//
// The pixel layout is normalized on the wire: an image with zero components or an
// empty pixel type is written as one Scalar component, and an empty Unknown map is
// read back as nil. Decode(Encode(img)) is therefore equal to img only once img
// carries an explicit layout.
//
// Pixel buffers and direction matrices are written as RFC 8746 little-endian typed
// arrays, the representation produced by JavaScript encoders for typed arrays:
//
//	data, err := codec.Encode(img)
//	img, err = codec.Decode(data)
package codec

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"iwibridge/internal/models"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: building CBOR encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1 << 24,
		MaxMapPairs:      1 << 20,
	}.DecMode()
	if err != nil {
		panic("codec: building CBOR decoder: " + err.Error())
	}
}

// Marshal encodes v with the deterministic encoding mode.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Syntax errors are reported as
// ErrMalformedPayload.
func Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return errors.Wrapf(models.ErrMalformedPayload, "cbor: %v", err)
	}
	return nil
}

// Fields decodes a CBOR map into its raw, still encoded, values.
func Fields(data []byte) (map[string]cbor.RawMessage, error) {
	var fields map[string]cbor.RawMessage
	if err := Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.Wrap(models.ErrMalformedPayload, "payload is not a map")
	}
	return fields, nil
}

// Value decodes one raw CBOR item into a generic Go value.
func Value(raw cbor.RawMessage) (any, error) {
	var v any
	if err := Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
