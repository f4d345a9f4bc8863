package codec

import (
	"github.com/fxamacker/cbor/v2"
)

// CBOROptions tune a CBOR codec.
type CBOROptions struct {
	// Canonical encodes with RFC 8949 core deterministic rules, so equal
	// values produce equal bytes (sorted map keys, shortest integers).
	Canonical bool
	// MaxNestedLevels bounds decode depth; 0 keeps the library default (32).
	MaxNestedLevels int
}

// CBOR stores values with fxamacker/cbor. Timestamps are written as
// RFC3339Nano text so ChangeTime survives with nanosecond precision.
// Decoding rejects duplicate map keys.
// Build one with NewCBOR; the zero value has no modes and panics.
type CBOR[V any] struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var _ Codec[struct{}] = CBOR[struct{}]{}

func NewCBOR[V any](opts CBOROptions) (CBOR[V], error) {
	eo := cbor.PreferredUnsortedEncOptions()
	if opts.Canonical {
		eo = cbor.CoreDetEncOptions()
	}
	eo.Time = cbor.TimeRFC3339Nano

	em, err := eo.EncMode()
	if err != nil {
		return CBOR[V]{}, err
	}
	dm, err := cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels: opts.MaxNestedLevels,
	}.DecMode()
	if err != nil {
		return CBOR[V]{}, err
	}
	return CBOR[V]{enc: em, dec: dm}, nil
}

func (c CBOR[V]) Encode(v V) ([]byte, error) { return c.enc.Marshal(v) }

func (c CBOR[V]) Decode(b []byte) (V, error) {
	var v V
	err := c.dec.Unmarshal(b, &v)
	return v, err
}
