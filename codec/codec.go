// Package codec turns cached values into bytes for a provider.
// JSON is the portable default; Msgpack and CBOR are smaller and faster for
// the item slices a list cache stores.
package codec

import "fmt"

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// ByName returns the codec registered under name: "json", "msgpack", "cbor"
// or "cbor-canonical" ("" means json). Payloads larger than maxDecode bytes are rejected
// on decode when maxDecode > 0.
func ByName[V any](name string, maxDecode int) (Codec[V], error) {
	var inner Codec[V]
	switch name {
	case "", "json":
		inner = JSON[V]{}
	case "msgpack":
		inner = Msgpack[V]{}
	case "cbor", "cbor-canonical":
		cb, err := NewCBOR[V](CBOROptions{Canonical: name == "cbor-canonical"})
		if err != nil {
			return nil, err
		}
		inner = cb
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
	if maxDecode > 0 {
		return LimitCodec[V]{Inner: inner, MaxDecode: maxDecode}, nil
	}
	return inner, nil
}
