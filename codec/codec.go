// Package codec provides pluggable value serializers for clinicache.
//
// The payload pipeline (see package payload) owns compression and
// encryption; a Codec only turns values into bytes and back. The cache
// manager operates on untyped values, so it is wired with a Codec[any]
// (Msgpack by default); typed instantiations remain available for
// callers embedding the codecs directly.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
