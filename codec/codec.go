// Package codec turns typed values into the bytes sitecache persists: the
// stored manifest and the recovery guard state.
package codec

import "fmt"

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// ByName returns one of the built-in codecs for V by its configuration name
// ("json", "cbor", "msgpack"). Protobuf is not reachable by name because it
// needs a concrete message type.
func ByName[V any](name string) (Codec[V], error) {
	switch name {
	case "", "cbor":
		c, err := NewCBOR[V](true)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "json":
		return JSON[V]{}, nil
	case "msgpack":
		return Msgpack[V]{}, nil
	default:
		return nil, &UnknownError{Name: name}
	}
}

// UnknownError reports a codec name ByName does not know.
type UnknownError struct{ Name string }

func (e *UnknownError) Error() string { return fmt.Sprintf("codec: unknown codec %q", e.Name) }
