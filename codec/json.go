package codec

import "encoding/json"

// JSON is the human-readable codec. Useful when the stored manifest or guard
// file should be inspectable with ordinary tools.
type JSON[V any] struct{}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}
