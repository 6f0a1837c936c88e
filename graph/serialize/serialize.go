// Package serialize provides a JSON encoding that turns values into bytes
// and back. The checkpoint backends in graph/store do not use it; they
// encode with encoding/json directly.
package serialize

import "encoding/json"

// Serializer converts values to and from a storage-ready byte encoding.
// Implementations must round-trip time.Time values without loss of
// precision.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, out any) error
}

// JSON is the default Serializer, backed by encoding/json. time.Time
// already round-trips through its MarshalJSON/UnmarshalJSON (RFC 3339
// with nanosecond precision), which doubles as this package's registered
// time-instant codec.
type JSON struct{}

// New returns the default JSON serializer.
func New() *JSON {
	return &JSON{}
}

func (JSON) Serialize(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Deserialize(data []byte, out any) error {
	return json.Unmarshal(data, out)
}
