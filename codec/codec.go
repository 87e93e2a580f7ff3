// Package codec defines the payload codec contract ATTP consumes (spec
// §1, §6.2): a self-describing binary object encoding that preserves the
// bin/str distinction round-trip. This is an external collaborator of
// the protocol engine — package codec/msgpack ships the default
// implementation.
package codec

// Codec marshals and unmarshals ATTP frame payloads.
type Codec interface {
	// Marshal encodes v into a self-describing byte-string.
	Marshal(v any) ([]byte, error)

	// Unmarshal decodes data into v. v is typically a pointer to a struct,
	// a map[string]any, or any, depending on the caller's binding mode
	// (see internal/bus).
	Unmarshal(data []byte, v any) error
}
