package ids

import "lukechampine.com/blake3"

// TypeHash is the 128-bit stable identifier for an event type's
// fully-qualified name, replacing the host language's runtime type
// system (§9 "Typed event identity"). It doubles as the NETWORK-scope
// wire identifier (§4.2, §6).
type TypeHash [16]byte

// HashEventType derives a TypeHash from an event type's fully-qualified
// name (e.g. "myapp/sensors.Reading"). The hash is stable across process
// runs and architectures, which is required for cross-process NETWORK
// emits to agree on the wire identifier without exchanging schemas.
func HashEventType(qualifiedName string) TypeHash {
	sum := blake3.Sum256([]byte(qualifiedName))
	var h TypeHash
	copy(h[:], sum[:16])
	return h
}

func (h TypeHash) String() string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 32)
	for i, b := range h {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0x0f]
	}
	return string(out)
}
