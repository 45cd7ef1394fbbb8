package envelope

import "encoding/json"

// sizeGuardBytes is the fixed overhead added to the serialized envelope
// length before comparing against maxMessageBytes.
const sizeGuardBytes = 256

// FitsWithinLimit reports whether env, once encoded, satisfies
// utf8_len(JSON(env)) + 256 <= maxBytes. ACK frames are exempt from
// this check by callers simply not invoking it for ACKs.
func FitsWithinLimit(env *Envelope, maxBytes int) (bool, int, error) {
	encoded, err := json.Marshal(env)
	if err != nil {
		return false, 0, err
	}
	size := len(encoded) + sizeGuardBytes
	return size <= maxBytes, size, nil
}
