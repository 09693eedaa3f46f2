// Package hex wraps encoding/hex with the Dec/Enc naming the rest of the
// encoders tree uses.
package hex

import "encoding/hex"

// Enc returns the lowercase hex encoding of b.
func Enc(b []byte) string { return hex.EncodeToString(b) }

// Dec decodes a hex string into bytes.
func Dec(s string) (b []byte, err error) {
	return hex.DecodeString(s)
}
