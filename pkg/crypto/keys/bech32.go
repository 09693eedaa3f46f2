package keys

import (
	"fmt"
	"strings"
)

// bech32Charset is the standard bech32 alphabet.
const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// decodeNsec decodes a minimal bech32 string with HRP "nsec" into its raw
// 32-byte payload. The bot only ever decodes its own configured key, never
// encodes one, so this intentionally skips the full bech32 spec (no
// checksum verification against arbitrary HRPs, no segwit address support).
func decodeNsec(s string) (sec []byte, err error) {
	s = strings.ToLower(s)
	const hrp = "nsec"
	sep := strings.LastIndex(s, "1")
	if sep < len(hrp) || !strings.HasPrefix(s, hrp) {
		return nil, fmt.Errorf("not an nsec1 key: %q", s)
	}
	data := s[sep+1:]
	if len(data) < 6 {
		return nil, fmt.Errorf("nsec key too short")
	}
	data = data[:len(data)-6] // drop the 6-character checksum
	values := make([]byte, len(data))
	for i, c := range data {
		idx := strings.IndexRune(bech32Charset, c)
		if idx < 0 {
			return nil, fmt.Errorf("invalid bech32 character %q", c)
		}
		values[i] = byte(idx)
	}
	return convertBits(values, 5, 8, false)
}

// convertBits regroups a slice of fromBits-bit values into toBits-bit
// values, the standard bech32 bit-squashing step.
func convertBits(data []byte, fromBits, toBits uint, pad bool) (out []byte, err error) {
	var acc uint32
	var bits uint
	maxv := uint32(1<<toBits) - 1
	for _, value := range data {
		if uint32(value)>>fromBits != 0 {
			return nil, fmt.Errorf("invalid bech32 data value")
		}
		acc = (acc << fromBits) | uint32(value)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			out = append(out, byte((acc>>bits)&maxv))
		}
	}
	if pad {
		if bits > 0 {
			out = append(out, byte((acc<<(toBits-bits))&maxv))
		}
	} else if bits >= fromBits || (acc<<(toBits-bits))&maxv != 0 {
		return nil, fmt.Errorf("invalid bech32 padding")
	}
	return out, nil
}
