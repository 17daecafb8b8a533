package psvpfs

import (
	"encoding/hex"
	"fmt"
)

// StringToByteArray decodes the first n bytes of a hex string.
//
// Each pair is read the way strtol reads a two-character base-16 string:
// leading whitespace is skipped, one sign is accepted and the leading hex
// digits give the value. A minus sign negates modulo 256, so "-1" decodes
// to 0xff, " 5" to 0x05 and "az" to 0x0a. A pair with no digits decodes to
// zero. Only a too-short input is an error.
func StringToByteArray(text string, n int) ([]byte, error) {
	if n < 0 {
		return nil, NewValidationError("n", n, "byte count cannot be negative")
	}
	if len(text) < n*2 {
		return nil, &ValidationError{
			Field:   "text",
			Value:   len(text),
			Message: fmt.Sprintf("hex string too short: got %d characters, need %d", len(text), n*2),
			Err:     ErrInvalidSize,
		}
	}

	dest := make([]byte, n)
	for i, j := 0, 0; j < n; i, j = i+2, j+1 {
		dest[j] = parseHexPair(text[i], text[i+1])
	}
	return dest, nil
}

func parseHexPair(hi, lo byte) byte {
	pair := [2]byte{hi, lo}
	i := 0
	for i < len(pair) && isSpace(pair[i]) {
		i++
	}
	neg := false
	if i < len(pair) && (pair[i] == '+' || pair[i] == '-') {
		neg = pair[i] == '-'
		i++
	}

	var v byte
	for ; i < len(pair); i++ {
		d, ok := hexDigit(pair[i])
		if !ok {
			break
		}
		v = v<<4 | d
	}
	if neg {
		return -v
	}
	return v
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

func hexDigit(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// ByteArrayToString encodes b as lowercase, zero-padded hex
func ByteArrayToString(b []byte) string {
	return hex.EncodeToString(b)
}

// decodeStrictHex decodes a hex string of exactly n bytes, rejecting any
// non-hex character.
func decodeStrictHex(s string, n int) ([]byte, error) {
	if len(s) != n*2 {
		return nil, fmt.Errorf("expected %d hex characters, got %d", n*2, len(s))
	}
	return hex.DecodeString(s)
}
