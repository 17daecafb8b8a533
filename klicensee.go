package psvpfs

import (
	"errors"
	"log/slog"
)

// KlicenseeSize is the size of the title content key in bytes
const KlicenseeSize = 0x10

// Klicensee is the title content key. Its printable forms are redacted; use
// Hex when the key must be shown on purpose.
type Klicensee [KlicenseeSize]byte

// String implements fmt.Stringer without revealing the key
func (k Klicensee) String() string {
	return "klicensee(redacted)"
}

// GoString implements fmt.GoStringer without revealing the key
func (k Klicensee) GoString() string {
	return k.String()
}

// LogValue implements slog.LogValuer without revealing the key
func (k Klicensee) LogValue() slog.Value {
	return slog.StringValue(k.String())
}

// Hex returns the key as lowercase hex
func (k Klicensee) Hex() string {
	return ByteArrayToString(k[:])
}

// Bytes returns a copy of the key
func (k Klicensee) Bytes() []byte {
	out := make([]byte, KlicenseeSize)
	copy(out, k[:])
	return out
}

// Wipe zeroes the key in place
func (k *Klicensee) Wipe() {
	clear(k[:])
}

// KlicenseeFromBytes copies a 16-byte slice into a Klicensee
func KlicenseeFromBytes(b []byte) (Klicensee, error) {
	var k Klicensee
	if err := ValidateKey(b, KlicenseeSize); err != nil {
		return k, err
	}
	copy(k[:], b)
	return k, nil
}

// KlicenseeSource identifies how the klicensee was obtained
type KlicenseeSource uint8

const (
	// SourceExplicit is a hex key given by the caller
	SourceExplicit KlicenseeSource = iota
	// SourceZRIF is a key taken from a decoded zRIF license
	SourceZRIF
	// SourceSealedKey is a key unsealed from the title's sealed key
	SourceSealedKey
)

// String returns the string representation of the source
func (s KlicenseeSource) String() string {
	switch s {
	case SourceExplicit:
		return "explicit"
	case SourceZRIF:
		return "zrif"
	case SourceSealedKey:
		return "sealedkey"
	default:
		return "unknown"
	}
}

// ResolveKlicensee derives the klicensee from exactly one source.
//
// A non-empty explicit key wins, then a non-empty zRIF string, then the
// title's sealed key. Only presence decides: an invalid explicit key fails
// the run without trying the zRIF string.
func ResolveKlicensee(cfg *Config, crypto CryptoService, licenses LicenseDecoder) (Klicensee, KlicenseeSource, error) {
	var k Klicensee

	switch {
	case len(cfg.Klicensee) > 0:
		b, err := StringToByteArray(cfg.Klicensee, KlicenseeSize)
		if err != nil {
			return k, SourceExplicit, NewKeyDerivationError(SourceExplicit, err)
		}
		copy(k[:], b)
		return k, SourceExplicit, nil

	case len(cfg.ZRIF) > 0:
		if licenses == nil {
			return k, SourceZRIF, NewKeyDerivationError(SourceZRIF, ErrNoLicenseDecoder)
		}
		lic, err := licenses.DecodeLicense(cfg.ZRIF)
		if err != nil {
			return k, SourceZRIF, NewKeyDerivationError(SourceZRIF, err)
		}
		if lic == nil {
			return k, SourceZRIF, NewKeyDerivationError(SourceZRIF, errors.New("decoder returned no license"))
		}
		return Klicensee(lic.LicenseKey()), SourceZRIF, nil

	default:
		if crypto == nil {
			return k, SourceSealedKey, NewKeyDerivationError(SourceSealedKey, errors.New("no crypto service configured"))
		}
		sealed, err := crypto.SealedKey(cfg.SourcePath)
		if err != nil {
			return k, SourceSealedKey, NewKeyDerivationError(SourceSealedKey, err)
		}
		k, err = crypto.Unseal(sealed)
		if err != nil {
			return k, SourceSealedKey, NewKeyDerivationError(SourceSealedKey, err)
		}
		return k, SourceSealedKey, nil
	}
}
