// Package zrif decodes zRIF strings, the compact text form of NoNpDrm
// license files.
//
// A zRIF string is the base64 encoding of a zlib stream compressed
// against a preset dictionary. The dictionary is not part of this package
// and must be supplied by the caller.
package zrif

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/crypto/cryptobyte"
)

const (
	// KeySize is the size of the license key
	KeySize = 0x10
	// MinLicenseSize is the smallest record that carries every field
	MinLicenseSize = 0xB0
	// MaxLicenseSize bounds the inflated record
	MaxLicenseSize = 0x400
)

var (
	// ErrNoDictionary is returned when a Decoder has no dictionary
	ErrNoDictionary = errors.New("zrif: no dictionary configured")
	// ErrLicenseSize is returned for records outside the accepted sizes
	ErrLicenseSize = errors.New("zrif: invalid license size")
)

// License is a decoded NpDrm license record. Integers are big-endian on
// the wire.
type License struct {
	Version      int16
	VersionFlags uint16
	Type         uint16
	Flags        uint16
	AccountID    uint64
	ContentID    string
	KeyTable     [0x10]byte
	Key          [KeySize]byte
	StartTime    uint64
	Expiration   uint64
	Signature    [0x28]byte
	Flags2       uint64
	Key2         [KeySize]byte
}

// LicenseKey returns the content key
func (l *License) LicenseKey() [KeySize]byte {
	return l.Key
}

// ParseLicense parses a raw license record
func ParseLicense(data []byte) (*License, error) {
	if len(data) < MinLicenseSize || len(data) > MaxLicenseSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrLicenseSize, len(data))
	}

	s := cryptobyte.String(data)
	var l License
	var version uint16
	var contentID, table, key, sig, key2 []byte
	if !s.ReadUint16(&version) ||
		!s.ReadUint16(&l.VersionFlags) ||
		!s.ReadUint16(&l.Type) ||
		!s.ReadUint16(&l.Flags) ||
		!s.ReadUint64(&l.AccountID) ||
		!s.ReadBytes(&contentID, 0x30) ||
		!s.ReadBytes(&table, 0x10) ||
		!s.ReadBytes(&key, KeySize) ||
		!s.ReadUint64(&l.StartTime) ||
		!s.ReadUint64(&l.Expiration) ||
		!s.ReadBytes(&sig, 0x28) ||
		!s.ReadUint64(&l.Flags2) ||
		!s.ReadBytes(&key2, KeySize) {
		return nil, fmt.Errorf("%w: truncated record", ErrLicenseSize)
	}

	l.Version = int16(version)
	l.ContentID = string(bytes.TrimRight(contentID, "\x00"))
	copy(l.KeyTable[:], table)
	copy(l.Key[:], key)
	copy(l.Signature[:], sig)
	copy(l.Key2[:], key2)
	return &l, nil
}

// Decoder turns zRIF strings into licenses
type Decoder struct {
	Dictionary []byte
}

// NewDecoder creates a decoder using dict as the zlib preset dictionary
func NewDecoder(dict []byte) *Decoder {
	return &Decoder{Dictionary: dict}
}

// Decode decodes a zRIF string
func (d *Decoder) Decode(zrif string) (*License, error) {
	raw, err := d.Inflate(zrif)
	if err != nil {
		return nil, err
	}
	return ParseLicense(raw)
}

// Inflate returns the raw license record behind a zRIF string
func (d *Decoder) Inflate(zrif string) ([]byte, error) {
	if len(d.Dictionary) == 0 {
		return nil, ErrNoDictionary
	}

	compressed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(zrif))
	if err != nil {
		return nil, fmt.Errorf("zrif: invalid base64: %w", err)
	}

	r, err := zlib.NewReaderDict(bytes.NewReader(compressed), d.Dictionary)
	if err != nil {
		return nil, fmt.Errorf("zrif: %w", err)
	}
	defer r.Close()

	raw, err := io.ReadAll(io.LimitReader(r, MaxLicenseSize+1))
	if err != nil {
		return nil, fmt.Errorf("zrif: inflate: %w", err)
	}
	return raw, nil
}

// Encode compresses a raw license record into a zRIF string
func Encode(license, dict []byte) (string, error) {
	if len(dict) == 0 {
		return "", ErrNoDictionary
	}

	var buf bytes.Buffer
	w, err := zlib.NewWriterLevelDict(&buf, zlib.BestCompression, dict)
	if err != nil {
		return "", fmt.Errorf("zrif: %w", err)
	}
	if _, err := w.Write(license); err != nil {
		return "", fmt.Errorf("zrif: deflate: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("zrif: deflate: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
