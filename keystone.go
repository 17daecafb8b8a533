package psvpfs

import (
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"fmt"
	"path"

	"github.com/absfs/absfs"
	"golang.org/x/crypto/cryptobyte"
)

const (
	keystoneMagic = "keystone"
	// KeystoneSize is the size of sce_sys/keystone
	KeystoneSize   = 0x60
	keystoneMACed  = 0x40
	keystoneHeader = 0x20
)

// Keystone is the parsed sce_sys/keystone record
type Keystone struct {
	Type    uint16
	Version uint16
	// PasscodeHMAC is kept as read; it is checked against a user passcode
	// on the console, not here.
	PasscodeHMAC []byte
	MAC          []byte
	// Authenticated is true when MAC was verified with the configured key
	Authenticated bool
}

func parseKeystone(data []byte) (*Keystone, error) {
	s := cryptobyte.String(data)
	var magic, typ, version, passcode, mac []byte
	if !s.ReadBytes(&magic, 8) ||
		!s.ReadBytes(&typ, 2) ||
		!s.ReadBytes(&version, 2) ||
		!s.Skip(keystoneHeader-12) ||
		!s.ReadBytes(&passcode, 0x20) ||
		!s.ReadBytes(&mac, 0x20) ||
		!s.Empty() {
		return nil, fmt.Errorf("keystone must be %d bytes, got %d", KeystoneSize, len(data))
	}
	if string(magic) != keystoneMagic {
		return nil, fmt.Errorf("bad keystone magic %q", magic)
	}
	return &Keystone{
		Type:         binary.LittleEndian.Uint16(typ),
		Version:      binary.LittleEndian.Uint16(version),
		PasscodeHMAC: passcode,
		MAC:          mac,
	}, nil
}

// VerifyKeystone checks <destRoot>/sce_sys/keystone of a decrypted title.
//
// Without a keystone key only the structure is checked and the returned
// record has Authenticated set to false.
func VerifyKeystone(fs absfs.FileSystem, crypto CryptoService, destRoot string) (*Keystone, error) {
	if fs == nil {
		return nil, ErrNilFileSystem
	}
	p := path.Join(GenericPath(destRoot), "sce_sys", "keystone")
	data, err := readFileLimit(fs, p, KeystoneSize+1)
	if err != nil {
		return nil, err
	}

	ks, err := parseKeystone(data)
	if err != nil {
		return nil, &CorruptionError{Path: p, Message: "invalid keystone", Err: err}
	}
	if crypto == nil {
		return ks, nil
	}

	mac, err := crypto.KeystoneMAC(data[:keystoneMACed])
	if errors.Is(err, ErrKeyNotConfigured) {
		return ks, nil
	}
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(mac, ks.MAC) {
		return nil, &CorruptionError{Path: p, Message: "keystone authentication failed"}
	}
	ks.Authenticated = true
	return ks, nil
}
