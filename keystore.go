package psvpfs

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/absfs/absfs"
	"gopkg.in/yaml.v3"
)

// KeyStore holds the secret keys the local crypto service needs. None of
// them ship with this package; they are read from a YAML file.
type KeyStore struct {
	// SealedKeyHMAC authenticates sce_sys/sealedkey
	SealedKeyHMAC []byte
	// SealedKeys are the AES keys indexed by the sealed key's type field
	SealedKeys [][]byte
	// KeystoneHMAC authenticates sce_sys/keystone
	KeystoneHMAC []byte
	// PFSSaltHMAC is the HMAC-SHA1 key applied to files.db salts
	PFSSaltHMAC []byte
}

type keyStoreFile struct {
	SealedKeyHMAC string   `yaml:"sealedkey_hmac"`
	SealedKeys    []string `yaml:"sealedkey_keys"`
	KeystoneHMAC  string   `yaml:"keystone_hmac"`
	PFSSaltHMAC   string   `yaml:"pfs_salt_hmac"`
}

// LoadKeyStore reads a key store from a YAML file
func LoadKeyStore(fs absfs.FileSystem, path string) (*KeyStore, error) {
	file, err := fs.Open(path)
	if err != nil {
		return nil, NewIOError("open", path, err)
	}
	defer file.Close()

	var raw keyStoreFile
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, &CorruptionError{Path: path, Message: "failed to decode key store", Err: err}
	}

	return raw.decode(path)
}

func (raw *keyStoreFile) decode(path string) (*KeyStore, error) {
	ks := &KeyStore{}
	var err error

	if ks.SealedKeyHMAC, err = decodeOptionalKey(raw.SealedKeyHMAC); err != nil {
		return nil, &CorruptionError{Path: path, Message: "sealedkey_hmac", Err: err}
	}
	if ks.KeystoneHMAC, err = decodeOptionalKey(raw.KeystoneHMAC); err != nil {
		return nil, &CorruptionError{Path: path, Message: "keystone_hmac", Err: err}
	}
	if ks.PFSSaltHMAC, err = decodeOptionalKey(raw.PFSSaltHMAC); err != nil {
		return nil, &CorruptionError{Path: path, Message: "pfs_salt_hmac", Err: err}
	}
	for i, s := range raw.SealedKeys {
		key, err := decodeStrictHex(s, KlicenseeSize)
		if err != nil {
			return nil, &CorruptionError{Path: path, Message: fmt.Sprintf("sealedkey_keys[%d]", i), Err: err}
		}
		ks.SealedKeys = append(ks.SealedKeys, key)
	}
	return ks, nil
}

// decodeOptionalKey decodes an HMAC key of any length; empty means unset
func decodeOptionalKey(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}
