package psvpfs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/absfs/absfs"
	"golang.org/x/crypto/cryptobyte"
)

const (
	sealedKeyMagic = "pfsSKKey"
	// SealedKeySize is the size of sce_sys/sealedkey
	SealedKeySize = 0x60
	sealedKeyMACed = 0x40
)

// contractKey0 is the fixed key of the F00D auth service 0x50001
var contractKey0 = []byte{0xE1, 0x22, 0x13, 0xB4, 0x80, 0x16, 0xB0, 0xE9, 0x9A, 0xB8, 0x1F, 0x8E, 0xC0, 0x2A, 0xD4, 0xA2}

// LocalCrypto implements CryptoService on top of the Go standard library.
// Secret keys come from a KeyStore; title files are read through fs.
type LocalCrypto struct {
	fs   absfs.FileSystem
	keys *KeyStore
}

// NewLocalCrypto creates a crypto service. keys may be nil, in which case
// every operation that needs a stored key fails with ErrKeyNotConfigured.
func NewLocalCrypto(fs absfs.FileSystem, keys *KeyStore) *LocalCrypto {
	if keys == nil {
		keys = &KeyStore{}
	}
	return &LocalCrypto{fs: fs, keys: keys}
}

func newBlock(key []byte) (cipher.Block, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	return block, nil
}

func checkBlocks(src []byte) error {
	if len(src)%aes.BlockSize != 0 {
		return fmt.Errorf("input length %d is not a multiple of %d", len(src), aes.BlockSize)
	}
	return nil
}

// AESCBCEncrypt encrypts src with AES-CBC
func (c *LocalCrypto) AESCBCEncrypt(key, iv, src []byte) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	if err := checkBlocks(src); err != nil {
		return nil, err
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	dst := make([]byte, len(src))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(dst, src)
	return dst, nil
}

// AESCBCDecrypt decrypts src with AES-CBC
func (c *LocalCrypto) AESCBCDecrypt(key, iv, src []byte) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	if err := checkBlocks(src); err != nil {
		return nil, err
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	dst := make([]byte, len(src))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(dst, src)
	return dst, nil
}

// AESECBEncrypt encrypts src block by block
func (c *LocalCrypto) AESECBEncrypt(key, src []byte) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	if err := checkBlocks(src); err != nil {
		return nil, err
	}
	dst := make([]byte, len(src))
	for i := 0; i < len(src); i += aes.BlockSize {
		block.Encrypt(dst[i:i+aes.BlockSize], src[i:i+aes.BlockSize])
	}
	return dst, nil
}

// AESECBDecrypt decrypts src block by block
func (c *LocalCrypto) AESECBDecrypt(key, src []byte) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	if err := checkBlocks(src); err != nil {
		return nil, err
	}
	dst := make([]byte, len(src))
	for i := 0; i < len(src); i += aes.BlockSize {
		block.Decrypt(dst[i:i+aes.BlockSize], src[i:i+aes.BlockSize])
	}
	return dst, nil
}

// HMACSHA1 returns HMAC-SHA1(key, data)
func (c *LocalCrypto) HMACSHA1(key, data []byte) []byte {
	h := hmac.New(sha1.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// HMACSHA256 returns HMAC-SHA256(key, data)
func (c *LocalCrypto) HMACSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// F00DEncrypt emulates the F00D key encryption of auth service 0x50001
func (c *LocalCrypto) F00DEncrypt(key []byte) ([]byte, error) {
	if err := ValidateKey(key, KlicenseeSize); err != nil {
		return nil, err
	}
	return c.AESECBDecrypt(contractKey0, key)
}

// SealedKey reads <titlePath>/sce_sys/sealedkey
func (c *LocalCrypto) SealedKey(titlePath string) ([]byte, error) {
	if c.fs == nil {
		return nil, ErrNilFileSystem
	}
	p := path.Join(GenericPath(titlePath), "sce_sys", "sealedkey")
	data, err := readFileLimit(c.fs, p, SealedKeySize+1)
	if err != nil {
		return nil, err
	}
	if len(data) != SealedKeySize {
		return nil, NewCorruptionError(p, 0, fmt.Sprintf("sealed key must be %d bytes, got %d", SealedKeySize, len(data)))
	}
	return data, nil
}

// sealedKey is the parsed form of sce_sys/sealedkey
type sealedKey struct {
	keyIndex uint32
	iv       []byte
	enc      []byte
	mac      []byte
}

func parseSealedKey(data []byte) (*sealedKey, error) {
	s := cryptobyte.String(data)
	var magic, index, iv, enc, mac []byte
	sk := &sealedKey{}
	if !s.ReadBytes(&magic, 8) ||
		!s.ReadBytes(&index, 4) ||
		!s.Skip(4) ||
		!s.ReadBytes(&iv, 0x10) ||
		!s.ReadBytes(&enc, 0x20) ||
		!s.ReadBytes(&mac, 0x20) ||
		!s.Empty() {
		return nil, fmt.Errorf("sealed key must be %d bytes, got %d", SealedKeySize, len(data))
	}
	if string(magic) != sealedKeyMagic {
		return nil, fmt.Errorf("bad sealed key magic %q", magic)
	}
	sk.keyIndex = binary.LittleEndian.Uint32(index)
	sk.iv, sk.enc, sk.mac = iv, enc, mac
	return sk, nil
}

// Unseal authenticates and decrypts a sealed key blob
func (c *LocalCrypto) Unseal(sealed []byte) (Klicensee, error) {
	var k Klicensee

	if err := ValidateBuffer(sealed, "sealedkey", SealedKeySize); err != nil {
		return k, err
	}
	sk, err := parseSealedKey(sealed)
	if err != nil {
		return k, err
	}
	if len(c.keys.SealedKeyHMAC) == 0 {
		return k, fmt.Errorf("sealedkey_hmac: %w", ErrKeyNotConfigured)
	}
	if int(sk.keyIndex) >= len(c.keys.SealedKeys) {
		return k, fmt.Errorf("sealedkey_keys[%d]: %w", sk.keyIndex, ErrKeyNotConfigured)
	}

	mac := c.HMACSHA256(c.keys.SealedKeyHMAC, sealed[:sealedKeyMACed])
	if !hmac.Equal(mac, sk.mac) {
		return k, errors.New("sealed key authentication failed")
	}

	plain, err := c.AESCBCDecrypt(c.keys.SealedKeys[sk.keyIndex], sk.iv, sk.enc)
	if err != nil {
		return k, err
	}
	copy(k[:], plain[:KlicenseeSize])
	clear(plain)
	return k, nil
}

// KeystoneMAC computes HMAC-SHA256 with the keystone key
func (c *LocalCrypto) KeystoneMAC(data []byte) ([]byte, error) {
	if len(c.keys.KeystoneHMAC) == 0 {
		return nil, fmt.Errorf("keystone_hmac: %w", ErrKeyNotConfigured)
	}
	return c.HMACSHA256(c.keys.KeystoneHMAC, data), nil
}

// PFSSaltMAC computes HMAC-SHA1 with the files.db salt key
func (c *LocalCrypto) PFSSaltMAC(data []byte) ([]byte, error) {
	if len(c.keys.PFSSaltHMAC) == 0 {
		return nil, fmt.Errorf("pfs_salt_hmac: %w", ErrKeyNotConfigured)
	}
	return c.HMACSHA1(c.keys.PFSSaltHMAC, data), nil
}

// readFileLimit reads at most limit bytes of a file
func readFileLimit(fs absfs.FileSystem, name string, limit int) ([]byte, error) {
	file, err := fs.Open(name)
	if err != nil {
		return nil, NewIOError("open", name, err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, int64(limit)))
	if err != nil {
		return nil, NewIOError("read", name, err)
	}
	return data, nil
}
