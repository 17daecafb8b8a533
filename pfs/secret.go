package pfs

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"

	"github.com/absfs/psvpfs"
)

const (
	cryptoEngineUseCMAC   = 1
	cryptoEngineUseKeygen = 2
)

// ImageType is the kind of image described by files.db
type ImageType uint16

const (
	ImageGameData ImageType = iota
	ImageSaveData
	ImageAddContRoot
	ImageAddContDir
)

// String returns the string representation of the image type
func (t ImageType) String() string {
	switch t {
	case ImageGameData:
		return "gamedata"
	case ImageSaveData:
		return "savedata"
	case ImageAddContRoot:
		return "ac_root"
	case ImageAddContDir:
		return "acid_dir"
	default:
		return "unknown"
	}
}

// ImageTypeFromSpec maps the header image spec to an image type
func ImageTypeFromSpec(spec uint16) (ImageType, error) {
	switch spec {
	case 1:
		return ImageGameData, nil
	case 2:
		return ImageSaveData, nil
	case 3:
		return ImageAddContRoot, nil
	case 4:
		return ImageAddContDir, nil
	}
	return 0, fmt.Errorf("pfs: invalid image spec %d", spec)
}

// usesKeygen reports whether the image is a pfs pack, whose secret is
// derived from the F00D-encrypted klicensee.
func (t ImageType) usesKeygen() bool {
	return cryptoEngineFlag(t)&cryptoEngineUseKeygen != 0
}

func cryptoEngineFlag(t ImageType) uint32 {
	switch t {
	case ImageGameData, ImageAddContDir:
		return cryptoEngineUseKeygen
	case ImageSaveData, ImageAddContRoot:
		return 0
	default:
		return cryptoEngineUseCMAC
	}
}

// deriveSecret computes the files.db ICV secret
func deriveSecret(crypto psvpfs.CryptoService, f00d psvpfs.KeyEncryptor, klicensee psvpfs.Klicensee, h *Header) ([]byte, error) {
	t, err := ImageTypeFromSpec(h.ImageSpec)
	if err != nil {
		return nil, err
	}
	if !t.usesKeygen() {
		return secretFromKlicensee(klicensee, 0), nil
	}

	derived, err := f00d.EncryptKey(klicensee.Bytes())
	if err != nil {
		return nil, err
	}
	defer clear(derived)
	return secretFromSalt(crypto, derived, h.FilesSalt, 0)
}

func secretFromKlicensee(klicensee psvpfs.Klicensee, icvSalt uint32) []byte {
	base0 := sha1.Sum(klicensee[:])
	base1 := sha1.Sum(binary.LittleEndian.AppendUint32([]byte{0, 0, 0, 0xA}, icvSalt))
	secret := sha1.Sum(append(base0[:], base1[:]...))
	return secret[:]
}

func secretFromSalt(crypto psvpfs.CryptoService, derived []byte, filesSalt, icvSalt uint32) ([]byte, error) {
	var salt []byte
	if filesSalt != 0 {
		salt = binary.LittleEndian.AppendUint32(salt, filesSalt)
	}
	salt = binary.LittleEndian.AppendUint32(salt, icvSalt)

	combo, err := crypto.PFSSaltMAC(salt)
	if err != nil {
		return nil, err
	}
	return encryptCTS(crypto, derived, make([]byte, 16), combo)
}

// encryptCTS is AES-CBC over the whole blocks of src; a partial tail is
// XORed with the encryption of the last ciphertext block.
func encryptCTS(crypto psvpfs.CryptoService, key, iv, src []byte) ([]byte, error) {
	blocks := len(src) &^ 0xF
	tail := len(src) & 0xF

	dst := make([]byte, len(src))
	if blocks > 0 {
		enc, err := crypto.AESCBCEncrypt(key, iv, src[:blocks])
		if err != nil {
			return nil, err
		}
		copy(dst, enc)
	}
	if tail == 0 {
		return dst, nil
	}

	last := iv
	if blocks > 0 {
		last = dst[blocks-16 : blocks]
	}
	pad, err := crypto.AESECBEncrypt(key, last)
	if err != nil {
		return nil, err
	}
	for i := 0; i < tail; i++ {
		dst[blocks+i] = src[blocks+i] ^ pad[i]
	}
	return dst, nil
}
