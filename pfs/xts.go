package pfs

import (
	"crypto/aes"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/xts"
)

// DefaultSectorSize is the XTS data unit used when none is given
const DefaultSectorSize = 0x1000

// XTSDecrypter decrypts file content stored as AES-XTS sectors numbered
// from zero at the start of each file.
type XTSDecrypter struct {
	cipher     *xts.Cipher
	sectorSize int
}

// NewXTSDecrypter creates an XTSDecrypter. key holds the data and tweak
// keys back to back, so it is 32, 48 or 64 bytes long.
func NewXTSDecrypter(key []byte, sectorSize int) (*XTSDecrypter, error) {
	if sectorSize == 0 {
		sectorSize = DefaultSectorSize
	}
	if sectorSize < aes.BlockSize || sectorSize%aes.BlockSize != 0 {
		return nil, fmt.Errorf("pfs: xts sector size %d is not a positive multiple of %d", sectorSize, aes.BlockSize)
	}
	c, err := xts.NewCipher(aes.NewCipher, key)
	if err != nil {
		return nil, fmt.Errorf("pfs: xts: %w", err)
	}
	return &XTSDecrypter{cipher: c, sectorSize: sectorSize}, nil
}

// DecryptFile writes exactly entry.Size plaintext bytes to dst
func (d *XTSDecrypter) DecryptFile(entry *FileEntry, src io.Reader, dst io.Writer) error {
	remaining := int64(entry.Size)
	sector := make([]byte, d.sectorSize)
	plain := make([]byte, d.sectorSize)

	for num := uint64(0); remaining > 0; num++ {
		n, err := io.ReadFull(src, sector)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("pfs: %s: source ends %d bytes early", entry.Path(), remaining)
			}
			return err
		}
		if n%aes.BlockSize != 0 {
			return fmt.Errorf("pfs: %s: sector %d has %d bytes, not a multiple of %d", entry.Path(), num, n, aes.BlockSize)
		}

		d.cipher.Decrypt(plain[:n], sector[:n], num)

		out := int64(n)
		if out > remaining {
			out = remaining
		}
		if _, err := dst.Write(plain[:out]); err != nil {
			return err
		}
		remaining -= out

		if n < d.sectorSize && remaining > 0 {
			return fmt.Errorf("pfs: %s: source ends %d bytes early", entry.Path(), remaining)
		}
	}
	return nil
}
