package psvpfs

import (
	"io"
	"log/slog"
	"strings"
)

// F00DType selects the key-encryption strategy
type F00DType uint8

const (
	// F00DFile looks keys up in a precomputed cache file
	F00DFile F00DType = iota
	// F00DNative asks the crypto service to perform the encryption
	F00DNative
)

// String returns the string representation of the encryptor type
func (t F00DType) String() string {
	switch t {
	case F00DFile:
		return "file"
	case F00DNative:
		return "native"
	default:
		return "unknown"
	}
}

// ParseF00DType converts the CLI/config spelling to a F00DType
func ParseF00DType(s string) (F00DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "file":
		return F00DFile, nil
	case "native":
		return F00DNative, nil
	default:
		return 0, &ValidationError{
			Field:   "f00d_enc_type",
			Value:   s,
			Message: "expected file or native",
			Err:     ErrUnknownEncryptorType,
		}
	}
}

// F00DConfig selects the key-encryption variant and its argument
type F00DConfig struct {
	Type F00DType
	// Arg is the cache file path for F00DFile; unused for F00DNative
	Arg string
}

// Config is the run configuration
type Config struct {
	// Klicensee is an explicit hex key; it takes precedence over everything
	Klicensee string

	// ZRIF is a zRIF license string, used when Klicensee is empty
	ZRIF string

	// SourcePath is the encrypted title directory
	SourcePath string

	// DestPath is where the decrypted title is written
	DestPath string

	// F00D selects the key-encryption strategy
	F00D F00DConfig
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c == nil {
		return NewValidationError("config", nil, "config cannot be nil")
	}
	if c.F00D.Type != F00DFile && c.F00D.Type != F00DNative {
		return &ValidationError{
			Field:   "f00d_enc_type",
			Value:   c.F00D.Type,
			Message: "unsupported F00D encryptor type",
			Err:     ErrUnknownEncryptorType,
		}
	}
	if c.F00D.Type == F00DFile {
		if err := ValidateFilePath(c.F00D.Arg); err != nil {
			return &ValidationError{Field: "f00d_arg", Message: "cache file path is required for the file encryptor", Err: ErrEmptyPath}
		}
	}
	if err := ValidateFilePath(c.SourcePath); err != nil {
		return &ValidationError{Field: "title_src", Message: "source path cannot be empty", Err: ErrEmptyPath}
	}
	if err := ValidateFilePath(c.DestPath); err != nil {
		return &ValidationError{Field: "title_dst", Message: "destination path cannot be empty", Err: ErrEmptyPath}
	}
	return nil
}

// Normalized returns a copy with source and destination paths in generic
// form and stripped of one trailing separator.
func (c Config) Normalized() Config {
	c.SourcePath = TrimTrailingSeparator(c.SourcePath)
	c.DestPath = TrimTrailingSeparator(c.DestPath)
	return c
}

// KeyEncryptor is the F00D key-encryption capability
type KeyEncryptor interface {
	// EncryptKey maps a 16-byte key to its 16-byte F00D-encrypted counterpart
	EncryptKey(key []byte) ([]byte, error)

	// PrintCache writes the known key pairs, one per line
	PrintCache(w io.Writer, sep string) error
}

// CryptoService provides the primitives and key services consumed by the
// resolver, the native F00D strategy and the mount engine.
type CryptoService interface {
	AESCBCEncrypt(key, iv, src []byte) ([]byte, error)
	AESCBCDecrypt(key, iv, src []byte) ([]byte, error)
	AESECBEncrypt(key, src []byte) ([]byte, error)
	AESECBDecrypt(key, src []byte) ([]byte, error)
	HMACSHA1(key, data []byte) []byte
	HMACSHA256(key, data []byte) []byte

	// SealedKey fetches the sealed key blob of a title
	SealedKey(titlePath string) ([]byte, error)

	// Unseal turns a sealed key blob into the klicensee
	Unseal(sealed []byte) (Klicensee, error)

	// F00DEncrypt performs the native F00D-equivalent key encryption
	F00DEncrypt(key []byte) ([]byte, error)

	// KeystoneMAC computes the keystone authentication code over data
	KeystoneMAC(data []byte) ([]byte, error)

	// PFSSaltMAC computes the files.db salt authentication code used by
	// the keygen secret derivation
	PFSSaltMAC(data []byte) ([]byte, error)
}

// License is a decoded license record carrying a 16-byte key
type License interface {
	LicenseKey() [KlicenseeSize]byte
}

// LicenseDecoder decodes zRIF strings into license records
type LicenseDecoder interface {
	DecodeLicense(zrif string) (License, error)
}

// LicenseDecoderFunc adapts a function to LicenseDecoder
type LicenseDecoderFunc func(zrif string) (License, error)

// DecodeLicense calls f(zrif)
func (f LicenseDecoderFunc) DecodeLicense(zrif string) (License, error) {
	return f(zrif)
}

// Mounter is an opened archive that can be decrypted into a destination
type Mounter interface {
	Mount() error
	DecryptFiles(destRoot string) error
}

// MountFunc opens the archive at sourceRoot. logger is the run's logger.
type MountFunc func(crypto CryptoService, f00d KeyEncryptor, klicensee Klicensee, sourceRoot string, logger *slog.Logger) (Mounter, error)
