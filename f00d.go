package psvpfs

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/absfs/absfs"
)

// FileKeyEncryptor implements KeyEncryptor with a precomputed cache file.
// The file is read on first use and never again, even if that read failed.
type FileKeyEncryptor struct {
	fs     absfs.FileSystem
	path   string
	logger *slog.Logger

	once    sync.Once
	cache   *KeyCache
	loadErr error
}

// NewFileKeyEncryptor creates a cache-backed encryptor. Nothing is read
// until the first EncryptKey call.
func NewFileKeyEncryptor(fs absfs.FileSystem, path string) *FileKeyEncryptor {
	return &FileKeyEncryptor{fs: fs, path: path}
}

func (e *FileKeyEncryptor) load() error {
	e.once.Do(func() {
		if e.fs == nil {
			e.loadErr = ErrNilFileSystem
			return
		}
		e.cache, e.loadErr = LoadKeyCache(e.fs, e.path)
		if e.loadErr == nil && e.logger != nil {
			e.logger.Debug("F00D cache loaded", "path", e.path, "entries", e.cache.Len())
		}
	})
	return e.loadErr
}

// EncryptKey looks the key up in the cache
func (e *FileKeyEncryptor) EncryptKey(key []byte) ([]byte, error) {
	if err := ValidateKey(key, KlicenseeSize); err != nil {
		return nil, err
	}
	if err := e.load(); err != nil {
		return nil, err
	}

	value, ok := e.cache.Get(ByteArrayToString(key))
	if !ok {
		return nil, &KeyLookupError{CachePath: e.path, Err: ErrCacheMiss}
	}

	// entries were validated on load
	out, err := decodeStrictHex(value, KlicenseeSize)
	if err != nil {
		return nil, &CorruptionError{Path: e.path, Message: "malformed cached key", Err: err}
	}
	return out, nil
}

// Cache returns the loaded cache, or nil before the first lookup
func (e *FileKeyEncryptor) Cache() *KeyCache {
	return e.cache
}

// Path returns the cache file path
func (e *FileKeyEncryptor) Path() string {
	return e.path
}

// PrintCache writes the loaded pairs. An unloaded cache prints nothing.
func (e *FileKeyEncryptor) PrintCache(w io.Writer, sep string) error {
	if e.cache == nil {
		return nil
	}
	return e.cache.Print(w, sep)
}

// NativeKeyEncryptor implements KeyEncryptor by delegating to the crypto
// service. It keeps no state.
type NativeKeyEncryptor struct {
	crypto CryptoService
}

// NewNativeKeyEncryptor creates an encryptor backed by crypto
func NewNativeKeyEncryptor(crypto CryptoService) *NativeKeyEncryptor {
	return &NativeKeyEncryptor{crypto: crypto}
}

// EncryptKey asks the crypto service for the F00D-encrypted key
func (e *NativeKeyEncryptor) EncryptKey(key []byte) ([]byte, error) {
	if err := ValidateKey(key, KlicenseeSize); err != nil {
		return nil, err
	}
	if e.crypto == nil {
		return nil, fmt.Errorf("native f00d: no crypto service configured")
	}
	out, err := e.crypto.F00DEncrypt(key)
	if err != nil {
		return nil, fmt.Errorf("native f00d: %w", err)
	}
	if len(out) != KlicenseeSize {
		return nil, fmt.Errorf("native f00d: crypto service returned %d bytes", len(out))
	}
	return out, nil
}

// PrintCache prints nothing; the native strategy has no cache
func (e *NativeKeyEncryptor) PrintCache(w io.Writer, sep string) error {
	return nil
}

// NewKeyEncryptor builds the strategy selected by cfg. logger may be nil.
func NewKeyEncryptor(cfg F00DConfig, fs absfs.FileSystem, crypto CryptoService, logger *slog.Logger) (KeyEncryptor, error) {
	switch cfg.Type {
	case F00DFile:
		if err := ValidateFilePath(cfg.Arg); err != nil {
			return nil, err
		}
		e := NewFileKeyEncryptor(fs, cfg.Arg)
		e.logger = logger
		return e, nil
	case F00DNative:
		return NewNativeKeyEncryptor(crypto), nil
	default:
		return nil, &ValidationError{
			Field:   "f00d_enc_type",
			Value:   cfg.Type,
			Message: "unsupported F00D encryptor type",
			Err:     ErrUnknownEncryptorType,
		}
	}
}
