package psvpfs

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
)

// Options carries the collaborators of a decryption run
type Options struct {
	// FS is used for every file access
	FS absfs.FileSystem

	// Crypto provides the primitives and key services
	Crypto CryptoService

	// Licenses decodes zRIF strings; may be nil if no zRIF is given
	Licenses LicenseDecoder

	// Mount opens the archive
	Mount MountFunc

	// Logger defaults to slog.Default()
	Logger *slog.Logger

	// Out receives the F00D cache listing; defaults to os.Stdout
	Out io.Writer

	// CacheSeparator defaults to DefaultCacheSeparator
	CacheSeparator string

	// SkipKeystone disables the keystone check after decryption
	SkipKeystone bool

	// LogKlicensee logs the resolved key in hex at debug level
	LogKlicensee bool
}

// Result describes a successful run
type Result struct {
	RunID    string
	Source   KlicenseeSource
	Mounter  Mounter
	Keystone *Keystone
}

// Run decrypts the title described by cfg.
//
// The steps are: validate the configuration, select the F00D strategy,
// resolve the klicensee, mount, decrypt into the destination, check the
// keystone and print the F00D cache. The first error ends the run.
func Run(cfg *Config, opts Options) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.FS == nil {
		return nil, ErrNilFileSystem
	}
	if opts.Mount == nil {
		return nil, NewValidationError("mount", nil, "mount function cannot be nil")
	}

	c := cfg.Normalized()
	res := &Result{RunID: uuid.NewString()}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("run", res.RunID)

	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	sep := opts.CacheSeparator
	if sep == "" {
		sep = DefaultCacheSeparator
	}

	f00d, err := NewKeyEncryptor(c.F00D, opts.FS, opts.Crypto, logger)
	if err != nil {
		return nil, err
	}

	if c.Klicensee == "" && c.ZRIF == "" {
		logger.Info("using sealedkey...")
	}
	klicensee, source, err := ResolveKlicensee(&c, opts.Crypto, opts.Licenses)
	if err != nil {
		logger.Error("failed to resolve klicensee", "source", source, "error", err)
		return nil, err
	}
	defer klicensee.Wipe()
	res.Source = source

	logger.Info("klicensee resolved", "source", source, "klicensee", klicensee)
	if opts.LogKlicensee {
		logger.Debug("klicensee", "hex", klicensee.Hex())
	}

	m, err := opts.Mount(opts.Crypto, f00d, klicensee, c.SourcePath, logger)
	if err != nil {
		return nil, NewEngineError(StageMount, c.SourcePath, err)
	}
	res.Mounter = m

	if err := m.Mount(); err != nil {
		logger.Error("mount failed", "path", c.SourcePath, "error", err)
		return nil, NewEngineError(StageMount, c.SourcePath, err)
	}
	if err := m.DecryptFiles(c.DestPath); err != nil {
		logger.Error("decryption failed", "path", c.DestPath, "error", err)
		return nil, NewEngineError(StageDecrypt, c.DestPath, err)
	}

	if !opts.SkipKeystone {
		logger.Info("keystone sanity check...")
		ks, err := VerifyKeystone(opts.FS, opts.Crypto, c.DestPath)
		if err != nil {
			logger.Error("keystone check failed", "path", c.DestPath, "error", err)
			return nil, NewEngineError(StageKeystone, c.DestPath, err)
		}
		if !ks.Authenticated {
			logger.Warn("keystone key not configured, checked structure only")
		}
		res.Keystone = ks
	}

	if _, err := fmt.Fprintln(out, "F00D cache:"); err != nil {
		return nil, err
	}
	if err := f00d.PrintCache(out, sep); err != nil {
		return nil, err
	}
	return res, nil
}
