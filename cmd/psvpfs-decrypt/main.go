// Command psvpfs-decrypt decrypts a PS Vita title directory protected by
// PFS into a plain directory tree.
package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/absfs/absfs"
	"github.com/dustin/go-humanize"

	"github.com/absfs/psvpfs"
	"github.com/absfs/psvpfs/pfs"
	"github.com/absfs/psvpfs/zrif"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	opts, err := parseArgs(args, os.Getenv)
	if err != nil {
		printUsage(stderr)
		return err
	}
	if opts.help {
		printUsage(stdout)
		return nil
	}

	level, err := parseLogLevel(opts.cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := opts.cfg.runConfig()
	if err != nil {
		return err
	}

	fs := psvpfs.NewHostFS("")

	keys := &psvpfs.KeyStore{}
	if opts.cfg.Keys != "" {
		keys, err = psvpfs.LoadKeyStore(fs, opts.cfg.Keys)
		if err != nil {
			return err
		}
	}
	crypto := psvpfs.NewLocalCrypto(fs, keys)

	var dict []byte
	if opts.cfg.ZRIFDict != "" {
		dict, err = readDictionary(fs, opts.cfg.ZRIFDict)
		if err != nil {
			return err
		}
	}
	decoder := zrif.NewDecoder(dict)
	licenses := psvpfs.LicenseDecoderFunc(func(s string) (psvpfs.License, error) {
		l, err := decoder.Decode(s)
		if err != nil {
			return nil, err
		}
		return l, nil
	})

	var mountOpts []pfs.Option
	if opts.cfg.XTSKey != "" {
		key, err := hex.DecodeString(opts.cfg.XTSKey)
		if err != nil {
			return fmt.Errorf("xts key: %w", err)
		}
		d, err := pfs.NewXTSDecrypter(key, opts.cfg.XTSSectorSize)
		if err != nil {
			return err
		}
		mountOpts = append(mountOpts, pfs.WithContentDecrypter(d))
	}

	res, err := psvpfs.Run(cfg, psvpfs.Options{
		FS:           fs,
		Crypto:       crypto,
		Licenses:     licenses,
		Mount:        pfs.MountFunc(fs, mountOpts...),
		Logger:       logger,
		Out:          stdout,
		SkipKeystone: opts.cfg.SkipKeystone,
		LogKlicensee: opts.cfg.PrintKlicensee,
	})
	if err != nil {
		return err
	}

	if p, ok := res.Mounter.(*pfs.Filesystem); ok {
		s := p.Summary()
		logger.Info("decryption finished",
			"image", p.ImageType(),
			"directories", s.Directories,
			"files", s.Files,
			"decrypted", s.Decrypted,
			"copied", s.Copied,
			"size", humanize.Bytes(uint64(s.Bytes)),
		)
	}
	return nil
}

// readDictionary reads a zRIF inflate dictionary
func readDictionary(fs absfs.FileSystem, name string) ([]byte, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, psvpfs.NewIOError("open", name, err)
	}
	defer f.Close()

	dict, err := io.ReadAll(f)
	if err != nil {
		return nil, psvpfs.NewIOError("read", name, err)
	}
	return dict, nil
}

func printUsage(w io.Writer) {
	var configPath string
	var help bool
	fs := newFlagSet(defaultConfig(), &configPath, &help)
	fmt.Fprintf(w, `Usage: psvpfs-decrypt -i <title_src> -o <title_dst> [flags]

The klicensee is taken from --klicensee, then --zrif, then the title's
sce_sys/sealedkey.

Flags:
%s`, fs.FlagUsages())
}
