// Package psvpfs decrypts PS Vita titles protected by PFS into plain
// directory trees, working over any absfs.FileSystem.
//
// # Overview
//
// A decryption run resolves the title's klicensee, opens the PFS image of
// the source directory, writes every file into the destination and then
// checks the destination's sce_sys/keystone. The mount engine itself lives
// in the pfs subpackage; zRIF license strings are handled by the zrif
// subpackage.
//
// # Klicensee Resolution
//
// Exactly one source is used, chosen by presence:
//
//   - an explicit 32-character hex key
//   - a zRIF license string
//   - the title's sce_sys/sealedkey, unsealed with the key store
//
// Hex parsing is lenient: every pair is read like strtol in base 16, so
// malformed characters never fail a run once the string is long enough.
//
// # F00D Key Encryption
//
// Game data and additional content images derive their secret from the
// F00D-encrypted klicensee. Two strategies implement KeyEncryptor:
//
//   - FileKeyEncryptor looks the key up in a precomputed cache file with one
//     "<key> <encrypted>" pair per line
//   - NativeKeyEncryptor asks the CryptoService to perform the encryption
//
// The cache file is loaded once, on first use. A key missing from the cache
// is an error, never a fallback. After a successful run the cache is printed
// as "F00D cache:" followed by one line per entry.
//
// # Junctions
//
// A Junction pairs the path an archive entry should have with the physical
// path it was matched to in a case-insensitive source tree. Materialization
// (directories, empty files, copies with an exact size) always writes to the
// path computed by the caller.
//
// # Basic Usage
//
//	fs := psvpfs.NewHostFS("")
//	keys, err := psvpfs.LoadKeyStore(fs, "keys.yaml")
//	if err != nil {
//	    return err
//	}
//	crypto := psvpfs.NewLocalCrypto(fs, keys)
//
//	cfg := &psvpfs.Config{
//	    Klicensee:  "00112233445566778899aabbccddeeff",
//	    SourcePath: "PCSE00001",
//	    DestPath:   "PCSE00001_dec",
//	    F00D:       psvpfs.F00DConfig{Type: psvpfs.F00DFile, Arg: "f00d.txt"},
//	}
//	res, err := psvpfs.Run(cfg, psvpfs.Options{
//	    FS:     fs,
//	    Crypto: crypto,
//	    Mount:  pfs.MountFunc(fs),
//	})
//
// # Keys
//
// No console keys ship with this package. KeyStore reads them from a YAML
// file; a missing key only disables the feature that needs it.
//
// # Error Handling
//
// Errors are structured and can be checked with the Is* helpers:
//
//	if psvpfs.IsCacheMiss(err) {
//	    // the F00D cache has no entry for this klicensee
//	}
//	if psvpfs.IsEngineError(err) {
//	    // mount, decryption or keystone check failed
//	}
package psvpfs
