package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/absfs/psvpfs"
)

// configEnv names the environment variable that points at a config file
// when --config is not given.
const configEnv = "PSVPFS_CONFIG"

// fileConfig is the on-disk form of the run configuration
type fileConfig struct {
	TitleSrc  string `yaml:"title_src"`
	TitleDst  string `yaml:"title_dst"`
	Klicensee string `yaml:"klicensee"`
	ZRIF      string `yaml:"zrif"`

	// F00DEncType is "file" or "native"
	F00DEncType string `yaml:"f00d_enc_type"`

	// F00DCache is the cache file used by the file encryptor
	F00DCache string `yaml:"f00d_cache"`

	// Keys is the key store YAML file
	Keys string `yaml:"keys"`

	// ZRIFDict is the zRIF zlib dictionary
	ZRIFDict string `yaml:"zrif_dict"`

	// XTSKey enables AES-XTS content decryption; hex, data key then tweak key
	XTSKey        string `yaml:"xts_key"`
	XTSSectorSize int    `yaml:"xts_sector_size"`

	LogLevel       string `yaml:"log_level"`
	SkipKeystone   bool   `yaml:"skip_keystone"`
	PrintKlicensee bool   `yaml:"print_klicensee"`
}

// defaultConfig returns the configuration used when nothing else is given
func defaultConfig() *fileConfig {
	return &fileConfig{
		F00DEncType: "native",
		LogLevel:    "info",
	}
}

// loadFile overlays the YAML file at path onto c
func (c *fileConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// options is the fully resolved command line
type options struct {
	cfg  fileConfig
	help bool
}

func newFlagSet(c *fileConfig, configPath *string, help *bool) *pflag.FlagSet {
	fs := pflag.NewFlagSet("psvpfs-decrypt", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVarP(&c.TitleSrc, "title-src", "i", c.TitleSrc, "source directory of the encrypted title")
	fs.StringVarP(&c.TitleDst, "title-dst", "o", c.TitleDst, "destination directory for the decrypted title")
	fs.StringVarP(&c.Klicensee, "klicensee", "k", c.Klicensee, "klicensee as 32 hex characters")
	fs.StringVarP(&c.ZRIF, "zrif", "z", c.ZRIF, "zRIF license string")
	fs.StringVarP(&c.F00DEncType, "f00d-enc-type", "f", c.F00DEncType, "F00D key encryptor: file or native")
	fs.StringVarP(&c.F00DCache, "f00d-cache", "c", c.F00DCache, "F00D cache file for the file encryptor")
	fs.StringVar(&c.Keys, "keys", c.Keys, "key store YAML file")
	fs.StringVar(&c.ZRIFDict, "zrif-dict", c.ZRIFDict, "zRIF zlib dictionary file")
	fs.StringVar(&c.XTSKey, "xts-key", c.XTSKey, "AES-XTS key for encrypted file content, in hex")
	fs.IntVar(&c.XTSSectorSize, "xts-sector-size", c.XTSSectorSize, "AES-XTS sector size (default 4096)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn or error")
	fs.BoolVar(&c.SkipKeystone, "skip-keystone", c.SkipKeystone, "do not check sce_sys/keystone after decryption")
	fs.BoolVar(&c.PrintKlicensee, "print-klicensee", c.PrintKlicensee, "log the klicensee in hex at debug level")
	fs.StringVar(configPath, "config", *configPath, "YAML config file (default $"+configEnv+")")
	fs.BoolVarP(help, "help", "h", false, "show help")
	return fs
}

// parseArgs resolves defaults, then the config file, then explicit flags
func parseArgs(args []string, getenv func(string) string) (*options, error) {
	// first pass only finds --config
	var configPath string
	var help bool
	pre := newFlagSet(defaultConfig(), &configPath, &help)
	if err := pre.Parse(args); err != nil {
		return nil, err
	}
	if help {
		return &options{help: true}, nil
	}
	if configPath == "" {
		configPath = getenv(configEnv)
	}

	c := defaultConfig()
	if configPath != "" {
		if err := c.loadFile(configPath); err != nil {
			return nil, err
		}
	}

	fs := newFlagSet(c, &configPath, &help)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return &options{cfg: *c}, nil
}

// runConfig converts the resolved options to the library configuration
func (c *fileConfig) runConfig() (*psvpfs.Config, error) {
	typ, err := psvpfs.ParseF00DType(c.F00DEncType)
	if err != nil {
		return nil, err
	}
	return &psvpfs.Config{
		Klicensee:  c.Klicensee,
		ZRIF:       c.ZRIF,
		SourcePath: c.TitleSrc,
		DestPath:   c.TitleDst,
		F00D:       psvpfs.F00DConfig{Type: typ, Arg: c.F00DCache},
	}, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, errors.New("log level must be debug, info, warn or error")
	}
	return level, nil
}
