// Package config loads and validates the fdns configuration file.
package config

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/semihalev/fdns/logging"
	"github.com/semihalev/fdns/upstream"
	"gopkg.in/yaml.v3"
)

const configver = "1.0.0"

// DefaultFile is generated when missing.
const DefaultFile = "fdns.conf"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config type
type Config struct {
	Version        string   `toml:"version" yaml:"version"`
	Bind           string   `toml:"bind" yaml:"bind" validate:"required,listenaddr"`
	BindDOH        string   `toml:"binddoh" yaml:"binddoh" validate:"omitempty,listenaddr"`
	BindDOHTLS     string   `toml:"binddohtls" yaml:"binddohtls" validate:"omitempty,listenaddr"`
	TLSCertificate string   `toml:"tlscertificate" yaml:"tlscertificate" validate:"required_with=BindDOHTLS"`
	TLSPrivateKey  string   `toml:"tlsprivatekey" yaml:"tlsprivatekey" validate:"required_with=BindDOHTLS"`
	TLSMinVersion  string   `toml:"tlsminversion" yaml:"tlsminversion" validate:"tlsversion"`
	TLSMaxVersion  string   `toml:"tlsmaxversion" yaml:"tlsmaxversion" validate:"tlsversion"`
	Upstreams      []string `toml:"upstreams" yaml:"upstreams" validate:"required,min=1,dive,upstream"`
	Timeout        Duration `toml:"timeout" yaml:"timeout"`
	Cache          bool     `toml:"cache" yaml:"cache"`
	CacheTTL       string   `toml:"cachettl" yaml:"cachettl" validate:"cachettl"`
	CacheSize      int      `toml:"cachesize" yaml:"cachesize" validate:"min=1"`
	DNSSEC         bool     `toml:"dnssec" yaml:"dnssec"`
	AccessList     []string `toml:"accesslist" yaml:"accesslist" validate:"dive,cidr"`
	LogLevel       string   `toml:"loglevel" yaml:"loglevel" validate:"oneof=debug info warn error"`
	Metrics        string   `toml:"metrics" yaml:"metrics" validate:"omitempty,listenaddr"`

	sVersion string
}

// ServerVersion return current server version
func (c *Config) ServerVersion() string {
	return c.sVersion
}

// Duration type
type Duration struct {
	time.Duration
}

// UnmarshalText for duration type
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText for duration type
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML for duration type
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

// FixedCacheTTL returns the configured cache lifetime, or zero when the TTL
// is derived from responses.
func (c *Config) FixedCacheTTL() time.Duration {
	secs, err := strconv.Atoi(c.CacheTTL)
	if err != nil || secs <= 0 {
		return 0
	}

	return time.Duration(secs) * time.Second
}

// TLSVersions returns the negotiated TLS version bounds.
func (c *Config) TLSVersions() (lo, hi uint16) {
	lo, _ = TLSVersion(c.TLSMinVersion)
	hi, _ = TLSVersion(c.TLSMaxVersion)
	return lo, hi
}

// TLSVersion maps a config version name to its crypto/tls constant.
func TLSVersion(name string) (uint16, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "TLS12":
		return tls.VersionTLS12, true
	case "TLS13":
		return tls.VersionTLS13, true
	}

	return 0, false
}

// Default returns the built-in configuration the file is decoded onto.
func Default() *Config {
	return &Config{
		Version:       configver,
		Bind:          ":53",
		TLSMinVersion: "TLS12",
		TLSMaxVersion: "TLS13",
		Upstreams:     []string{"1.1.1.1:53", "8.8.8.8:53"},
		Timeout:       Duration{2 * time.Second},
		Cache:         true,
		CacheTTL:      "auto",
		CacheSize:     1024,
		AccessList:    []string{"0.0.0.0/0", "::0/0"},
		LogLevel:      "info",
	}
}

var defaultConfig = `
# Config version, config and build versions can be different.
version = "%s"

# Address to bind to for the DNS server (UDP)
bind = ":53"

# Address to bind to for the DNS-over-HTTP server
# binddoh = ":8053"

# Address to bind to for the DNS-over-HTTPS server
# binddohtls = ":8443"

# TLS certificate file
# tlscertificate = "server.crt"

# TLS private key file
# tlsprivatekey = "server.key"

# TLS version bounds for DNS-over-HTTPS, TLS12 or TLS13
tlsminversion = "TLS12"
tlsmaxversion = "TLS13"

# Upstream resolvers, port 53 is used when missing
upstreams = [
"1.1.1.1:53",
"8.8.8.8:53"
]

# Query timeout for each upstream attempt
timeout = "2000ms"

# Cache responses
cache = true

# Cache lifetime in seconds, or auto to use the minimum answer ttl
cachettl = "auto"

# Maximum number of cached responses
cachesize = 1024

# Verify answer signatures with the zone DNSKEY set
dnssec = false

# Which clients allowed to make queries
accesslist = [
"0.0.0.0/0",
"::0/0"
]

# Log verbosity: debug, info, warn, error
loglevel = "info"

# Prometheus exporter address, blank disables
# metrics = "127.0.0.1:9153"
`

// Load loads the given config file
func Load(cfgfile, version string) (*Config, error) {
	log := logging.Named(logging.Default(), "config")

	if _, err := os.Stat(cfgfile); os.IsNotExist(err) && filepath.Base(cfgfile) == DefaultFile {
		if err := generateConfig(cfgfile); err != nil {
			return nil, err
		}
	}

	log.Info("Loading config file", "path", cfgfile)

	config, err := decode(cfgfile)
	if err != nil {
		return nil, err
	}

	if config.Version != configver {
		log.Warn("Config file is out of version, you can generate new one and check the changes.")
	}

	config.sVersion = version

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func decode(cfgfile string) (*Config, error) {
	config := Default()

	switch strings.ToLower(filepath.Ext(cfgfile)) {
	case ".yml", ".yaml":
		data, err := os.ReadFile(cfgfile)
		if err != nil {
			return nil, fmt.Errorf("could not load config: %w", err)
		}

		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)

		if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("could not load config: %w", err)
		}

	default:
		md, err := toml.DecodeFile(cfgfile, config)
		if err != nil {
			return nil, fmt.Errorf("could not load config: %w", err)
		}

		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("%w: unknown keys %v", ErrInvalid, undecoded)
		}
	}

	return config, nil
}

// Validate checks field formats and cross-field constraints.
func (c *Config) Validate() error {
	v := newValidator()

	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, describe(fe))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if c.Timeout.Duration <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalid)
	}

	if lo, hi := c.TLSVersions(); lo > hi {
		return fmt.Errorf("%w: tlsminversion %s is above tlsmaxversion %s", ErrInvalid, c.TLSMinVersion, c.TLSMaxVersion)
	}

	return nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("toml"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})

	// registration only fails for empty tags or nil funcs
	_ = v.RegisterValidation("listenaddr", validateListenAddr)
	_ = v.RegisterValidation("upstream", validateUpstream)
	_ = v.RegisterValidation("tlsversion", validateTLSVersion)
	_ = v.RegisterValidation("cachettl", validateCacheTTL)

	return v
}

func validateListenAddr(fl validator.FieldLevel) bool {
	host, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil {
		return false
	}

	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return false
	}

	return host == "" || net.ParseIP(host) != nil || !strings.ContainsAny(host, " /:")
}

func validateUpstream(fl validator.FieldLevel) bool {
	_, err := upstream.NormalizeAddr(fl.Field().String())
	return err == nil
}

func validateTLSVersion(fl validator.FieldLevel) bool {
	_, ok := TLSVersion(fl.Field().String())
	return ok
}

func validateCacheTTL(fl validator.FieldLevel) bool {
	s := strings.TrimSpace(fl.Field().String())
	if s == "auto" {
		return true
	}

	secs, err := strconv.Atoi(s)
	return err == nil && secs > 0
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_with":
		return fmt.Sprintf("%s is required", fe.Namespace())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", fe.Namespace(), fe.Param(), fe.Value())
	case "tlsversion":
		return fmt.Sprintf("%s must be TLS12 or TLS13, got %q", fe.Namespace(), fe.Value())
	case "cachettl":
		return fmt.Sprintf("%s must be auto or a positive number of seconds, got %q", fe.Namespace(), fe.Value())
	default:
		return fmt.Sprintf("%s is invalid (%s), got %v", fe.Namespace(), fe.Tag(), fe.Value())
	}
}

func generateConfig(path string) error {
	log := logging.Named(logging.Default(), "config")

	output, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not generate config: %w", err)
	}

	defer func() {
		err := output.Close()
		if err != nil {
			log.Warn("Config generation failed while file closing", "error", err.Error())
		}
	}()

	r := strings.NewReader(fmt.Sprintf(defaultConfig, configver))
	if _, err := io.Copy(output, r); err != nil {
		return fmt.Errorf("could not copy default config: %w", err)
	}

	if abs, err := filepath.Abs(path); err == nil {
		log.Info("Default config file generated", "config", abs)
	}

	return nil
}
