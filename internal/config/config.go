package config

import (
	"fmt"
	"net/url"
	"os"
	"os/user"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"time"
	"unicode"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/spf13/viper"

	"github.com/payjoinlabs/payjoind/pkg/payjoin/ohttp"
)

const (
	badgerDb = "badger"
)

type Config struct {
	Datadir  string `mapstructure:"DATADIR" envDefault:"payjoind" envInfo:"Data directory for payjoind state"`
	DbType   string `mapstructure:"DB_TYPE" envDefault:"badger" envInfo:"Database backend: badger"`
	HTTPPort uint32 `mapstructure:"HTTP_PORT" envDefault:"7100" envInfo:"HTTP server port"`
	LogLevel uint32 `mapstructure:"LOG_LEVEL" envDefault:"4" envInfo:"Log verbosity (higher = more verbose)"`
	Network  string `mapstructure:"NETWORK" envDefault:"mainnet" envInfo:"Bitcoin network: mainnet | testnet | signet | regtest"`

	DirectoryURL string `mapstructure:"DIRECTORY_URL" envDefault:"" envInfo:"Payjoin directory base URL"`
	OhttpRelay   string `mapstructure:"OHTTP_RELAY" envDefault:"" envInfo:"OHTTP relay URL in front of the directory"`
	OhttpKeys    string `mapstructure:"OHTTP_KEYS" envDefault:"" envInfo:"Base64url-encoded OHTTP key configuration of the directory"`

	SessionExpiry uint32  `mapstructure:"SESSION_EXPIRY" envDefault:"86400" envInfo:"Receiver session lifetime in seconds"`
	MinFeeRate    float64 `mapstructure:"MIN_FEE_RATE" envDefault:"1" envInfo:"Minimum acceptable fee rate in sat/vB"`
	MaxFeeRate    float64 `mapstructure:"MAX_FEE_RATE" envDefault:"1000" envInfo:"Maximum payjoin fee rate in sat/vB"`

	BitcoindHost     string `mapstructure:"BITCOIND_HOST" envDefault:"localhost:8332" envInfo:"bitcoind RPC host:port"`
	BitcoindUser     string `mapstructure:"BITCOIND_USER" envDefault:"" envInfo:"bitcoind RPC user"`
	BitcoindPassword string `mapstructure:"BITCOIND_PASSWORD" envDefault:"" envInfo:"bitcoind RPC password"`
	BitcoindWallet   string `mapstructure:"BITCOIND_WALLET" envDefault:"" envInfo:"bitcoind wallet name"`

	SentryDsn        string `mapstructure:"SENTRY_DSN" envDefault:"" envInfo:"Sentry DSN for crash reports"`
	DisableTelemetry bool   `mapstructure:"DISABLE_TELEMETRY" envDefault:"false" envInfo:"Disable telemetry"`

	network   *chaincfg.Params
	directory *url.URL
	relay     *url.URL
	ohttpKeys ohttp.Keys
}

func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("PAYJOIND")
	v.AutomaticEnv()

	if err := setDefaultConfig(v); err != nil {
		return nil, fmt.Errorf("error setting default config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode into struct, %v", err)
	}

	if err := config.initDb(); err != nil {
		return nil, fmt.Errorf("error initializing data directory: %w", err)
	}

	if err := config.initNetwork(); err != nil {
		return nil, err
	}

	if err := config.initEndpoints(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) NetworkParams() *chaincfg.Params {
	return c.network
}

func (c *Config) Directory() *url.URL {
	return c.directory
}

func (c *Config) Relay() *url.URL {
	return c.relay
}

func (c *Config) Keys() ohttp.Keys {
	return c.ohttpKeys
}

func (c *Config) SessionLifetime() time.Duration {
	return time.Duration(c.SessionExpiry) * time.Second
}

func (c *Config) MinFeeRateSatPerVByte() chainfee.SatPerVByte {
	return chainfee.SatPerVByte(c.MinFeeRate)
}

func (c *Config) MaxFeeRateSatPerVByte() chainfee.SatPerVByte {
	return chainfee.SatPerVByte(c.MaxFeeRate)
}

func (c *Config) initDb() error {
	supportedDbType := map[string]struct{}{
		badgerDb: {},
	}

	if _, ok := supportedDbType[c.DbType]; !ok {
		return fmt.Errorf("unsupported db type: %s", c.DbType)
	}

	if c.Datadir == "payjoind" {
		c.Datadir = appDatadir("payjoind", false)
	}
	return makeDirectoryIfNotExists(c.Datadir)
}

func (c *Config) initNetwork() error {
	switch c.Network {
	case "mainnet", "bitcoin":
		c.network = &chaincfg.MainNetParams
	case "testnet", "testnet3":
		c.network = &chaincfg.TestNet3Params
	case "signet":
		c.network = &chaincfg.SigNetParams
	case "regtest":
		c.network = &chaincfg.RegressionNetParams
	default:
		return fmt.Errorf("unknown network %s", c.Network)
	}
	return nil
}

func (c *Config) initEndpoints() error {
	if c.DirectoryURL == "" {
		return fmt.Errorf("missing DIRECTORY_URL")
	}
	directory, err := url.Parse(c.DirectoryURL)
	if err != nil {
		return fmt.Errorf("invalid directory url: %w", err)
	}
	c.directory = directory

	if c.OhttpRelay == "" {
		return fmt.Errorf("missing OHTTP_RELAY")
	}
	relay, err := url.Parse(c.OhttpRelay)
	if err != nil {
		return fmt.Errorf("invalid ohttp relay url: %w", err)
	}
	c.relay = relay

	if c.OhttpKeys == "" {
		return fmt.Errorf("missing OHTTP_KEYS")
	}
	keys, err := ohttp.ParseKeys(c.OhttpKeys)
	if err != nil {
		return err
	}
	c.ohttpKeys = keys

	return nil
}

func setDefaultConfig(v *viper.Viper) error {
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		key := f.Tag.Get("mapstructure")
		def := f.Tag.Get("envDefault")
		if def != "" {
			v.SetDefault(key, def)
		}
		err := v.BindEnv(key)
		if err != nil {
			return fmt.Errorf("error binding env variable for key %s: %w", key, err)
		}
	}
	return nil
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}

// appDatadir returns an operating system specific directory to be used
// for storing application data.
func appDatadir(appName string, roaming bool) string {
	if appName == "" || appName == "." {
		return "."
	}

	appName = strings.TrimPrefix(appName, ".")
	appNameUpper := string(unicode.ToUpper(rune(appName[0]))) + appName[1:]
	appNameLower := string(unicode.ToLower(rune(appName[0]))) + appName[1:]

	var homeDir string
	usr, err := user.Current()
	if err == nil {
		homeDir = usr.HomeDir
	}
	if err != nil || homeDir == "" {
		homeDir = os.Getenv("HOME")
	}

	goos := runtime.GOOS
	switch goos {
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if roaming || appData == "" {
			appData = os.Getenv("APPDATA")
		}
		if appData != "" {
			return filepath.Join(appData, appNameUpper)
		}

	case "darwin":
		if homeDir != "" {
			return filepath.Join(homeDir, "Library",
				"Application Support", appNameUpper)
		}

	case "plan9":
		if homeDir != "" {
			return filepath.Join(homeDir, appNameLower)
		}

	default:
		if homeDir != "" {
			return filepath.Join(homeDir, "."+appNameLower)
		}
	}

	return "."
}
