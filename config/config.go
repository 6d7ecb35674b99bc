// Package config loads the daemon configuration from a file, DLMS_ environment variables
// and command line flags, in increasing priority.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/utils/ptr"
)

const EnvPrefix = "DLMS"

type Config struct {
	Interface   string `mapstructure:"interface"`   // hdlc, wrapper
	Referencing string `mapstructure:"referencing"` // ln, sn
	Objects     string `mapstructure:"objects"`     // object table file
	MaxPduSize  uint16 `mapstructure:"max_pdu_size"`
	Capture     string `mapstructure:"capture"` // pcap file, empty disables capture

	Address     AddressConfig     `mapstructure:"address"`
	HDLC        HdlcConfig        `mapstructure:"hdlc"`
	TCP         TcpConfig         `mapstructure:"tcp"`
	Serial      SerialConfig      `mapstructure:"serial"`
	Security    SecurityConfig    `mapstructure:"security"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Push        PushConfig        `mapstructure:"push"`
	Log         LogConfig         `mapstructure:"log"`
}

type AddressConfig struct {
	Logical  uint16 `mapstructure:"logical"`
	Physical uint16 `mapstructure:"physical"`
}

// HdlcConfig holds the largest parameters accepted in SNRM.
type HdlcConfig struct {
	MaxInfoTX uint `mapstructure:"max_info_tx"`
	MaxInfoRX uint `mapstructure:"max_info_rx"`
	WindowTX  uint `mapstructure:"window_tx"`
	WindowRX  uint `mapstructure:"window_rx"`
}

type TcpConfig struct {
	// Address to listen on, empty disables the TCP listener.
	Address        string        `mapstructure:"address"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	MaxConnections *int          `mapstructure:"max_connections"`
}

type SerialConfig struct {
	// Device to serve, empty disables the serial listener.
	Device      string        `mapstructure:"device"`
	BaudRate    int           `mapstructure:"baud_rate"`
	DataBits    int           `mapstructure:"data_bits"`
	Parity      string        `mapstructure:"parity"`
	StopBits    int           `mapstructure:"stop_bits"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// SecurityConfig keys are hex encoded.
type SecurityConfig struct {
	Authentication    string `mapstructure:"authentication"` // none, low, gmac
	SystemTitle       string `mapstructure:"system_title"`
	EncryptionKey     string `mapstructure:"encryption_key"`
	AuthenticationKey string `mapstructure:"authentication_key"`
}

type PersistenceConfig struct {
	Type     string `mapstructure:"type"` // memory, mmap
	Path     string `mapstructure:"path"`
	Slots    *int   `mapstructure:"slots"`
	SlotSize *int   `mapstructure:"slot_size"`
}

type PushConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("interface", "wrapper")
	v.SetDefault("referencing", "ln")
	v.SetDefault("objects", "")
	v.SetDefault("max_pdu_size", 1024)
	v.SetDefault("capture", "")
	v.SetDefault("address.logical", 1)
	v.SetDefault("address.physical", 0)
	v.SetDefault("hdlc.max_info_tx", 128)
	v.SetDefault("hdlc.max_info_rx", 128)
	v.SetDefault("hdlc.window_tx", 1)
	v.SetDefault("hdlc.window_rx", 1)
	v.SetDefault("tcp.address", ":4059")
	v.SetDefault("tcp.idle_timeout", 2*time.Minute)
	v.SetDefault("serial.device", "")
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.parity", "N")
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.read_timeout", 100*time.Millisecond)
	v.SetDefault("serial.idle_timeout", 2*time.Minute)
	v.SetDefault("security.authentication", "none")
	v.SetDefault("security.system_title", "")
	v.SetDefault("security.encryption_key", "")
	v.SetDefault("security.authentication_key", "")
	v.SetDefault("persistence.type", "memory")
	v.SetDefault("persistence.path", "")
	v.SetDefault("push.timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads the configuration. An empty path only uses defaults, environment and flags.
// Flags are bound by their name, with dashes standing for dots ("tcp-address" sets
// tcp.address).
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// keys without a default are only seen in the environment when bound
	for _, key := range []string{"tcp.max_connections", "persistence.slots", "persistence.slot_size"} {
		_ = v.BindEnv(key)
	}

	if flags != nil {
		var ferr error
		flags.VisitAll(func(f *pflag.Flag) {
			if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "."), f); err != nil && ferr == nil {
				ferr = err
			}
		})
		if ferr != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", ferr)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config.fixup()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) fixup() {
	c.Interface = strings.ToLower(c.Interface)
	c.Referencing = strings.ToLower(c.Referencing)
	if c.TCP.MaxConnections == nil {
		c.TCP.MaxConnections = ptr.To(16)
	}
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Interface {
	case "hdlc", "wrapper":
	default:
		errs = append(errs, fmt.Errorf("unknown interface %q", c.Interface))
	}
	switch c.Referencing {
	case "ln", "sn":
	default:
		errs = append(errs, fmt.Errorf("unknown referencing %q", c.Referencing))
	}
	if c.TCP.Address == "" && c.Serial.Device == "" {
		errs = append(errs, errors.New("neither tcp nor serial listener configured"))
	}
	if _, ok := base.ParseSerialParity(c.Serial.Parity); !ok {
		errs = append(errs, fmt.Errorf("unknown parity %q", c.Serial.Parity))
	}
	if _, err := c.Authentication(); err != nil {
		errs = append(errs, err)
	}
	for name, key := range map[string]string{
		"system_title":       c.Security.SystemTitle,
		"encryption_key":     c.Security.EncryptionKey,
		"authentication_key": c.Security.AuthenticationKey,
	} {
		if _, err := hex.DecodeString(key); err != nil {
			errs = append(errs, fmt.Errorf("security.%s is not hex: %w", name, err))
		}
	}
	switch c.Persistence.Type {
	case "memory":
	case "mmap":
		if c.Persistence.Path == "" {
			errs = append(errs, errors.New("mmap persistence needs a path"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown persistence %q", c.Persistence.Type))
	}
	return errors.Join(errs...)
}

// Authentication is the mechanism clients have to use.
func (c *Config) Authentication() (base.Authentication, error) {
	switch strings.ToLower(c.Security.Authentication) {
	case "", "none":
		return base.AuthenticationNone, nil
	case "low":
		return base.AuthenticationLow, nil
	case "gmac", "high-gmac":
		return base.AuthenticationHighGmac, nil
	}
	return 0, fmt.Errorf("unsupported authentication %q", c.Security.Authentication)
}

// Key decodes one of the hex encoded security values, nil when empty.
func Key(s string) []byte {
	if s == "" {
		return nil
	}
	b, _ := hex.DecodeString(s)
	return b
}
