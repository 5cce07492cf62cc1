// Package config loads fpgaview settings from defaults, a YAML file,
// SERIALFRAME_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/luhtfiimanal/serialframe"
)

const envPrefix = "SERIALFRAME"

// Config is the full application configuration.
type Config struct {
	Serial SerialConfig `mapstructure:"serial"`
	Frame  FrameConfig  `mapstructure:"frame"`
	Log    LogConfig    `mapstructure:"log"`
}

// SerialConfig describes the device connection and reconnect policy.
type SerialConfig struct {
	Port          string        `mapstructure:"port"`
	BaudRate      int           `mapstructure:"baud_rate"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	Driver        string        `mapstructure:"driver"`
	DataBits      int           `mapstructure:"data_bits"`
	StopBits      int           `mapstructure:"stop_bits"`
	Parity        string        `mapstructure:"parity"`
	RetryTimes    int           `mapstructure:"retry_times"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	StartCommand  string        `mapstructure:"start_command"`
	ReadSize      int           `mapstructure:"read_size"`
}

// FrameConfig describes how the byte stream is cut into frames.
type FrameConfig struct {
	Width     int    `mapstructure:"width"`
	Delimiter string `mapstructure:"delimiter"`
	Charset   string `mapstructure:"charset"`
	Policy    string `mapstructure:"policy"`
}

// LogConfig describes log level, encoding and destinations.
type LogConfig struct {
	Level  string        `mapstructure:"level"`
	Format string        `mapstructure:"format"` // json or console
	Output string        `mapstructure:"output"` // stderr, stdout, file or both (stderr + file)
	File   FileLogConfig `mapstructure:"file"`
}

// FileLogConfig configures the rotated log file.
type FileLogConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxAge     int    `mapstructure:"max_age"`  // days
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// Source converts the serial section into a serialframe.Config.
func (c SerialConfig) Source() serialframe.Config {
	return serialframe.Config{
		Device:      c.Port,
		BaudRate:    c.BaudRate,
		ReadTimeout: c.ReadTimeout,
		Driver:      c.Driver,
		DataBits:    c.DataBits,
		StopBits:    c.StopBits,
		Parity:      c.Parity,
	}
}

// Assembler converts the frame section into a serialframe.AssemblerConfig.
func (c FrameConfig) Assembler() (serialframe.AssemblerConfig, error) {
	policy, err := serialframe.ParseDecodePolicy(c.Policy)
	if err != nil {
		return serialframe.AssemblerConfig{}, err
	}
	return serialframe.AssemblerConfig{
		Width:     c.Width,
		Delimiter: unescape(c.Delimiter),
		Charset:   c.Charset,
		Policy:    policy,
	}, nil
}

// unescape lets YAML files and flags spell control delimiters as \n, \r, \t.
func unescape(s string) string {
	return strings.NewReplacer(`\r`, "\r", `\n`, "\n", `\t`, "\t", `\0`, "\x00").Replace(s)
}

// flagKeys maps flag names registered by RegisterFlags to config keys.
var flagKeys = map[string]string{
	"port":         "serial.port",
	"baud":         "serial.baud_rate",
	"read-timeout": "serial.read_timeout",
	"driver":       "serial.driver",
	"retry-times":  "serial.retry_times",
	"start":        "serial.start_command",
	"width":        "frame.width",
	"delimiter":    "frame.delimiter",
	"charset":      "frame.charset",
	"policy":       "frame.policy",
	"log-level":    "log.level",
}

// RegisterFlags adds the command-line flags understood by Load to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "YAML config file")
	fs.StringP("port", "p", "", "serial device, e.g. /dev/ttyUSB0 or COM3")
	fs.IntP("baud", "b", serialframe.DefaultBaudRate, "baud rate")
	fs.Duration("read-timeout", serialframe.DefaultReadTimeout, "max time a single read blocks")
	fs.String("driver", "", "serial driver: termios or portable (default per platform)")
	fs.Int("retry-times", 0, "consecutive reconnect attempts, negative for unlimited")
	fs.String("start", "", "command written to the device when a session starts")
	fs.IntP("width", "w", serialframe.DefaultFrameWidth, "frame width in characters")
	fs.String("delimiter", "", `frame delimiter, e.g. "\n"; empty for fixed-width frames`)
	fs.String("charset", "utf-8", "stream charset (IANA name)")
	fs.String("policy", "replace", "undecodable bytes: replace or ignore")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("serial.port", "")
	v.SetDefault("serial.baud_rate", serialframe.DefaultBaudRate)
	v.SetDefault("serial.read_timeout", serialframe.DefaultReadTimeout)
	v.SetDefault("serial.driver", "")
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "N")
	v.SetDefault("serial.retry_times", 0)
	v.SetDefault("serial.retry_interval", "2s")
	v.SetDefault("serial.start_command", "")
	v.SetDefault("serial.read_size", serialframe.DefaultReadSize)

	v.SetDefault("frame.width", serialframe.DefaultFrameWidth)
	v.SetDefault("frame.delimiter", "")
	v.SetDefault("frame.charset", "utf-8")
	v.SetDefault("frame.policy", "replace")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stderr")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "fpgaview.log")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)
}

// Loader holds the viper instance behind a loaded Config so it can be
// watched for changes.
type Loader struct {
	v   *viper.Viper
	mu  sync.RWMutex
	cfg *Config
}

// Load reads configuration. An empty path searches ./serialframe.yaml and
// /etc/serialframe/serialframe.yaml and falls back to defaults when neither
// exists; an explicit path must exist. fs may be nil.
func Load(path string, fs *pflag.FlagSet) (*Loader, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("serialframe")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/serialframe")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Loader{v: v, cfg: cfg}, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Get returns the current configuration.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// ConfigFileUsed returns the path of the file that was read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Watch reloads the configuration whenever the config file changes and
// passes the new value to callback. It does nothing without a config file.
func (l *Loader) Watch(callback func(*Config, error)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(l.v)
		if err == nil {
			l.mu.Lock()
			l.cfg = cfg
			l.mu.Unlock()
		}
		if callback != nil {
			callback(cfg, err)
		}
	})
	l.v.WatchConfig()
}
