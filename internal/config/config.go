package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses YAML values like "1s" or "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	HTTPAddr string         `yaml:"http_addr"`
	Telegram TelegramConfig `yaml:"telegram"`
	Aria2    Aria2Config    `yaml:"aria2"`
	Poll     PollConfig     `yaml:"poll"`
	Notify   NotifyConfig   `yaml:"notify"`
	Download DownloadConfig `yaml:"download"`
}

type TelegramConfig struct {
	Token string `yaml:"token"`
	// Admins are the only users whose actions and submissions are honored.
	Admins []int64 `yaml:"admins"`
	// NotifyChatID receives the auto-created status messages. Defaults to
	// the first admin.
	NotifyChatID int64    `yaml:"notify_chat_id"`
	PollTimeout  Duration `yaml:"poll_timeout"`
}

type Aria2Config struct {
	RPCURL  string   `yaml:"rpc_url"`
	Secret  string   `yaml:"secret"`
	Timeout Duration `yaml:"timeout"`
}

type PollConfig struct {
	Interval      Duration `yaml:"interval"`
	MaxInterval   Duration `yaml:"max_interval"`
	MissThreshold int      `yaml:"miss_threshold"`
	ProgressDelta int64    `yaml:"progress_delta"`
}

type NotifyConfig struct {
	EditSpacing Duration `yaml:"edit_spacing"`
	// ChatRate is sends per second allowed per chat; ChatBurst the bucket.
	ChatRate  float64 `yaml:"chat_rate"`
	ChatBurst int     `yaml:"chat_burst"`
}

type Dir struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

type DownloadConfig struct {
	DefaultDir  string `yaml:"default_dir"`
	MagnetDirs  []Dir  `yaml:"magnet_dirs"`
	LinkDirs    []Dir  `yaml:"link_dirs"`
	TorrentDirs []Dir  `yaml:"torrent_dirs"`
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// Load reads the YAML config named by -config / CONFIG_PATH. The bot token
// and aria2 secret may come from the environment instead of the file.
func Load() (Config, error) {
	var path string
	flag.StringVar(&path, "config", getenv("CONFIG_PATH", "config.yaml"), "path of config yaml file")
	flag.Parse()
	return LoadFile(path)
}

func LoadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Telegram.Token == "" {
		c.Telegram.Token = os.Getenv("TELEGRAM_TOKEN")
	}
	if c.Aria2.Secret == "" {
		c.Aria2.Secret = os.Getenv("ARIA2_SECRET")
	}
	if c.Telegram.NotifyChatID == 0 && len(c.Telegram.Admins) > 0 {
		c.Telegram.NotifyChatID = c.Telegram.Admins[0]
	}
	if c.Telegram.PollTimeout <= 0 {
		c.Telegram.PollTimeout = Duration(20 * time.Second)
	}
	if c.Aria2.Timeout <= 0 {
		c.Aria2.Timeout = Duration(10 * time.Second)
	}
	if c.Poll.Interval <= 0 {
		c.Poll.Interval = Duration(time.Second)
	}
	if c.Poll.MaxInterval <= 0 {
		c.Poll.MaxInterval = Duration(30 * time.Second)
	}
	if c.Poll.MissThreshold <= 0 {
		c.Poll.MissThreshold = 2
	}
	if c.Poll.ProgressDelta <= 0 {
		c.Poll.ProgressDelta = 64 << 10
	}
	if c.Notify.EditSpacing <= 0 {
		c.Notify.EditSpacing = Duration(3 * time.Second)
	}
	if c.Notify.ChatRate <= 0 {
		c.Notify.ChatRate = 1
	}
	if c.Notify.ChatBurst <= 0 {
		c.Notify.ChatBurst = 5
	}
	if c.Download.DefaultDir == "" {
		c.Download.DefaultDir = "/downloads"
	}
}

func (c *Config) validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if len(c.Telegram.Admins) == 0 {
		return fmt.Errorf("telegram.admins must not be empty")
	}
	if c.Aria2.RPCURL == "" {
		return fmt.Errorf("aria2.rpc_url is required")
	}
	return nil
}
