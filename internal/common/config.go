package common

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

const (
	RelayShapeRaw = "raw"
	RelayShapeXHR = "xhr"
)

type Config struct {
	ServiceName  string
	HTTPPort     int
	MetricsPort  int
	OTLPEndpoint string
	LogLevel     string
	ConfigFile   string

	Channels ChannelsConfig

	Username  string
	Password  string
	SecretKey string

	SessionStore string
	RedisURL     string
	DatabaseURL  string
	SQLitePath   string

	KafkaBrokers        []string
	DispatchEventsTopic string

	LoginRatePerMinute int
	ProbeSchedule      string
	SecureCookie       bool
}

type ChannelsConfig struct {
	Telegram TelegramConfig
	Viber    ViberConfig
}

type TelegramConfig struct {
	BotToken  string
	ChannelID string
	APIURL    string
	ParseMode string
}

type ViberConfig struct {
	BotToken    string
	ChannelID   string
	APIURL      string
	Relays      []RelayConfig
	FallbackURL string
}

type RelayConfig struct {
	Shape string `yaml:"shape"`
	URL   string `yaml:"url"`
}

// fileConfig mirrors the YAML file accepted through ONECLICK_CONFIG.
type fileConfig struct {
	TelegramBotToken  string        `yaml:"telegramBotToken"`
	TelegramChannelID string        `yaml:"telegramChannelId"`
	TelegramAPIURL    string        `yaml:"telegramApiUrl"`
	TelegramParseMode string        `yaml:"telegramParseMode"`
	ViberBotToken     string        `yaml:"viberBotToken"`
	ViberChannelID    string        `yaml:"viberChannelId"`
	ViberAPIURL       string        `yaml:"viberApiUrl"`
	ViberRelays       []RelayConfig `yaml:"viberRelays"`
	ViberFallbackURL  *string       `yaml:"viberFallbackUrl"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	SecretKey         string        `yaml:"secretKey"`
}

var DefaultRelays = []RelayConfig{
	{Shape: RelayShapeRaw, URL: "https://api.allorigins.win/raw?url="},
	{Shape: RelayShapeXHR, URL: "https://corsproxy.io/?"},
	{Shape: RelayShapeXHR, URL: "https://thingproxy.freeboard.io/fetch/"},
	{Shape: RelayShapeXHR, URL: "https://cors-anywhere.herokuapp.com/"},
}

func LoadConfig(service string) (*Config, error) {
	cfg := &Config{ServiceName: service}

	httpPort, err := getEnvInt("HTTP_PORT", 8080)
	if err != nil {
		return nil, err
	}
	cfg.HTTPPort = httpPort

	metricsPort, err := getEnvInt("METRICS_PORT", httpPort+1000)
	if err != nil {
		return nil, err
	}
	cfg.MetricsPort = metricsPort

	cfg.OTLPEndpoint = os.Getenv("OTLP_ENDPOINT")
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.ConfigFile = os.Getenv("ONECLICK_CONFIG")

	file, err := readFileConfig(cfg.ConfigFile)
	if err != nil {
		return nil, err
	}

	channels, err := channelsFrom(file)
	if err != nil {
		return nil, err
	}
	cfg.Channels = channels

	cfg.Username = getEnv("ONECLICK_USERNAME", file.Username)
	cfg.Password = getEnv("ONECLICK_PASSWORD", file.Password)
	cfg.SecretKey = getEnv("ONECLICK_SECRET_KEY", file.SecretKey)

	cfg.SessionStore = getEnv("SESSION_STORE", "memory")
	cfg.RedisURL = getEnv("REDIS_URL", "redis://localhost:6379")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.SQLitePath = getEnv("SQLITE_PATH", "data/oneclick.db")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}
	cfg.DispatchEventsTopic = getEnv("DISPATCH_EVENTS_TOPIC", "oneclick.dispatch")

	loginRate, err := getEnvInt("LOGIN_RATE_PER_MINUTE", 10)
	if err != nil {
		return nil, err
	}
	cfg.LoginRatePerMinute = loginRate
	cfg.ProbeSchedule = getEnv("PROBE_SCHEDULE", "@every 5m")
	cfg.SecureCookie = getEnv("COOKIE_SECURE", "true") != "false"

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadChannels re-reads only the channel settings from the config file and
// environment. Used by the reloader.
func LoadChannels(path string) (ChannelsConfig, error) {
	file, err := readFileConfig(path)
	if err != nil {
		return ChannelsConfig{}, err
	}
	return channelsFrom(file)
}

func (c *Config) validate() error {
	var missing []string
	if c.Username == "" {
		missing = append(missing, "ONECLICK_USERNAME")
	}
	if c.Password == "" {
		missing = append(missing, "ONECLICK_PASSWORD")
	}
	if c.SecretKey == "" {
		missing = append(missing, "ONECLICK_SECRET_KEY")
	}
	if len(missing) > 0 {
		return &Error{Kind: KindConfig, Op: "load config", Msg: "missing " + strings.Join(missing, ", ")}
	}
	return nil
}

func channelsFrom(file fileConfig) (ChannelsConfig, error) {
	relays := file.ViberRelays
	if v := os.Getenv("VIBER_RELAYS"); v != "" {
		parsed, err := parseRelays(v)
		if err != nil {
			return ChannelsConfig{}, err
		}
		relays = parsed
	}
	if len(relays) == 0 {
		relays = DefaultRelays
	}
	for _, r := range relays {
		if r.Shape != RelayShapeRaw && r.Shape != RelayShapeXHR {
			return ChannelsConfig{}, fmt.Errorf("invalid relay shape %q for %s", r.Shape, r.URL)
		}
	}

	fallback := ""
	if file.ViberFallbackURL != nil {
		fallback = *file.ViberFallbackURL
	}
	if v, ok := os.LookupEnv("VIBER_FALLBACK_URL"); ok {
		fallback = v
	}

	return ChannelsConfig{
		Telegram: TelegramConfig{
			BotToken:  getEnv("TELEGRAM_BOT_TOKEN", file.TelegramBotToken),
			ChannelID: getEnv("TELEGRAM_CHANNEL_ID", file.TelegramChannelID),
			APIURL:    getEnv("TELEGRAM_API_URL", orDefault(file.TelegramAPIURL, "https://api.telegram.org")),
			ParseMode: getEnv("TELEGRAM_PARSE_MODE", orDefault(file.TelegramParseMode, "HTML")),
		},
		Viber: ViberConfig{
			BotToken:    getEnv("VIBER_BOT_TOKEN", file.ViberBotToken),
			ChannelID:   getEnv("VIBER_CHANNEL_ID", file.ViberChannelID),
			APIURL:      getEnv("VIBER_API_URL", orDefault(file.ViberAPIURL, "https://chatapi.viber.com/pa")),
			Relays:      relays,
			FallbackURL: fallback,
		},
	}, nil
}

func readFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fc, &Error{Kind: KindConfig, Op: "read config", Msg: path + " does not exist", Err: err}
		}
		return fc, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("yaml unmarshal %s: %w", path, err)
	}
	return fc, nil
}

// parseRelays accepts "shape|url" items separated by commas. A bare url
// defaults to the xhr shape.
func parseRelays(v string) ([]RelayConfig, error) {
	var out []RelayConfig
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		shape, url, ok := strings.Cut(item, "|")
		if !ok {
			shape, url = RelayShapeXHR, item
		}
		if url == "" {
			return nil, fmt.Errorf("invalid value for VIBER_RELAYS: empty url in %q", item)
		}
		out = append(out, RelayConfig{Shape: shape, URL: url})
	}
	return out, nil
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return parsed, nil
	}
	return fallback, nil
}
