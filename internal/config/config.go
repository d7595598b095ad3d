package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/DoyleJ11/arena-backend/internal/engine"
	"github.com/DoyleJ11/arena-backend/internal/room"
	"github.com/DoyleJ11/arena-backend/pkg/types"
)

const (
	BusMemory = "memory"
	BusRedis  = "redis"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	Addr           string
	LogLevel       string
	Bus            string
	RedisAddr      string
	BusBuffer      int
	AllowedOrigins []string

	PriceFeedURL   string
	PriceBatchSize int
	LookupTimeout  time.Duration

	PGDSN       string
	ResultsPath string

	TeamPreview       bool
	CountdownTicks    int
	CountdownInterval time.Duration
	TurnTimeout       time.Duration
	BotDelay          time.Duration
	MatchDuration     time.Duration
	TickInterval      time.Duration
	ForfeitGrace      time.Duration
	RoomRetention     time.Duration
	ScorePrecision    int
	DefaultHealth     int
	DefaultPower      int

	// BotBasket is the practice bot's portfolio; empty mirrors the player.
	BotBasket []types.Asset

	ShutdownTimeout time.Duration
}

// BindFlags registers every key on fs so flags override env and file values.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("addr", ":8080", "HTTP listen address")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("bus", BusMemory, "bus transport (memory, redis)")
	fs.String("redis-addr", "localhost:6379", "redis address for the redis bus")
	fs.Int("bus-buffer", 64, "per-subscriber buffer before a subscriber is dropped")
	fs.StringSlice("allowed-origins", []string{"*"}, "CORS and websocket origins (comma-separated)")
	fs.String("price-feed-url", "", "price feed base URL; empty uses a static feed")
	fs.Int("price-batch-size", 50, "symbols per price lookup request")
	fs.Duration("lookup-timeout", 800*time.Millisecond, "price lookup timeout per tick")
	fs.String("pg-dsn", "", "Postgres DSN for match results; empty disables")
	fs.String("results-path", "./data/results.jsonl", "JSONL match results path; empty disables")
	fs.Bool("team-preview", false, "wait for every player to ready up before the countdown")
	fs.Int("countdown-ticks", 3, "countdown ticks before a battle starts")
	fs.Duration("countdown-interval", time.Second, "interval between countdown ticks")
	fs.Duration("turn-timeout", 30*time.Second, "time allowed per turn before it is skipped")
	fs.Duration("bot-delay", time.Second, "practice bot thinking time")
	fs.Duration("match-duration", 60*time.Second, "portfolio match length")
	fs.Duration("tick-interval", time.Second, "portfolio scoring interval")
	fs.Duration("forfeit-grace", 15*time.Second, "disconnect grace before forfeiting")
	fs.Duration("room-retention", 2*time.Minute, "how long finished rooms stay readable")
	fs.Int("score-precision", 2, "decimal places two scores must share to tie")
	fs.Int("default-health", 100, "unit health when the team asset sets none")
	fs.Int("default-power", 10, "unit power when the team asset sets none")
	fs.StringSlice("bot-basket", nil, "practice bot portfolio as SYMBOL:price (comma-separated)")
	fs.Duration("shutdown-timeout", 10*time.Second, "graceful shutdown deadline")
}

// Load merges .env, config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("ARENA")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("addr", ":8080")
	v.SetDefault("log-level", "info")
	v.SetDefault("bus", BusMemory)
	v.SetDefault("redis-addr", "localhost:6379")
	v.SetDefault("bus-buffer", 64)
	v.SetDefault("allowed-origins", []string{"*"})
	v.SetDefault("price-batch-size", 50)
	v.SetDefault("lookup-timeout", 800*time.Millisecond)
	v.SetDefault("results-path", "./data/results.jsonl")
	v.SetDefault("team-preview", false)
	v.SetDefault("countdown-ticks", 3)
	v.SetDefault("countdown-interval", time.Second)
	v.SetDefault("turn-timeout", 30*time.Second)
	v.SetDefault("bot-delay", time.Second)
	v.SetDefault("match-duration", 60*time.Second)
	v.SetDefault("tick-interval", time.Second)
	v.SetDefault("forfeit-grace", 15*time.Second)
	v.SetDefault("room-retention", 2*time.Minute)
	v.SetDefault("score-precision", 2)
	v.SetDefault("default-health", 100)
	v.SetDefault("default-power", 10)
	v.SetDefault("bot-basket", []string{})
	v.SetDefault("shutdown-timeout", 10*time.Second)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("arena")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		Addr:              v.GetString("addr"),
		LogLevel:          v.GetString("log-level"),
		Bus:               v.GetString("bus"),
		RedisAddr:         v.GetString("redis-addr"),
		BusBuffer:         v.GetInt("bus-buffer"),
		AllowedOrigins:    splitAndClean(v.GetStringSlice("allowed-origins")),
		PriceFeedURL:      v.GetString("price-feed-url"),
		PriceBatchSize:    v.GetInt("price-batch-size"),
		LookupTimeout:     v.GetDuration("lookup-timeout"),
		PGDSN:             v.GetString("pg-dsn"),
		ResultsPath:       v.GetString("results-path"),
		TeamPreview:       v.GetBool("team-preview"),
		CountdownTicks:    v.GetInt("countdown-ticks"),
		CountdownInterval: v.GetDuration("countdown-interval"),
		TurnTimeout:       v.GetDuration("turn-timeout"),
		BotDelay:          v.GetDuration("bot-delay"),
		MatchDuration:     v.GetDuration("match-duration"),
		TickInterval:      v.GetDuration("tick-interval"),
		ForfeitGrace:      v.GetDuration("forfeit-grace"),
		RoomRetention:     v.GetDuration("room-retention"),
		ScorePrecision:    v.GetInt("score-precision"),
		DefaultHealth:     v.GetInt("default-health"),
		DefaultPower:      v.GetInt("default-power"),
		ShutdownTimeout:   v.GetDuration("shutdown-timeout"),
	}

	basket, err := parseBasket(splitAndClean(v.GetStringSlice("bot-basket")))
	if err != nil {
		return Config{}, err
	}
	cfg.BotBasket = basket

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Bus {
	case BusMemory:
	case BusRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis-addr is required for the redis bus")
		}
	default:
		return fmt.Errorf("unknown bus %q", c.Bus)
	}
	if c.CountdownTicks < 1 {
		return fmt.Errorf("countdown-ticks must be at least 1")
	}
	if c.TickInterval <= 0 || c.MatchDuration < c.TickInterval {
		return fmt.Errorf("match-duration must cover at least one tick-interval")
	}
	if c.LookupTimeout <= 0 || c.LookupTimeout > c.TickInterval {
		return fmt.Errorf("lookup-timeout must be positive and at most tick-interval")
	}
	if c.TurnTimeout <= 0 {
		return fmt.Errorf("turn-timeout must be positive")
	}
	if c.ScorePrecision < 0 {
		return fmt.Errorf("score-precision must not be negative")
	}
	if n := len(c.BotBasket); n != 0 && n != types.TeamSize {
		return fmt.Errorf("bot-basket needs exactly %d assets, got %d", types.TeamSize, n)
	}
	return nil
}

// Battle converts the battle keys into room settings.
func (c Config) Battle() room.Settings {
	return room.Settings{
		TeamPreview:       c.TeamPreview,
		CountdownTicks:    c.CountdownTicks,
		CountdownInterval: c.CountdownInterval,
		TurnTimeout:       c.TurnTimeout,
		BotDelay:          c.BotDelay,
		MatchDuration:     c.MatchDuration,
		TickInterval:      c.TickInterval,
		LookupTimeout:     c.LookupTimeout,
		ForfeitGrace:      c.ForfeitGrace,
		Retention:         c.RoomRetention,
		ScorePrecision:    int32(c.ScorePrecision),
		Units:             engine.UnitDefaults{Health: c.DefaultHealth, Power: c.DefaultPower},
	}
}

// parseBasket reads SYMBOL:price pairs.
func parseBasket(items []string) ([]types.Asset, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make([]types.Asset, 0, len(items))
	for _, item := range items {
		sym, raw, ok := strings.Cut(item, ":")
		sym = strings.TrimSpace(sym)
		if !ok || sym == "" {
			return nil, fmt.Errorf("bot-basket entry %q: want SYMBOL:price", item)
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || price <= 0 {
			return nil, fmt.Errorf("bot-basket entry %q: price must be a positive number", item)
		}
		out = append(out, types.Asset{Symbol: strings.ToUpper(sym), ReferencePrice: price})
	}
	return out, nil
}

// splitAndClean accepts both list values and a single comma-separated string.
func splitAndClean(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
