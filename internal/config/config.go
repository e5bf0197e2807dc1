// Package config provides configuration management using viper.
// It supports loading from YAML files and environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Bot       BotConfig       `mapstructure:"bot"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Whitelist WhitelistConfig `mapstructure:"whitelist"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Contest   ContestConfig   `mapstructure:"contest"`
	Attack    AttackConfig    `mapstructure:"attack"`
	Checkin   CheckinConfig   `mapstructure:"checkin"`
	Redpack   RedpackConfig   `mapstructure:"redpack"`
	Streak    StreakConfig    `mapstructure:"streak"`
	HTTP      HTTPConfig      `mapstructure:"http"`
}

// BotConfig holds Telegram bot configuration.
type BotConfig struct {
	Token string `mapstructure:"token"`
	// ThreadID pins every outgoing message to one forum topic when non-zero.
	ThreadID int `mapstructure:"thread_id"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// AdminConfig holds admin user configuration.
type AdminConfig struct {
	IDs []int64 `mapstructure:"ids"`
}

// WhitelistConfig holds chat whitelist configuration.
type WhitelistConfig struct {
	Chats []int64 `mapstructure:"chats"`
}

// LedgerConfig holds balance defaults. Amounts are in points.
type LedgerConfig struct {
	DefaultBalance int64 `mapstructure:"default_balance"`
}

// ContestConfig holds dice contest limits and timings.
type ContestConfig struct {
	MaxWager        int64         `mapstructure:"max_wager"`
	MaxDice         int           `mapstructure:"max_dice"`
	MinExactPlayers int           `mapstructure:"min_exact_players"`
	MaxPlayers      int           `mapstructure:"max_players"`
	RollCeiling     int           `mapstructure:"roll_ceiling"`
	SessionTTL      time.Duration `mapstructure:"session_ttl"`
	JoinWindow      time.Duration `mapstructure:"join_window"`
	ExactJoinWindow time.Duration `mapstructure:"exact_join_window"`
	DynamicGrace    time.Duration `mapstructure:"dynamic_grace"`
	JoinPoll        time.Duration `mapstructure:"join_poll"`
	RollPoll        time.Duration `mapstructure:"roll_poll"`
	WarnAfter       time.Duration `mapstructure:"warn_after"`
	EscapeAfter     time.Duration `mapstructure:"escape_after"`
	DiceAnimation   time.Duration `mapstructure:"dice_animation"`
	PendingBetTTL   time.Duration `mapstructure:"pending_bet_ttl"`
}

// AttackConfig holds /attack duel configuration. Amounts are in points.
type AttackConfig struct {
	Step         int64         `mapstructure:"step"`
	Cap          int64         `mapstructure:"cap"`
	Window       time.Duration `mapstructure:"window"`
	MarkerTTL    time.Duration `mapstructure:"marker_ttl"`
	CapturePerc  int64         `mapstructure:"capture_percent"`
	SettleLeeway time.Duration `mapstructure:"settle_leeway"`
}

// CheckinConfig holds daily check-in rewards. Amounts are in points.
type CheckinConfig struct {
	MinReward   int64 `mapstructure:"min_reward"`
	MaxReward   int64 `mapstructure:"max_reward"`
	StreakDays  int   `mapstructure:"streak_days"`
	StreakBonus int64 `mapstructure:"streak_bonus"`
}

// RedpackConfig holds red envelope limits. Amounts are in points.
type RedpackConfig struct {
	MaxTotal int64         `mapstructure:"max_total"`
	MaxCount int           `mapstructure:"max_count"`
	Expiry   time.Duration `mapstructure:"expiry"`
	MaxGift  int64         `mapstructure:"max_gift"`
}

// StreakConfig holds consecutive win/loss adjustments. Amounts are in points.
type StreakConfig struct {
	Threshold int   `mapstructure:"threshold"`
	Amount    int64 `mapstructure:"amount"`
}

// HTTPConfig holds the ops HTTP server configuration.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the config directory.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables use underscore separator and uppercase
	// e.g., BOT_TOKEN, REDIS_ADDR, CONTEST_MAX_WAGER
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file is optional - env vars can provide all config
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "dicearena")
	v.SetDefault("database.name", "dicearena")
	v.SetDefault("database.pool_size", 20)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("ledger.default_balance", 20000)

	// Contest defaults
	v.SetDefault("contest.max_wager", 40000)
	v.SetDefault("contest.max_dice", 5)
	v.SetDefault("contest.min_exact_players", 3)
	v.SetDefault("contest.max_players", 5)
	v.SetDefault("contest.roll_ceiling", 20)
	v.SetDefault("contest.session_ttl", "1h")
	v.SetDefault("contest.join_window", "60s")
	v.SetDefault("contest.exact_join_window", "300s")
	v.SetDefault("contest.dynamic_grace", "15s")
	v.SetDefault("contest.join_poll", "2s")
	v.SetDefault("contest.roll_poll", "5s")
	v.SetDefault("contest.warn_after", "30s")
	v.SetDefault("contest.escape_after", "60s")
	v.SetDefault("contest.dice_animation", "2500ms")
	v.SetDefault("contest.pending_bet_ttl", "60s")

	// Attack defaults
	v.SetDefault("attack.step", 1000)
	v.SetDefault("attack.cap", 20000)
	v.SetDefault("attack.window", "60s")
	v.SetDefault("attack.marker_ttl", "300s")
	v.SetDefault("attack.capture_percent", 90)
	v.SetDefault("attack.settle_leeway", "1s")

	// Check-in defaults
	v.SetDefault("checkin.min_reward", 100)
	v.SetDefault("checkin.max_reward", 1000)
	v.SetDefault("checkin.streak_days", 5)
	v.SetDefault("checkin.streak_bonus", 20000)

	// Red envelope and gift defaults
	v.SetDefault("redpack.max_total", 200000)
	v.SetDefault("redpack.max_count", 50)
	v.SetDefault("redpack.expiry", "5m")
	v.SetDefault("redpack.max_gift", 200000)

	v.SetDefault("streak.threshold", 3)
	v.SetDefault("streak.amount", 200)

	v.SetDefault("http.addr", ":8080")
}

// IsAdmin checks if a user ID is in the admin list.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Admin.IDs {
		if id == userID {
			return true
		}
	}
	return false
}

// IsChatAllowed checks if a chat ID is in the whitelist.
func (c *Config) IsChatAllowed(chatID int64) bool {
	// Empty whitelist means all chats are allowed
	if len(c.Whitelist.Chats) == 0 {
		return true
	}
	for _, id := range c.Whitelist.Chats {
		if id == chatID {
			return true
		}
	}
	return false
}
