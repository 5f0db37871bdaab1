package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"Europe/Moscow"`
	Port   int    `envconfig:"PORT" default:"8080"`

	Telegram struct {
		Token      string  `envconfig:"TG_BOT_TOKEN"`
		WebhookURL string  `envconfig:"TG_WEBHOOK_URL"`
		ChannelID  int64   `envconfig:"TG_CHANNEL_ID"`
		ChannelURL string  `envconfig:"TG_CHANNEL_URL" default:"https://t.me/your_channel"`
		AdminIDs   []int64 `envconfig:"TG_ADMIN_IDS"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Sequence struct {
		// DelayFirstPost включает паузу перед самым первым постом нулевого дня.
		// По умолчанию первый пост уходит сразу, чтобы не было стартовой задержки.
		DelayFirstPost bool          `envconfig:"SEQUENCE_DELAY_FIRST" default:"false"`
		PumpInterval   time.Duration `envconfig:"SEQUENCE_PUMP_INTERVAL" default:"1s"`
		RecoverEvery   time.Duration `envconfig:"SEQUENCE_RECOVER_INTERVAL" default:"30s"`
	} `envconfig:""`

	Retention struct {
		ProgressDays int `envconfig:"PROGRESS_RETENTION_DAYS" default:"30"`
	} `envconfig:""`

	Queues struct {
		Broadcast string `envconfig:"BROADCAST_QUEUE_KEY" default:"broadcast_jobs"`
	} `envconfig:""`

	Tgtrack struct {
		ID string `envconfig:"TGTRACK_ID"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}

// Location возвращает часовой пояс планировщика.
func (c AppConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.TZ)
	if err != nil {
		log.Fatalf("некорректный часовой пояс %q: %v", c.TZ, err)
	}
	return loc
}
