package main

import (
	"context"
	"os/signal"
	"strconv"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-drip-bot/internal/adapters/bot"
	"tg-drip-bot/internal/adapters/repo"
	"tg-drip-bot/internal/domain"
	"tg-drip-bot/internal/infra/config"
	"tg-drip-bot/internal/infra/db"
	applog "tg-drip-bot/internal/infra/log"
	"tg-drip-bot/internal/infra/metrics"
	"tg-drip-bot/internal/infra/queue"
	"tg-drip-bot/internal/usecase/broadcast"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("broadcaster: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("broadcaster: не удалось создать бота")
	}
	sender := bot.NewSender(botAPI, logger.With().Str("component", "sender").Logger())

	var castQueue domain.BroadcastQueue
	if cfg.RabbitURL != "" {
		rabbit, err := queue.NewRabbitBroadcastQueue(cfg.RabbitURL, cfg.Queues.Broadcast)
		if err != nil {
			logger.Fatal().Err(err).Msg("broadcaster: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbit.Close()
		castQueue = rabbit
	} else {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		castQueue = queue.NewRedisBroadcastQueue(redisClient, cfg.Queues.Broadcast)
	}

	castService := broadcast.NewService(castQueue, repoAdapter, sender,
		logger.With().Str("component", "broadcast").Logger())

	go metrics.StartServer(ctx, logger, ":"+strconv.Itoa(cfg.Port))

	logger.Info().Msg("воркер рассылок запущен")
	castService.Run(ctx)
	logger.Info().Msg("воркер рассылок остановлен")
}
