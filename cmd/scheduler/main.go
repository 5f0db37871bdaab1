package main

import (
	"context"
	"os/signal"
	"strconv"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"

	"tg-drip-bot/internal/adapters/bot"
	"tg-drip-bot/internal/adapters/repo"
	"tg-drip-bot/internal/infra/config"
	"tg-drip-bot/internal/infra/db"
	applog "tg-drip-bot/internal/infra/log"
	"tg-drip-bot/internal/infra/metrics"
	"tg-drip-bot/internal/usecase/dispatch"
	"tg-drip-bot/internal/usecase/sequence"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось создать бота")
	}
	sender := bot.NewSender(botAPI, logger.With().Str("component", "sender").Logger())

	sequenceService := sequence.NewService(repoAdapter, repoAdapter, repoAdapter, sender,
		logger.With().Str("component", "sequence").Logger(), cfg.Sequence.DelayFirstPost)

	dispatchService := dispatch.NewService(repoAdapter, repoAdapter, repoAdapter, sender, sequenceService,
		logger.With().Str("component", "dispatch").Logger(), cfg.Location(), cfg.Retention.ProgressDays)

	go metrics.StartServer(ctx, logger, ":"+strconv.Itoa(cfg.Port))

	logger.Info().Msg("планировщик запущен")
	dispatchService.Run(ctx, cfg.Sequence.PumpInterval, cfg.Sequence.RecoverEvery)
	logger.Info().Msg("планировщик остановлен")
}
