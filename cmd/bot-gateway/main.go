package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-drip-bot/internal/adapters/bot"
	"tg-drip-bot/internal/adapters/repo"
	"tg-drip-bot/internal/adapters/tgtrack"
	"tg-drip-bot/internal/domain"
	"tg-drip-bot/internal/infra/cache"
	"tg-drip-bot/internal/infra/config"
	"tg-drip-bot/internal/infra/db"
	httpserver "tg-drip-bot/internal/infra/http"
	applog "tg-drip-bot/internal/infra/log"
	"tg-drip-bot/internal/infra/metrics"
	"tg-drip-bot/internal/infra/queue"
	"tg-drip-bot/internal/usecase/broadcast"
	"tg-drip-bot/internal/usecase/lessons"
	"tg-drip-bot/internal/usecase/sequence"
	surveyuc "tg-drip-bot/internal/usecase/survey"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot-gateway: нет подключения к БД")
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	cacheAdapter := cache.NewRedis(redisClient)

	repoAdapter := repo.NewPostgres(pool)

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot-gateway: не удалось создать бота")
	}

	if cfg.Telegram.WebhookURL != "" {
		wh, err := tgbotapi.NewWebhook(cfg.Telegram.WebhookURL + "/bot/webhook")
		if err != nil {
			logger.Fatal().Err(err).Msg("bot-gateway: некорректный адрес вебхука")
		}
		if _, err := botAPI.Request(wh); err != nil {
			logger.Fatal().Err(err).Msg("bot-gateway: не удалось зарегистрировать вебхук")
		}
	}

	sender := bot.NewSender(botAPI, logger.With().Str("component", "sender").Logger())
	oracle := bot.NewOracle(botAPI, cfg.Telegram.ChannelID)
	tracker := tgtrack.NewClient(cfg.Tgtrack.ID)

	sequenceService := sequence.NewService(repoAdapter, repoAdapter, repoAdapter, sender,
		logger.With().Str("component", "sequence").Logger(), cfg.Sequence.DelayFirstPost)
	surveyService := surveyuc.NewService(repoAdapter, tracker, logger.With().Str("component", "survey").Logger())
	lessonService := lessons.NewService(repoAdapter, repoAdapter, sender, logger.With().Str("component", "lessons").Logger())

	var castQueue domain.BroadcastQueue
	if cfg.RabbitURL != "" {
		rabbit, err := queue.NewRabbitBroadcastQueue(cfg.RabbitURL, cfg.Queues.Broadcast)
		if err != nil {
			logger.Fatal().Err(err).Msg("bot-gateway: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbit.Close()
		castQueue = rabbit
	} else {
		castQueue = queue.NewRedisBroadcastQueue(redisClient, cfg.Queues.Broadcast)
	}
	castService := broadcast.NewService(castQueue, repoAdapter, sender, logger.With().Str("component", "broadcast").Logger())

	h := bot.NewHandler(botAPI, logger.With().Str("component", "handler").Logger(),
		repoAdapter, repoAdapter, repoAdapter, oracle, sequenceService,
		surveyService, lessonService, castService, tracker, cacheAdapter, cfg.Telegram.AdminIDs)

	srv := httpserver.NewServer(logger)
	srv.Router.Post("/bot/webhook", func(w http.ResponseWriter, r *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.HandleUpdate(r.Context(), update)
		w.WriteHeader(http.StatusOK)
	})

	go func() {
		logger.Info().Int("port", cfg.Port).Msg("бот-гейтвей запущен")
		if err := srv.Start(":" + strconv.Itoa(cfg.Port)); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP сервер остановлен")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Info().Msg("остановка бота")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
