package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	PostsSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "posts_sent_total",
		Help: "Отправленные посты по типу контента",
	}, []string{"kind"})

	PostsSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "posts_skipped_total",
		Help: "Пропущенные посты по причине",
	}, []string{"reason"})

	SendErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "send_errors_total",
		Help: "Ошибки отправки сообщений ботом",
	})

	BlockedUsersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blocked_users_total",
		Help: "Пользователи, заблокировавшие бота",
	})

	LaunchSequencesStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "launch_sequences_started_total",
		Help: "Запущенные стартовые последовательности",
	})

	DispatchTickSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_tick_seconds",
		Help:    "Длительность одного тика планировщика",
		Buckets: prometheus.DefBuckets,
	})

	ProgressPurgedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "progress_purged_total",
		Help: "Удалённые записи журнала доставки",
	})

	DaysAdvancedUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "days_advanced_users",
		Help: "Пользователи, продвинутые последним суточным тиком",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	BroadcastJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_jobs_total",
		Help: "Обработанные задачи рассылки",
	}, []string{"status"})

	SurveyCompletionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "survey_completions_total",
		Help: "Завершённые опросы",
	}, []string{"survey_id"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		PostsSentTotal,
		PostsSkippedTotal,
		SendErrorsTotal,
		BlockedUsersTotal,
		LaunchSequencesStarted,
		DispatchTickSeconds,
		ProgressPurgedTotal,
		DaysAdvancedUsers,
		NetworkRequestDuration,
		NetworkRequestTotal,
		BroadcastJobsTotal,
		SurveyCompletionsTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// IncSurveyCompletion увеличивает счётчик завершённых опросов.
func IncSurveyCompletion(surveyID int64) {
	SurveyCompletionsTotal.WithLabelValues(strconv.FormatInt(surveyID, 10)).Inc()
}
