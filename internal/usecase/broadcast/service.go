package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-drip-bot/internal/domain"
	"tg-drip-bot/internal/infra/metrics"
)

// Service — разовая рассылка по всем активным пользователям.
// Это не часть планировщика: задача уходит в очередь и обрабатывается
// отдельным воркером.
type Service struct {
	queue   domain.BroadcastQueue
	users   domain.UserRepo
	gateway domain.Gateway
	log     zerolog.Logger
}

// NewService создаёт сервис рассылок.
func NewService(queue domain.BroadcastQueue, users domain.UserRepo, gateway domain.Gateway, log zerolog.Logger) *Service {
	return &Service{queue: queue, users: users, gateway: gateway, log: log}
}

// Enqueue ставит рассылку в очередь и возвращает id задачи.
func (s *Service) Enqueue(ctx context.Context, adminID int64, post domain.SchedulePost) (string, error) {
	job := domain.BroadcastJob{
		ID:          uuid.NewString(),
		AdminID:     adminID,
		Post:        post,
		RequestedAt: time.Now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("постановка рассылки: %w", err)
	}
	s.log.Info().Str("job", job.ID).Int64("admin", adminID).Msg("broadcast: задача поставлена")
	return job.ID, nil
}

// Deliver рассылает пост задачи всем активным пользователям.
// Возвращает число успешных отправок; сбой на одном пользователе
// не останавливает остальных.
func (s *Service) Deliver(ctx context.Context, job domain.BroadcastJob) (int, error) {
	users, err := s.users.ListActiveUsers()
	if err != nil {
		metrics.BroadcastJobsTotal.WithLabelValues("failed").Inc()
		return 0, fmt.Errorf("выборка получателей: %w", err)
	}

	sent := 0
	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := s.gateway.Send(ctx, user.UserID, job.Post); err != nil {
			if errors.Is(err, domain.ErrRecipientBlocked) {
				metrics.BlockedUsersTotal.Inc()
				if err := s.users.SetBlocked(user.UserID, true); err != nil {
					s.log.Error().Err(err).Int64("user", user.UserID).Msg("broadcast: не удалось пометить блокировку")
				}
				continue
			}
			s.log.Error().Err(err).Int64("user", user.UserID).Str("job", job.ID).Msg("broadcast: отправка не удалась")
			continue
		}
		sent++
	}
	metrics.BroadcastJobsTotal.WithLabelValues("delivered").Inc()
	s.log.Info().Str("job", job.ID).Int("sent", sent).Int("total", len(users)).Msg("broadcast: задача выполнена")
	return sent, nil
}

// Run читает очередь и выполняет задачи до отмены контекста.
func (s *Service) Run(ctx context.Context) {
	for {
		job, err := s.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			s.log.Error().Err(err).Msg("broadcast: ошибка чтения очереди")
			continue
		}
		if _, err := s.Deliver(ctx, job); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error().Err(err).Str("job", job.ID).Msg("broadcast: задача не выполнена")
		}
	}
}
