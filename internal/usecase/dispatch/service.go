package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-drip-bot/internal/domain"
	"tg-drip-bot/internal/infra/metrics"
)

// Service — планировщик с тремя периодическими обязанностями:
// ежеминутная доставка постов обычных дней, суточный сдвиг счётчика дней
// и страховочный перезапуск потерянных онбордингов. Сюда же входит
// ночная чистка журнала доставки.
type Service struct {
	users     domain.UserRepo
	content   domain.ContentRepo
	progress  domain.ProgressRepo
	gateway   domain.Gateway
	sequencer domain.Sequencer
	log       zerolog.Logger

	loc       *time.Location
	retention time.Duration
	now       func() time.Time
}

// NewService создаёт планировщик.
func NewService(users domain.UserRepo, content domain.ContentRepo, progress domain.ProgressRepo, gateway domain.Gateway, sequencer domain.Sequencer, log zerolog.Logger, loc *time.Location, retentionDays int) *Service {
	return &Service{
		users:     users,
		content:   content,
		progress:  progress,
		gateway:   gateway,
		sequencer: sequencer,
		log:       log,
		loc:       loc,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		now:       time.Now,
	}
}

// DispatchDueScheduledPosts доставляет посты обычных дней, чьё время
// совпало с текущей минутой в настроенном часовом поясе. Журнал доставки
// делает повторные тики на одной минуте безопасными.
func (s *Service) DispatchDueScheduledPosts(ctx context.Context) error {
	tickStart := time.Now()
	defer func() { metrics.DispatchTickSeconds.Observe(time.Since(tickStart).Seconds()) }()

	hhmm := s.now().In(s.loc).Format("15:04")
	posts, err := s.content.ListPostsDueAt(hhmm)
	if err != nil {
		return fmt.Errorf("выборка постов на %s: %w", hhmm, err)
	}
	if len(posts) == 0 {
		return nil
	}
	s.log.Debug().Str("time", hhmm).Int("posts", len(posts)).Msg("dispatch: найдены посты к отправке")

	for _, post := range posts {
		if err := ctx.Err(); err != nil {
			return err
		}
		users, err := s.users.ListUsersOnDay(post.DayNumber)
		if err != nil {
			s.log.Error().Err(err).Int("day", post.DayNumber).Msg("dispatch: ошибка выборки пользователей")
			continue
		}
		for _, user := range users {
			s.sendScheduled(ctx, user, post)
		}
	}
	return nil
}

// sendScheduled отправляет один пост одному пользователю.
// Никакая ошибка не выходит за пределы этой пары: один сбой не
// останавливает остальную работу тика.
func (s *Service) sendScheduled(ctx context.Context, user domain.User, post domain.SchedulePost) {
	already, err := s.progress.Has(user.UserID, post.PostID)
	if err != nil {
		s.log.Error().Err(err).Int64("user", user.UserID).Int64("post", post.PostID).Msg("dispatch: ошибка проверки журнала")
		return
	}
	if already {
		return
	}

	if err := s.gateway.Send(ctx, user.UserID, post); err != nil {
		if errors.Is(err, domain.ErrRecipientBlocked) {
			metrics.BlockedUsersTotal.Inc()
			s.log.Warn().Int64("user", user.UserID).Msg("dispatch: пользователь заблокировал бота")
			if err := s.users.SetBlocked(user.UserID, true); err != nil {
				s.log.Error().Err(err).Int64("user", user.UserID).Msg("dispatch: не удалось пометить блокировку")
			}
			return
		}
		s.log.Error().Err(err).Int64("user", user.UserID).Int64("post", post.PostID).Msg("dispatch: отправка не удалась")
		return
	}

	if _, err := s.progress.Record(user.UserID, post.PostID, domain.ProgressSent); err != nil {
		s.log.Error().Err(err).Int64("user", user.UserID).Int64("post", post.PostID).Msg("dispatch: ошибка записи журнала")
	}
}

// AdvanceUserDays пересчитывает current_day всех подписанных пользователей
// от даты активации. Пропущенный суточный тик не теряет дни: счётчик
// догоняет сам и никогда не уменьшается.
func (s *Service) AdvanceUserDays(ctx context.Context) error {
	updated, err := s.users.AdvanceDays(s.now())
	if err != nil {
		return fmt.Errorf("сдвиг дней: %w", err)
	}
	metrics.DaysAdvancedUsers.Set(float64(updated))
	s.log.Info().Int64("users", updated).Msg("dispatch: суточный сдвиг дней выполнен")
	return nil
}

// RecoverStalledLaunches находит пользователей, у которых онбординг так и не
// стартовал (например, процесс упал между созданием пользователя и запуском),
// и запускает его. Благодаря атомарному захвату запуск безопасен при повторах.
func (s *Service) RecoverStalledLaunches(ctx context.Context) error {
	users, err := s.users.ListStalledLaunchUsers()
	if err != nil {
		return fmt.Errorf("выборка застрявших пользователей: %w", err)
	}
	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.log.Info().Int64("user", user.UserID).Msg("dispatch: найден пользователь без стартовой последовательности")
		if err := s.sequencer.StartLaunch(ctx, user.UserID); err != nil {
			s.log.Error().Err(err).Int64("user", user.UserID).Msg("dispatch: не удалось перезапустить онбординг")
		}
	}
	return nil
}

// PumpSequences продвигает идущие последовательности.
func (s *Service) PumpSequences(ctx context.Context) error {
	return s.sequencer.PumpDue(ctx)
}

// CleanupOldProgress удаляет записи журнала старше окна хранения.
// Сбой не фатален: следующий запуск удалит больший хвост.
func (s *Service) CleanupOldProgress(ctx context.Context) error {
	cutoff := s.now().Add(-s.retention)
	purged, err := s.progress.PurgeOlderThan(cutoff)
	if err != nil {
		return fmt.Errorf("чистка журнала: %w", err)
	}
	metrics.ProgressPurgedTotal.Add(float64(purged))
	s.log.Info().Int64("rows", purged).Time("cutoff", cutoff).Msg("dispatch: журнал доставки почищен")
	return nil
}

// Run запускает все периодические обязанности и блокируется до отмены ctx.
// Каждая обязанность живёт в своём тикере; ошибка одного тика логируется
// и не валит процесс.
func (s *Service) Run(ctx context.Context, pumpEvery, recoverEvery time.Duration) {
	minute := time.NewTicker(time.Minute)
	pump := time.NewTicker(pumpEvery)
	stalled := time.NewTicker(recoverEvery)
	daily := time.NewTicker(time.Hour)
	defer minute.Stop()
	defer pump.Stop()
	defer stalled.Stop()
	defer daily.Stop()

	var lastAdvance, lastCleanup time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-pump.C:
			if err := s.PumpSequences(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error().Err(err).Msg("dispatch: ошибка насоса последовательностей")
			}
		case <-stalled.C:
			if err := s.RecoverStalledLaunches(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error().Err(err).Msg("dispatch: ошибка перезапуска онбордингов")
			}
		case <-minute.C:
			if err := s.DispatchDueScheduledPosts(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error().Err(err).Msg("dispatch: ошибка ежеминутного тика")
			}
		case <-daily.C:
			now := s.now().In(s.loc)
			// Суточные задачи привязаны к локальным часам: сдвиг дней в 00,
			// чистка журнала в 03, не чаще раза в сутки.
			if now.Hour() == 0 && now.Sub(lastAdvance) > 2*time.Hour {
				lastAdvance = now
				if err := s.AdvanceUserDays(ctx); err != nil {
					s.log.Error().Err(err).Msg("dispatch: ошибка суточного сдвига")
				}
			}
			if now.Hour() == 3 && now.Sub(lastCleanup) > 2*time.Hour {
				lastCleanup = now
				if err := s.CleanupOldProgress(ctx); err != nil {
					s.log.Error().Err(err).Msg("dispatch: ошибка чистки журнала")
				}
			}
		}
	}
}
