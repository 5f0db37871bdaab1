package sequence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-drip-bot/internal/domain"
	"tg-drip-bot/internal/infra/metrics"
)

// Service ведёт стартовую последовательность нулевого дня.
//
// Вместо долгих sleep между постами используется персистентный курсор:
// users.sequence_cursor хранит индекс следующего поста, users.next_post_at —
// момент его готовности. Насос (PumpDue) добирает готовых пользователей,
// поэтому перезапуск процесса продолжает последовательность с места остановки.
type Service struct {
	users    domain.UserRepo
	content  domain.ContentRepo
	progress domain.ProgressRepo
	gateway  domain.Gateway
	log      zerolog.Logger

	// delayFirst включает паузу перед самым первым постом.
	delayFirst bool
	now        func() time.Time

	// Мьютексы не вычищаются: на каждого встреченного пользователя
	// остаётся одна запись до конца жизни процесса. При росте базы
	// сюда просится страйпинг по остатку от userID.
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

var _ domain.Sequencer = (*Service)(nil)

// NewService создаёт сервис последовательности.
func NewService(users domain.UserRepo, content domain.ContentRepo, progress domain.ProgressRepo, gateway domain.Gateway, log zerolog.Logger, delayFirst bool) *Service {
	return &Service{
		users:      users,
		content:    content,
		progress:   progress,
		gateway:    gateway,
		log:        log,
		delayFirst: delayFirst,
		now:        time.Now,
		locks:      make(map[int64]*sync.Mutex),
	}
}

// lockUser возвращает мьютекс пользователя: насос и вебхук не должны
// чередоваться на одном пользователе.
func (s *Service) lockUser(userID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[userID] = lock
	}
	return lock
}

// StartLaunch запускает последовательность нулевого дня для пользователя.
// Повторный вызов безопасен: флаг first_message_sent взводится атомарно,
// проигравший возврат получает no-op.
func (s *Service) StartLaunch(ctx context.Context, userID int64) error {
	lock := s.lockUser(userID)
	lock.Lock()
	defer lock.Unlock()

	user, err := s.users.GetUser(userID)
	if err != nil {
		return fmt.Errorf("получение пользователя: %w", err)
	}
	if user.FirstMessageSent {
		return nil
	}

	posts, err := s.content.ListDay0Posts()
	if err != nil {
		return fmt.Errorf("посты нулевого дня: %w", err)
	}
	if len(posts) == 0 {
		s.log.Warn().Msg("sequence: нулевой день пуст, запускать нечего")
		return nil
	}

	claimed, err := s.users.ClaimLaunch(userID)
	if err != nil {
		return fmt.Errorf("захват запуска: %w", err)
	}
	if !claimed {
		return nil
	}
	metrics.LaunchSequencesStarted.Inc()

	next := s.now()
	if s.delayFirst && posts[0].DelaySeconds > 0 {
		next = next.Add(time.Duration(posts[0].DelaySeconds) * time.Second)
	}
	if err := s.users.UpdateSequenceCursor(userID, 0, &next); err != nil {
		return fmt.Errorf("инициализация курсора: %w", err)
	}
	s.log.Info().Int64("user", userID).Int("posts", len(posts)).Msg("sequence: запуск")

	return s.advanceLocked(ctx, userID)
}

// ResumeAfterGate продолжает последовательность после подтверждения подписки.
// Повторные подтверждения и вызовы вне состояния гейта — no-op.
func (s *Service) ResumeAfterGate(ctx context.Context, userID int64) error {
	lock := s.lockUser(userID)
	lock.Lock()
	defer lock.Unlock()

	user, err := s.users.GetUser(userID)
	if err != nil {
		return fmt.Errorf("получение пользователя: %w", err)
	}
	if !user.SubscriptionChecked {
		return nil
	}

	posts, err := s.content.ListDay0Posts()
	if err != nil {
		return fmt.Errorf("посты нулевого дня: %w", err)
	}
	if domain.SequenceStateOf(user, len(posts)) != domain.SequenceAtGate {
		return nil
	}

	next := s.now()
	if delay := posts[user.SequenceCursor].DelaySeconds; delay > 0 {
		next = next.Add(time.Duration(delay) * time.Second)
	}
	if err := s.users.UpdateSequenceCursor(userID, user.SequenceCursor, &next); err != nil {
		return fmt.Errorf("продолжение курсора: %w", err)
	}
	s.log.Info().Int64("user", userID).Int("cursor", user.SequenceCursor).Msg("sequence: продолжение после гейта")

	return s.advanceLocked(ctx, userID)
}

// PumpDue добирает пользователей с готовым к отправке постом.
// Ошибки одного пользователя не прерывают остальных.
func (s *Service) PumpDue(ctx context.Context) error {
	users, err := s.users.ListSequenceDue(s.now())
	if err != nil {
		return fmt.Errorf("выборка готовых пользователей: %w", err)
	}
	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return err
		}
		lock := s.lockUser(user.UserID)
		lock.Lock()
		if err := s.advanceLocked(ctx, user.UserID); err != nil {
			s.log.Error().Err(err).Int64("user", user.UserID).Msg("sequence: ошибка продвижения")
		}
		lock.Unlock()
	}
	return nil
}

// advanceLocked отправляет все посты, чьё время пришло. Вызывается только
// под мьютексом пользователя. Перед каждым постом пользователь перечитывается,
// поэтому блокировка или деактивация посреди последовательности её останавливает.
func (s *Service) advanceLocked(ctx context.Context, userID int64) error {
	posts, err := s.content.ListDay0Posts()
	if err != nil {
		return fmt.Errorf("посты нулевого дня: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		user, err := s.users.GetUser(userID)
		if err != nil {
			return fmt.Errorf("получение пользователя: %w", err)
		}
		if !user.FirstMessageSent || user.NextPostAt == nil {
			return nil
		}
		if user.SequenceCursor >= len(posts) {
			return s.users.UpdateSequenceCursor(userID, user.SequenceCursor, nil)
		}
		if user.IsBlocked || !user.IsActive {
			return s.users.UpdateSequenceCursor(userID, user.SequenceCursor, nil)
		}
		if s.now().Before(*user.NextPostAt) {
			return nil
		}

		post := posts[user.SequenceCursor]
		if err := s.deliver(ctx, user, post); err != nil {
			if errors.Is(err, domain.ErrRecipientBlocked) {
				metrics.BlockedUsersTotal.Inc()
				s.log.Warn().Int64("user", userID).Msg("sequence: пользователь заблокировал бота")
				if err := s.users.SetBlocked(userID, true); err != nil {
					return fmt.Errorf("блокировка пользователя: %w", err)
				}
				return s.users.UpdateSequenceCursor(userID, user.SequenceCursor, nil)
			}
			// Дефект контента или временный сбой: пост пропускается без повтора.
			s.log.Error().Err(err).Int64("user", userID).Int64("post", post.PostID).Msg("sequence: пост пропущен")
		}

		if post.IsGate() {
			if err := s.users.SetSubscriptionChecked(userID, true); err != nil {
				return fmt.Errorf("отметка гейта: %w", err)
			}
			s.log.Info().Int64("user", userID).Msg("sequence: остановка на проверке подписки")
			return s.users.UpdateSequenceCursor(userID, user.SequenceCursor+1, nil)
		}

		cursor := user.SequenceCursor + 1
		var next *time.Time
		if cursor < len(posts) {
			ts := s.now()
			if delay := posts[cursor].DelaySeconds; delay > 0 {
				ts = ts.Add(time.Duration(delay) * time.Second)
			}
			next = &ts
		}
		if err := s.users.UpdateSequenceCursor(userID, cursor, next); err != nil {
			return fmt.Errorf("сдвиг курсора: %w", err)
		}
		if next == nil {
			s.log.Info().Int64("user", userID).Msg("sequence: последовательность завершена")
			return nil
		}
	}
}

// deliver отправляет пост, если он ещё не записан в журнале.
func (s *Service) deliver(ctx context.Context, user domain.User, post domain.SchedulePost) error {
	already, err := s.progress.Has(user.UserID, post.PostID)
	if err != nil {
		return fmt.Errorf("проверка журнала: %w", err)
	}
	if already {
		return nil
	}
	if err := s.gateway.Send(ctx, user.UserID, post); err != nil {
		return err
	}
	if _, err := s.progress.Record(user.UserID, post.PostID, domain.ProgressSent); err != nil {
		return fmt.Errorf("запись журнала: %w", err)
	}
	return nil
}
