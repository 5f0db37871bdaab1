package lessons

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-drip-bot/internal/domain"
)

// ErrLessonNotFound возвращается, когда урок не существует или выключен.
var ErrLessonNotFound = errors.New("урок не найден")

// Service открывает уроки: разовые подборки постов по deep-link или
// свободному тексту. Модель контента та же, что у расписания, но без
// журнала доставки: урок можно открыть повторно.
type Service struct {
	lessons domain.LessonRepo
	users   domain.UserRepo
	gateway domain.Gateway
	log     zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewService создаёт сервис уроков.
func NewService(lessons domain.LessonRepo, users domain.UserRepo, gateway domain.Gateway, log zerolog.Logger) *Service {
	return &Service{lessons: lessons, users: users, gateway: gateway, log: log, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Open отправляет пользователю все посты урока по порядку.
func (s *Service) Open(ctx context.Context, userID, lessonID int64) error {
	lesson, err := s.lessons.GetLesson(lessonID)
	if errors.Is(err, domain.ErrNotFound) {
		return ErrLessonNotFound
	}
	if err != nil {
		return fmt.Errorf("получение урока: %w", err)
	}
	return s.sendPosts(ctx, userID, lesson)
}

// OpenByName ищет активный урок по имени и открывает его.
func (s *Service) OpenByName(ctx context.Context, userID int64, name string) error {
	lesson, err := s.lessons.FindLessonByName(name)
	if errors.Is(err, domain.ErrNotFound) {
		return ErrLessonNotFound
	}
	if err != nil {
		return fmt.Errorf("поиск урока: %w", err)
	}
	return s.sendPosts(ctx, userID, lesson)
}

// sendPosts отправляет посты урока с паузами между ними. Пауза отменяемая:
// если контекст закрыт, урок обрывается без зависших горутин.
func (s *Service) sendPosts(ctx context.Context, userID int64, lesson domain.Lesson) error {
	posts, err := s.lessons.ListLessonPosts(lesson.LessonID)
	if err != nil {
		return fmt.Errorf("посты урока: %w", err)
	}
	if len(posts) == 0 {
		// Урок существует, но наполнения ещё нет. Это не ошибка
		// пользователя, поэтому молча ничего не отправляем.
		s.log.Warn().Int64("lesson", lesson.LessonID).Str("name", lesson.Name).Msg("lessons: урок без постов")
		return nil
	}

	for i, post := range posts {
		if i > 0 && post.DelaySeconds > 0 {
			if err := s.sleep(ctx, time.Duration(post.DelaySeconds)*time.Second); err != nil {
				return err
			}
		}
		if err := s.gateway.Send(ctx, userID, post.AsSchedulePost()); err != nil {
			if errors.Is(err, domain.ErrRecipientBlocked) {
				if err := s.users.SetBlocked(userID, true); err != nil {
					s.log.Error().Err(err).Int64("user", userID).Msg("lessons: не удалось пометить блокировку")
				}
				return nil
			}
			// Дефектный или не отправившийся пост пропускается, урок продолжается.
			s.log.Error().Err(err).Int64("user", userID).Int64("post", post.PostID).Msg("lessons: пост пропущен")
		}
	}
	return nil
}
