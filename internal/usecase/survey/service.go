package survey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-drip-bot/internal/domain"
	"tg-drip-bot/internal/infra/metrics"
)

// ErrNoOpenResponse возвращается, когда у пользователя нет текущего опроса.
var ErrNoOpenResponse = errors.New("нет открытого опроса")

// ErrSurveyInactive возвращается при попытке пройти выключенный опрос.
var ErrSurveyInactive = errors.New("опрос выключен")

// Service ведёт линейный опрос: один вопрос за раз, ответы по порядку.
// С ядром доставки опрос связан только событием завершения, которое
// может дёрнуть внешнюю цель аналитики.
type Service struct {
	surveys domain.SurveyRepo
	tracker domain.GoalTracker
	log     zerolog.Logger
	now     func() time.Time
}

// NewService создаёт сервис опросов.
func NewService(surveys domain.SurveyRepo, tracker domain.GoalTracker, log zerolog.Logger) *Service {
	return &Service{surveys: surveys, tracker: tracker, log: log, now: time.Now}
}

// Begin открывает прохождение и возвращает опрос с первым вопросом.
// Незавершённое прохождение продолжается с текущего вопроса.
func (s *Service) Begin(ctx context.Context, userID, surveyID int64) (domain.Survey, *domain.SurveyQuestion, error) {
	survey, err := s.surveys.GetSurvey(surveyID)
	if err != nil {
		return domain.Survey{}, nil, fmt.Errorf("получение опроса: %w", err)
	}
	if !survey.IsActive {
		return domain.Survey{}, nil, ErrSurveyInactive
	}

	questions, err := s.surveys.ListQuestions(surveyID)
	if err != nil {
		return domain.Survey{}, nil, fmt.Errorf("вопросы опроса: %w", err)
	}
	if len(questions) == 0 {
		return survey, nil, nil
	}

	resp, err := s.surveys.GetOpenResponse(userID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		resp, err = s.surveys.StartResponse(userID, surveyID)
		if err != nil {
			return domain.Survey{}, nil, fmt.Errorf("открытие прохождения: %w", err)
		}
	case err != nil:
		return domain.Survey{}, nil, fmt.Errorf("поиск прохождения: %w", err)
	case resp.SurveyID != surveyID:
		// Пользователь начал другой опрос: старое прохождение остаётся
		// незавершённым, открывается новое.
		resp, err = s.surveys.StartResponse(userID, surveyID)
		if err != nil {
			return domain.Survey{}, nil, fmt.Errorf("открытие прохождения: %w", err)
		}
	}

	if resp.CurrentQuestion >= len(questions) {
		return survey, nil, nil
	}
	question := questions[resp.CurrentQuestion]
	return survey, &question, nil
}

// Answer записывает ответ на текущий вопрос и возвращает следующий.
// По последнему ответу прохождение завершается: completed=true, а если
// у опроса задана цель аналитики — отправляется событие достижения.
func (s *Service) Answer(ctx context.Context, userID int64, answerText string) (next *domain.SurveyQuestion, completed *domain.Survey, err error) {
	resp, err := s.surveys.GetOpenResponse(userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil, ErrNoOpenResponse
	}
	if err != nil {
		return nil, nil, fmt.Errorf("поиск прохождения: %w", err)
	}

	questions, err := s.surveys.ListQuestions(resp.SurveyID)
	if err != nil {
		return nil, nil, fmt.Errorf("вопросы опроса: %w", err)
	}
	if resp.CurrentQuestion >= len(questions) {
		return nil, nil, ErrNoOpenResponse
	}

	question := questions[resp.CurrentQuestion]
	if err := s.surveys.SaveAnswer(resp.ResponseID, question.QuestionID, answerText); err != nil {
		return nil, nil, fmt.Errorf("сохранение ответа: %w", err)
	}

	nextIndex := resp.CurrentQuestion + 1
	if nextIndex < len(questions) {
		if err := s.surveys.SetCurrentQuestion(resp.ResponseID, nextIndex); err != nil {
			return nil, nil, fmt.Errorf("сдвиг вопроса: %w", err)
		}
		q := questions[nextIndex]
		return &q, nil, nil
	}

	if err := s.surveys.CompleteResponse(resp.ResponseID, s.now()); err != nil {
		return nil, nil, fmt.Errorf("завершение прохождения: %w", err)
	}
	survey, err := s.surveys.GetSurvey(resp.SurveyID)
	if err != nil {
		return nil, nil, fmt.Errorf("получение опроса: %w", err)
	}
	metrics.IncSurveyCompletion(survey.SurveyID)
	if survey.TgtrackTarget != "" {
		// Сбой аналитики не влияет на пользователя.
		if err := s.tracker.SendGoal(ctx, userID, survey.TgtrackTarget); err != nil {
			s.log.Error().Err(err).Int64("user", userID).Str("target", survey.TgtrackTarget).Msg("survey: цель не отправлена")
		}
	}
	return nil, &survey, nil
}
