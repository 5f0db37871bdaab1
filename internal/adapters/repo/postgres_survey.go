package repo

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"tg-drip-bot/internal/domain"
	"tg-drip-bot/internal/infra/metrics"
)

var _ domain.SurveyRepo = (*Postgres)(nil)

// GetSurvey реализует domain.SurveyRepo.
func (p *Postgres) GetSurvey(surveyID int64) (domain.Survey, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var survey domain.Survey
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT survey_id, name, button_text, COALESCE(message_text, ''), COALESCE(message_photo_file_id, ''),
	COALESCE(completion_message, ''), COALESCE(completion_photo_file_id, ''), COALESCE(tgtrack_target, ''),
	created_at, is_active
FROM surveys WHERE survey_id = $1
`, surveyID).Scan(&survey.SurveyID, &survey.Name, &survey.ButtonText, &survey.MessageText,
		&survey.MessagePhotoFileID, &survey.CompletionMessage, &survey.CompletionPhotoFileID,
		&survey.TgtrackTarget, &survey.CreatedAt, &survey.IsActive)
	metrics.ObserveNetworkRequest("postgres", "surveys_get", "surveys", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Survey{}, domain.ErrNotFound
	}
	return survey, err
}

// ListQuestions возвращает вопросы опроса по order_number.
func (p *Postgres) ListQuestions(surveyID int64) ([]domain.SurveyQuestion, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT question_id, survey_id, question_text, question_type, options, order_number, is_required
FROM survey_questions WHERE survey_id = $1 ORDER BY order_number
`, surveyID)
	metrics.ObserveNetworkRequest("postgres", "questions_list", "survey_questions", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []domain.SurveyQuestion
	for rows.Next() {
		var (
			q       domain.SurveyQuestion
			options []byte
		)
		if err := rows.Scan(&q.QuestionID, &q.SurveyID, &q.QuestionText, &q.QuestionType, &options, &q.OrderNumber, &q.IsRequired); err != nil {
			return nil, err
		}
		if len(options) > 0 {
			if err := json.Unmarshal(options, &q.Options); err != nil {
				return nil, err
			}
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// GetOpenResponse возвращает незавершённое прохождение пользователя.
func (p *Postgres) GetOpenResponse(userID int64) (domain.SurveyResponse, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var (
		resp        domain.SurveyResponse
		completedAt sql.NullTime
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT response_id, user_id, survey_id, started_at, completed_at, is_completed, current_question
FROM survey_responses WHERE user_id = $1 AND is_completed = FALSE
ORDER BY started_at DESC LIMIT 1
`, userID).Scan(&resp.ResponseID, &resp.UserID, &resp.SurveyID, &resp.StartedAt, &completedAt, &resp.IsCompleted, &resp.CurrentQuestion)
	metrics.ObserveNetworkRequest("postgres", "responses_get_open", "survey_responses", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SurveyResponse{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SurveyResponse{}, err
	}
	if completedAt.Valid {
		ts := completedAt.Time
		resp.CompletedAt = &ts
	}
	return resp, nil
}

// StartResponse открывает новое прохождение опроса.
func (p *Postgres) StartResponse(userID, surveyID int64) (domain.SurveyResponse, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var resp domain.SurveyResponse
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO survey_responses (user_id, survey_id) VALUES ($1, $2)
RETURNING response_id, user_id, survey_id, started_at, is_completed, current_question
`, userID, surveyID).Scan(&resp.ResponseID, &resp.UserID, &resp.SurveyID, &resp.StartedAt, &resp.IsCompleted, &resp.CurrentQuestion)
	metrics.ObserveNetworkRequest("postgres", "responses_start", "survey_responses", start, err)
	return resp, err
}

// SaveAnswer сохраняет ответ на вопрос.
func (p *Postgres) SaveAnswer(responseID, questionID int64, answerText string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO survey_answers (response_id, question_id, answer_text) VALUES ($1, $2, $3)
`, responseID, questionID, answerText)
	metrics.ObserveNetworkRequest("postgres", "answers_save", "survey_answers", start, err)
	return err
}

// SetCurrentQuestion сдвигает курсор прохождения.
func (p *Postgres) SetCurrentQuestion(responseID int64, index int) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE survey_responses SET current_question = $2 WHERE response_id = $1`, responseID, index)
	metrics.ObserveNetworkRequest("postgres", "responses_set_question", "survey_responses", start, err)
	return err
}

// CompleteResponse помечает прохождение завершённым.
func (p *Postgres) CompleteResponse(responseID int64, at time.Time) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE survey_responses SET is_completed = TRUE, completed_at = $2 WHERE response_id = $1
`, responseID, at)
	metrics.ObserveNetworkRequest("postgres", "responses_complete", "survey_responses", start, err)
	return err
}
