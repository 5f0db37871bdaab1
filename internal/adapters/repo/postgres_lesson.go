package repo

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"tg-drip-bot/internal/domain"
	"tg-drip-bot/internal/infra/metrics"
)

var _ domain.LessonRepo = (*Postgres)(nil)

// GetLesson реализует domain.LessonRepo.
func (p *Postgres) GetLesson(lessonID int64) (domain.Lesson, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var lesson domain.Lesson
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT lesson_id, name, created_at, is_active FROM lessons WHERE lesson_id = $1 AND is_active = TRUE
`, lessonID).Scan(&lesson.LessonID, &lesson.Name, &lesson.CreatedAt, &lesson.IsActive)
	metrics.ObserveNetworkRequest("postgres", "lessons_get", "lessons", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Lesson{}, domain.ErrNotFound
	}
	return lesson, err
}

// FindLessonByName ищет активный урок по имени без учёта регистра.
func (p *Postgres) FindLessonByName(name string) (domain.Lesson, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var lesson domain.Lesson
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT lesson_id, name, created_at, is_active FROM lessons
WHERE lower(name) = lower($1) AND is_active = TRUE
`, strings.TrimSpace(name)).Scan(&lesson.LessonID, &lesson.Name, &lesson.CreatedAt, &lesson.IsActive)
	metrics.ObserveNetworkRequest("postgres", "lessons_find", "lessons", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Lesson{}, domain.ErrNotFound
	}
	return lesson, err
}

// ListLessonPosts возвращает посты урока по order_number.
func (p *Postgres) ListLessonPosts(lessonID int64) ([]domain.LessonPost, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT post_id, lesson_id, post_type, COALESCE(content, ''), COALESCE(file_id, ''), COALESCE(caption, ''),
	delay_seconds, buttons, order_number, survey_id
FROM lesson_posts WHERE lesson_id = $1 ORDER BY order_number
`, lessonID)
	metrics.ObserveNetworkRequest("postgres", "lesson_posts_list", "lesson_posts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []domain.LessonPost
	for rows.Next() {
		var (
			post     domain.LessonPost
			kind     string
			buttons  []byte
			surveyID sql.NullInt64
		)
		if err := rows.Scan(&post.PostID, &post.LessonID, &kind, &post.Content, &post.FileID, &post.Caption,
			&post.DelaySeconds, &buttons, &post.OrderNumber, &surveyID); err != nil {
			return nil, err
		}
		post.Kind = domain.PostKind(kind)
		if len(buttons) > 0 {
			if err := json.Unmarshal(buttons, &post.Buttons); err != nil {
				return nil, err
			}
		}
		if surveyID.Valid {
			id := surveyID.Int64
			post.SurveyID = &id
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}
