package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-drip-bot/internal/domain"
	"tg-drip-bot/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.UserRepo     = (*Postgres)(nil)
	_ domain.ContentRepo  = (*Postgres)(nil)
	_ domain.ProgressRepo = (*Postgres)(nil)
	_ domain.SettingsRepo = (*Postgres)(nil)
	_ domain.StatsRepo    = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

const userColumns = `user_id, COALESCE(username, ''), COALESCE(first_name, ''), start_date, last_activity,
is_subscribed, is_active, is_blocked, current_day, first_message_sent, subscription_checked,
sequence_cursor, next_post_at`

func scanUser(row pgx.Row) (domain.User, error) {
	var (
		user   domain.User
		nextAt sql.NullTime
	)
	err := row.Scan(&user.UserID, &user.Username, &user.FirstName, &user.StartDate, &user.LastActivity,
		&user.IsSubscribed, &user.IsActive, &user.IsBlocked, &user.CurrentDay, &user.FirstMessageSent,
		&user.SubscriptionChecked, &user.SequenceCursor, &nextAt)
	if err != nil {
		return domain.User{}, err
	}
	if nextAt.Valid {
		ts := nextAt.Time
		user.NextPostAt = &ts
	}
	return user, nil
}

func (p *Postgres) queryUsers(operation, query string, args ...any) ([]domain.User, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", operation, "users", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// UpsertOnStart реализует domain.UserRepo: создаёт пользователя при первом
// /start или обновляет профиль и возвращает признак создания.
func (p *Postgres) UpsertOnStart(userID int64, username, firstName string) (domain.User, bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO users (user_id, username, first_name)
VALUES ($1, NULLIF($2,''), NULLIF($3,''))
ON CONFLICT (user_id) DO UPDATE SET
	username = COALESCE(NULLIF(EXCLUDED.username,''), users.username),
	first_name = COALESCE(NULLIF(EXCLUDED.first_name,''), users.first_name),
	is_active = TRUE,
	last_activity = now()
RETURNING `+userColumns+`, (xmax = 0) AS inserted
`, userID, username, firstName)

	var (
		user    domain.User
		nextAt  sql.NullTime
		created bool
	)
	err := row.Scan(&user.UserID, &user.Username, &user.FirstName, &user.StartDate, &user.LastActivity,
		&user.IsSubscribed, &user.IsActive, &user.IsBlocked, &user.CurrentDay, &user.FirstMessageSent,
		&user.SubscriptionChecked, &user.SequenceCursor, &nextAt, &created)
	metrics.ObserveNetworkRequest("postgres", "users_upsert", "users", start, err)
	if err != nil {
		return domain.User{}, false, err
	}
	if nextAt.Valid {
		ts := nextAt.Time
		user.NextPostAt = &ts
	}
	return user, created, nil
}

// GetUser реализует domain.UserRepo.
func (p *Postgres) GetUser(userID int64) (domain.User, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	user, err := scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = $1`, userID))
	metrics.ObserveNetworkRequest("postgres", "users_get", "users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, domain.ErrNotFound
	}
	return user, err
}

// ClaimLaunch атомарно взводит first_message_sent.
func (p *Postgres) ClaimLaunch(userID int64) (bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE users SET first_message_sent = TRUE, sequence_cursor = 0, last_activity = now()
WHERE user_id = $1 AND first_message_sent = FALSE
`, userID)
	metrics.ObserveNetworkRequest("postgres", "users_claim_launch", "users", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ResetFunnel возвращает пользователя на нулевой день.
func (p *Postgres) ResetFunnel(userID int64) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE users SET current_day = 0, first_message_sent = FALSE, subscription_checked = FALSE,
	sequence_cursor = 0, next_post_at = NULL, is_active = TRUE, last_activity = now()
WHERE user_id = $1
`, userID)
	metrics.ObserveNetworkRequest("postgres", "users_reset_funnel", "users", start, err)
	return err
}

// SetSubscribed реализует domain.UserRepo.
func (p *Postgres) SetSubscribed(userID int64, subscribed bool) error {
	return p.setUserFlag("users_set_subscribed", `UPDATE users SET is_subscribed = $2, last_activity = now() WHERE user_id = $1`, userID, subscribed)
}

// SetBlocked реализует domain.UserRepo.
func (p *Postgres) SetBlocked(userID int64, blocked bool) error {
	return p.setUserFlag("users_set_blocked", `UPDATE users SET is_blocked = $2 WHERE user_id = $1`, userID, blocked)
}

// SetSubscriptionChecked реализует domain.UserRepo.
func (p *Postgres) SetSubscriptionChecked(userID int64, checked bool) error {
	return p.setUserFlag("users_set_sub_checked", `UPDATE users SET subscription_checked = $2 WHERE user_id = $1`, userID, checked)
}

func (p *Postgres) setUserFlag(operation, query string, userID int64, value bool) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, query, userID, value)
	metrics.ObserveNetworkRequest("postgres", operation, "users", start, err)
	return err
}

// UpdateSequenceCursor сохраняет позицию последовательности.
func (p *Postgres) UpdateSequenceCursor(userID int64, cursor int, nextPostAt *time.Time) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	var next sql.NullTime
	if nextPostAt != nil {
		next = sql.NullTime{Time: *nextPostAt, Valid: true}
	}
	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE users SET sequence_cursor = $2, next_post_at = $3 WHERE user_id = $1`, userID, cursor, next)
	metrics.ObserveNetworkRequest("postgres", "users_update_cursor", "users", start, err)
	return err
}

// ListUsersOnDay возвращает подписанных незаблокированных пользователей дня.
func (p *Postgres) ListUsersOnDay(dayNumber int) ([]domain.User, error) {
	return p.queryUsers("users_list_on_day", `
SELECT `+userColumns+` FROM users
WHERE current_day = $1 AND is_subscribed = TRUE AND is_blocked = FALSE
`, dayNumber)
}

// ListStalledLaunchUsers возвращает пользователей с несработавшим онбордингом.
func (p *Postgres) ListStalledLaunchUsers() ([]domain.User, error) {
	return p.queryUsers("users_list_stalled", `
SELECT `+userColumns+` FROM users
WHERE current_day = 0 AND first_message_sent = FALSE AND is_active = TRUE AND is_blocked = FALSE
`)
}

// ListSequenceDue возвращает пользователей с готовым к отправке постом.
func (p *Postgres) ListSequenceDue(now time.Time) ([]domain.User, error) {
	return p.queryUsers("users_list_sequence_due", `
SELECT `+userColumns+` FROM users
WHERE first_message_sent = TRUE AND next_post_at IS NOT NULL AND next_post_at <= $1
	AND is_active = TRUE AND is_blocked = FALSE
`, now)
}

// ListActiveUsers возвращает всех активных незаблокированных пользователей.
func (p *Postgres) ListActiveUsers() ([]domain.User, error) {
	return p.queryUsers("users_list_active", `
SELECT `+userColumns+` FROM users WHERE is_active = TRUE AND is_blocked = FALSE
`)
}

// AdvanceDays пересчитывает current_day от даты активации, только вверх.
// Самокорректирующийся вариант: пропущенный суточный тик не теряет дни.
func (p *Postgres) AdvanceDays(now time.Time) (int64, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE users
SET current_day = GREATEST(current_day, FLOOR(EXTRACT(EPOCH FROM ($1::timestamptz - start_date)) / 86400)::int)
WHERE is_subscribed = TRUE AND is_blocked = FALSE
	AND current_day < FLOOR(EXTRACT(EPOCH FROM ($1::timestamptz - start_date)) / 86400)::int
`, now)
	metrics.ObserveNetworkRequest("postgres", "users_advance_days", "users", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// GetDay реализует domain.ContentRepo.
func (p *Postgres) GetDay(dayNumber int) (domain.ScheduleDay, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var day domain.ScheduleDay
	var description sql.NullString
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT day_id, day_number, day_type, description FROM schedule_days WHERE day_number = $1
`, dayNumber).Scan(&day.DayID, &day.DayNumber, &day.DayType, &description)
	metrics.ObserveNetworkRequest("postgres", "days_get", "schedule_days", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ScheduleDay{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ScheduleDay{}, err
	}
	if description.Valid {
		day.Description = description.String
	}
	return day, nil
}

const postColumns = `post_id, day_number, post_type, COALESCE(content, ''), COALESCE(file_id, ''),
COALESCE(caption, ''), COALESCE(time_of_day, ''), delay_seconds, buttons, order_number, survey_id`

func scanPost(row pgx.Row) (domain.SchedulePost, error) {
	var (
		post     domain.SchedulePost
		kind     string
		buttons  []byte
		surveyID sql.NullInt64
	)
	err := row.Scan(&post.PostID, &post.DayNumber, &kind, &post.Content, &post.FileID,
		&post.Caption, &post.TimeOfDay, &post.DelaySeconds, &buttons, &post.OrderNumber, &surveyID)
	if err != nil {
		return domain.SchedulePost{}, err
	}
	post.Kind = domain.PostKind(kind)
	if len(buttons) > 0 {
		if err := json.Unmarshal(buttons, &post.Buttons); err != nil {
			return domain.SchedulePost{}, err
		}
	}
	if surveyID.Valid {
		id := surveyID.Int64
		post.SurveyID = &id
	}
	return post, nil
}

func (p *Postgres) queryPosts(operation, query string, args ...any) ([]domain.SchedulePost, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", operation, "schedule_posts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []domain.SchedulePost
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

// ListDay0Posts возвращает посты нулевого дня в порядке отправки.
func (p *Postgres) ListDay0Posts() ([]domain.SchedulePost, error) {
	return p.queryPosts("posts_list_day0", `
SELECT `+postColumns+` FROM schedule_posts WHERE day_number = 0 ORDER BY order_number
`)
}

// ListPostsForDay возвращает посты дня.
func (p *Postgres) ListPostsForDay(dayNumber int) ([]domain.SchedulePost, error) {
	return p.queryPosts("posts_list_for_day", `
SELECT `+postColumns+` FROM schedule_posts WHERE day_number = $1 ORDER BY time_of_day, order_number
`, dayNumber)
}

// ListPostsDueAt возвращает посты обычных дней на указанную минуту.
func (p *Postgres) ListPostsDueAt(hhmm string) ([]domain.SchedulePost, error) {
	return p.queryPosts("posts_list_due_at", `
SELECT p.post_id, p.day_number, p.post_type, COALESCE(p.content, ''), COALESCE(p.file_id, ''),
	COALESCE(p.caption, ''), COALESCE(p.time_of_day, ''), p.delay_seconds, p.buttons, p.order_number, p.survey_id
FROM schedule_posts p
JOIN schedule_days d ON d.day_number = p.day_number
WHERE d.day_type > 0 AND p.time_of_day = $1
ORDER BY p.day_number, p.order_number
`, hhmm)
}

// Has реализует domain.ProgressRepo.
func (p *Postgres) Has(userID, postID int64) (bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var exists bool
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM user_progress WHERE user_id = $1 AND post_id = $2)
`, userID, postID).Scan(&exists)
	metrics.ObserveNetworkRequest("postgres", "progress_has", "user_progress", start, err)
	return exists, err
}

// Record вставляет запись журнала. Уникальный индекс (user_id, post_id)
// закрывает гонку между последовательностью и планировщиком: второй
// вставляющий получает false.
func (p *Postgres) Record(userID, postID int64, status domain.ProgressStatus) (bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
INSERT INTO user_progress (user_id, post_id, status) VALUES ($1, $2, $3)
ON CONFLICT (user_id, post_id) DO NOTHING
`, userID, postID, string(status))
	metrics.ObserveNetworkRequest("postgres", "progress_record", "user_progress", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SentPostIDs возвращает id постов, уже отправленных пользователю.
func (p *Postgres) SentPostIDs(userID int64) (map[int64]struct{}, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT post_id FROM user_progress WHERE user_id = $1`, userID)
	metrics.ObserveNetworkRequest("postgres", "progress_sent_ids", "user_progress", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sent := make(map[int64]struct{})
	for rows.Next() {
		var postID int64
		if err := rows.Scan(&postID); err != nil {
			return nil, err
		}
		sent[postID] = struct{}{}
	}
	return sent, rows.Err()
}

// PurgeOlderThan удаляет записи журнала старше cutoff.
func (p *Postgres) PurgeOlderThan(cutoff time.Time) (int64, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `DELETE FROM user_progress WHERE sent_date < $1`, cutoff)
	metrics.ObserveNetworkRequest("postgres", "progress_purge", "user_progress", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// GetSetting реализует domain.SettingsRepo.
func (p *Postgres) GetSetting(key, fallback string) (string, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var value sql.NullString
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT setting_value FROM settings WHERE setting_key = $1`, key).Scan(&value)
	metrics.ObserveNetworkRequest("postgres", "settings_get", "settings", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	if !value.Valid || value.String == "" {
		return fallback, nil
	}
	return value.String, nil
}

// UpdateSetting реализует domain.SettingsRepo.
func (p *Postgres) UpdateSetting(key, value string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO settings (setting_key, setting_value) VALUES ($1, $2)
ON CONFLICT (setting_key) DO UPDATE SET setting_value = EXCLUDED.setting_value, updated_at = now()
`, key, value)
	metrics.ObserveNetworkRequest("postgres", "settings_update", "settings", start, err)
	return err
}

// FunnelStats реализует domain.StatsRepo.
func (p *Postgres) FunnelStats() (domain.FunnelStats, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	stats := domain.FunnelStats{UsersPerDay: make(map[int]int)}

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT count(*),
	count(*) FILTER (WHERE is_subscribed),
	count(*) FILTER (WHERE is_blocked)
FROM users
`).Scan(&stats.TotalUsers, &stats.SubscribedUsers, &stats.BlockedUsers)
	metrics.ObserveNetworkRequest("postgres", "stats_totals", "users", start, err)
	if err != nil {
		return domain.FunnelStats{}, err
	}

	start = time.Now()
	rows, err := p.pool.Query(ctx, `SELECT current_day, count(*) FROM users GROUP BY current_day`)
	metrics.ObserveNetworkRequest("postgres", "stats_per_day", "users", start, err)
	if err != nil {
		return domain.FunnelStats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var day, count int
		if err := rows.Scan(&day, &count); err != nil {
			return domain.FunnelStats{}, err
		}
		stats.UsersPerDay[day] = count
	}
	return stats, rows.Err()
}
