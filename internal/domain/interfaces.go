package domain

import (
	"context"
	"errors"
	"time"
)

// ErrRecipientBlocked возвращается шлюзом, когда получатель закрыл доступ боту.
// Такой пользователь помечается заблокированным и исключается из рассылок.
var ErrRecipientBlocked = errors.New("получатель заблокировал бота")

// ErrNotFound возвращается репозиториями, когда записи нет.
var ErrNotFound = errors.New("запись не найдена")

// UserRepo управляет пользователями.
type UserRepo interface {
	UpsertOnStart(userID int64, username, firstName string) (User, bool, error)
	GetUser(userID int64) (User, error)
	// ClaimLaunch атомарно взводит first_message_sent и возвращает true,
	// если флаг взвела именно эта горутина. Повторный вызов даёт false.
	ClaimLaunch(userID int64) (bool, error)
	// ResetFunnel возвращает пользователя на нулевой день и перевзводит онбординг.
	ResetFunnel(userID int64) error
	SetSubscribed(userID int64, subscribed bool) error
	SetBlocked(userID int64, blocked bool) error
	SetSubscriptionChecked(userID int64, checked bool) error
	// UpdateSequenceCursor сохраняет курсор последовательности и время
	// готовности следующего поста (nil — последовательность стоит).
	UpdateSequenceCursor(userID int64, cursor int, nextPostAt *time.Time) error
	ListUsersOnDay(dayNumber int) ([]User, error)
	// ListStalledLaunchUsers возвращает пользователей, у которых онбординг
	// так и не стартовал (страховка от потерянного события активации).
	ListStalledLaunchUsers() ([]User, error)
	// ListSequenceDue возвращает пользователей с назначенным next_post_at <= now.
	ListSequenceDue(now time.Time) ([]User, error)
	ListActiveUsers() ([]User, error)
	// AdvanceDays пересчитывает current_day по числу полных суток с активации,
	// только увеличивая счётчик. Возвращает число обновлённых пользователей.
	AdvanceDays(now time.Time) (int64, error)
}

// ContentRepo читает дни и посты, созданные авторской частью.
type ContentRepo interface {
	GetDay(dayNumber int) (ScheduleDay, error)
	// ListDay0Posts возвращает посты нулевого дня по order_number.
	ListDay0Posts() ([]SchedulePost, error)
	ListPostsForDay(dayNumber int) ([]SchedulePost, error)
	// ListPostsDueAt возвращает посты обычных дней с time_of_day == hhmm.
	ListPostsDueAt(hhmm string) ([]SchedulePost, error)
}

// ProgressRepo — журнал доставки, источник истины для идемпотентности.
type ProgressRepo interface {
	Has(userID, postID int64) (bool, error)
	// Record вставляет запись журнала. Возвращает false без ошибки,
	// если пара (user, post) уже записана (insert-or-ignore).
	Record(userID, postID int64, status ProgressStatus) (bool, error)
	SentPostIDs(userID int64) (map[int64]struct{}, error)
	// PurgeOlderThan удаляет записи старше cutoff и возвращает их число.
	PurgeOlderThan(cutoff time.Time) (int64, error)
}

// SettingsRepo хранит редактируемые оператором тексты.
type SettingsRepo interface {
	GetSetting(key, fallback string) (string, error)
	UpdateSetting(key, value string) error
}

// SurveyRepo управляет опросами и ответами.
type SurveyRepo interface {
	GetSurvey(surveyID int64) (Survey, error)
	ListQuestions(surveyID int64) ([]SurveyQuestion, error)
	GetOpenResponse(userID int64) (SurveyResponse, error)
	StartResponse(userID, surveyID int64) (SurveyResponse, error)
	SaveAnswer(responseID, questionID int64, answerText string) error
	SetCurrentQuestion(responseID int64, index int) error
	CompleteResponse(responseID int64, at time.Time) error
}

// LessonRepo читает уроки.
type LessonRepo interface {
	GetLesson(lessonID int64) (Lesson, error)
	FindLessonByName(name string) (Lesson, error)
	ListLessonPosts(lessonID int64) ([]LessonPost, error)
}

// StatsRepo считает агрегаты для админа.
type StatsRepo interface {
	FunnelStats() (FunnelStats, error)
}

// Gateway доставляет одну единицу контента получателю.
// Ошибка, обёрнутая в ErrRecipientBlocked, означает отзыв доступа.
type Gateway interface {
	Send(ctx context.Context, chatID int64, post SchedulePost) error
}

// SubscriptionOracle проверяет членство пользователя в канале.
type SubscriptionOracle interface {
	IsSubscribed(ctx context.Context, userID int64) (bool, error)
}

// GoalTracker отправляет события достижения целей во внешнюю аналитику.
type GoalTracker interface {
	SendGoal(ctx context.Context, userID int64, target string) error
	SendStart(ctx context.Context, user User, startValue string) error
}

// Sequencer запускает и продолжает стартовую последовательность.
type Sequencer interface {
	StartLaunch(ctx context.Context, userID int64) error
	ResumeAfterGate(ctx context.Context, userID int64) error
	PumpDue(ctx context.Context) error
}

// Cache используется для простых TTL-хранилищ и once-гардов.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}
