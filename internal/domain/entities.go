package domain

import "time"

// User описывает пользователя Telegram в воронке.
type User struct {
	UserID              int64
	Username            string
	FirstName           string
	StartDate           time.Time
	LastActivity        time.Time
	IsSubscribed        bool
	IsActive            bool
	IsBlocked           bool
	CurrentDay          int
	FirstMessageSent    bool
	SubscriptionChecked bool
	SequenceCursor      int
	NextPostAt          *time.Time
}

// SequenceState описывает положение пользователя в стартовой последовательности.
type SequenceState string

const (
	// SequenceNotStarted — последовательность ещё не запускалась.
	SequenceNotStarted SequenceState = "not_started"
	// SequenceStarted — последовательность идёт, есть неотправленные посты.
	SequenceStarted SequenceState = "started"
	// SequenceAtGate — последовательность остановлена на проверке подписки.
	SequenceAtGate SequenceState = "at_gate"
	// SequenceComplete — все посты нулевого дня отправлены.
	SequenceComplete SequenceState = "complete"
)

// SequenceStateOf вычисляет состояние по персистентным полям пользователя.
func SequenceStateOf(user User, totalDay0Posts int) SequenceState {
	switch {
	case !user.FirstMessageSent:
		return SequenceNotStarted
	case user.SequenceCursor >= totalDay0Posts:
		return SequenceComplete
	case user.SubscriptionChecked && user.NextPostAt == nil:
		return SequenceAtGate
	default:
		return SequenceStarted
	}
}

// DayTypeLaunch помечает нулевой день (стартовая последовательность).
const DayTypeLaunch = 0

// ScheduleDay — именованная корзина контента с уникальным номером дня.
type ScheduleDay struct {
	DayID       int64
	DayNumber   int
	DayType     int
	Description string
}

// IsLaunch сообщает, является ли день стартовым.
func (d ScheduleDay) IsLaunch() bool { return d.DayType == DayTypeLaunch }

// Progress — запись журнала доставки: пост отправлен пользователю.
type Progress struct {
	ProgressID int64
	UserID     int64
	PostID     int64
	SentDate   time.Time
	Status     ProgressStatus
}

// ProgressStatus — статус записи журнала доставки.
type ProgressStatus string

const (
	// ProgressSent — доставка подтверждена шлюзом.
	ProgressSent ProgressStatus = "sent"
	// ProgressFailed — доставка не удалась (пишется только вручную).
	ProgressFailed ProgressStatus = "failed"
	// ProgressPending — зарезервировано, ядро этот статус не пишет.
	ProgressPending ProgressStatus = "pending"
)

// Setting — редактируемый оператором текст или параметр.
type Setting struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// FunnelStats — агрегаты для админской статистики.
type FunnelStats struct {
	TotalUsers      int
	SubscribedUsers int
	BlockedUsers    int
	UsersPerDay     map[int]int
}
