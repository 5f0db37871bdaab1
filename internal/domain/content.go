package domain

import "errors"

// PostKind — закрытое множество типов контента.
type PostKind string

const (
	KindText              PostKind = "text"
	KindPhoto             PostKind = "photo"
	KindVideo             PostKind = "video"
	KindVideoNote         PostKind = "video_note"
	KindAudio             PostKind = "audio"
	KindDocument          PostKind = "document"
	KindVoice             PostKind = "voice"
	KindLink              PostKind = "link"
	KindSubscriptionCheck PostKind = "subscription_check"
	KindSurvey            PostKind = "survey"
)

// ErrContentDefect сигнализирует о посте без обязательного контента.
// Такой пост пропускается и не повторяется: чинить его должен автор.
var ErrContentDefect = errors.New("пост без обязательного контента")

// Button — одна инлайн-кнопка со ссылкой.
type Button struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// SchedulePost — одна единица контента, принадлежащая дню.
// Для нулевого дня действует DelaySeconds (пауза перед отправкой),
// для дней 1+ — TimeOfDay в формате "HH:MM" в настроенном часовом поясе.
type SchedulePost struct {
	PostID       int64
	DayNumber    int
	Kind         PostKind
	Content      string
	FileID       string
	Caption      string
	TimeOfDay    string
	DelaySeconds int
	Buttons      []Button
	OrderNumber  int
	SurveyID     *int64
}

// IsGate сообщает, останавливает ли пост стартовую последовательность.
func (p SchedulePost) IsGate() bool { return p.Kind == KindSubscriptionCheck }

// RequiresMedia сообщает, нужен ли посту file_id.
func (p SchedulePost) RequiresMedia() bool {
	switch p.Kind {
	case KindPhoto, KindVideo, KindVideoNote, KindAudio, KindDocument, KindVoice:
		return true
	}
	return false
}

// Validate проверяет обязательные поля поста перед отправкой.
func (p SchedulePost) Validate() error {
	if p.RequiresMedia() && p.FileID == "" {
		return ErrContentDefect
	}
	switch p.Kind {
	case KindText, KindLink, KindSubscriptionCheck:
		if p.Content == "" {
			return ErrContentDefect
		}
	case KindSurvey:
		if p.SurveyID == nil {
			return ErrContentDefect
		}
	}
	return nil
}
