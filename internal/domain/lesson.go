package domain

import "time"

// Lesson — урок, открываемый по deep-link или свободному тексту.
type Lesson struct {
	LessonID  int64
	Name      string
	CreatedAt time.Time
	IsActive  bool
}

// LessonPost — пост внутри урока, та же модель контента, что и SchedulePost.
type LessonPost struct {
	PostID       int64
	LessonID     int64
	Kind         PostKind
	Content      string
	FileID       string
	Caption      string
	DelaySeconds int
	Buttons      []Button
	OrderNumber  int
	SurveyID     *int64
}

// AsSchedulePost приводит пост урока к общей модели для шлюза доставки.
func (p LessonPost) AsSchedulePost() SchedulePost {
	return SchedulePost{
		PostID:       p.PostID,
		Kind:         p.Kind,
		Content:      p.Content,
		FileID:       p.FileID,
		Caption:      p.Caption,
		DelaySeconds: p.DelaySeconds,
		Buttons:      p.Buttons,
		OrderNumber:  p.OrderNumber,
		SurveyID:     p.SurveyID,
	}
}
