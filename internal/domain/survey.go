package domain

import "time"

// Survey — опрос с линейной цепочкой вопросов.
type Survey struct {
	SurveyID              int64
	Name                  string
	ButtonText            string
	MessageText           string
	MessagePhotoFileID    string
	CompletionMessage     string
	CompletionPhotoFileID string
	TgtrackTarget         string
	CreatedAt             time.Time
	IsActive              bool
}

// SurveyQuestion — один вопрос опроса.
type SurveyQuestion struct {
	QuestionID   int64
	SurveyID     int64
	QuestionText string
	QuestionType string
	Options      []string
	OrderNumber  int
	IsRequired   bool
}

// SurveyResponse — прохождение опроса одним пользователем.
type SurveyResponse struct {
	ResponseID      int64
	UserID          int64
	SurveyID        int64
	StartedAt       time.Time
	CompletedAt     *time.Time
	IsCompleted     bool
	CurrentQuestion int
}

// SurveyAnswer — ответ на один вопрос.
type SurveyAnswer struct {
	AnswerID   int64
	ResponseID int64
	QuestionID int64
	AnswerText string
	AnsweredAt time.Time
}
