package domain

import (
	"context"
	"time"
)

// BroadcastJob описывает разовую рассылку по всем активным пользователям.
type BroadcastJob struct {
	ID          string       `json:"job_id"`
	AdminID     int64        `json:"admin_id"`
	Post        SchedulePost `json:"post"`
	RequestedAt time.Time    `json:"requested_at"`
}

// BroadcastQueue — очередь задач на рассылку.
type BroadcastQueue interface {
	Enqueue(ctx context.Context, job BroadcastJob) error
	Pop(ctx context.Context) (BroadcastJob, error)
}
