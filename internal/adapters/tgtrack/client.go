package tgtrack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tg-drip-bot/internal/domain"
	"tg-drip-bot/internal/infra/metrics"
)

const defaultBaseURL = "https://bot-api.tgtrack.ru/v1"

// Client отправляет события достижения целей в tgtrack.
type Client struct {
	httpClient *http.Client
	baseURL    string
	trackID    string
}

var _ domain.GoalTracker = (*Client)(nil)

// NewClient создаёт клиент. Пустой trackID выключает отправку.
func NewClient(trackID string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    defaultBaseURL,
		trackID:    trackID,
	}
}

// SendGoal отправляет достижение цели.
func (c *Client) SendGoal(ctx context.Context, userID int64, target string) error {
	if c.trackID == "" {
		return nil
	}
	payload := map[string]string{
		"user_id": strconv.FormatInt(userID, 10),
		"target":  target,
	}
	return c.post(ctx, "send_reach_goal", payload)
}

// SendStart отправляет событие запуска бота пользователем.
func (c *Client) SendStart(ctx context.Context, user domain.User, startValue string) error {
	if c.trackID == "" {
		return nil
	}
	payload := map[string]string{
		"user_id":     strconv.FormatInt(user.UserID, 10),
		"first_name":  user.FirstName,
		"username":    user.Username,
		"start_value": startValue,
	}
	return c.post(ctx, "user_did_start_bot", payload)
}

func (c *Client) post(ctx context.Context, endpoint string, payload map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	url := fmt.Sprintf("%s/%s/%s", c.baseURL, c.trackID, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ObserveNetworkRequest("tgtrack", endpoint, c.trackID, start, err)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("tgtrack %s: status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}
