package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-drip-bot/internal/domain"
	"tg-drip-bot/internal/infra/metrics"
)

// Sender реализует domain.Gateway поверх Bot API.
type Sender struct {
	bot *tgbotapi.BotAPI
	log zerolog.Logger
}

var _ domain.Gateway = (*Sender)(nil)

// NewSender создаёт шлюз доставки.
func NewSender(bot *tgbotapi.BotAPI, log zerolog.Logger) *Sender {
	return &Sender{bot: bot, log: log}
}

// Send отправляет одну единицу контента. Тип поста выбирает способ отправки;
// посты без обязательного контента отклоняются с ErrContentDefect до обращения к API.
func (s *Sender) Send(ctx context.Context, chatID int64, post domain.SchedulePost) error {
	if err := post.Validate(); err != nil {
		metrics.PostsSkippedTotal.WithLabelValues("content_defect").Inc()
		return fmt.Errorf("пост %d (%s): %w", post.PostID, post.Kind, err)
	}

	var chattable tgbotapi.Chattable
	switch post.Kind {
	case domain.KindText:
		msg := tgbotapi.NewMessage(chatID, post.Content)
		msg.ParseMode = tgbotapi.ModeHTML
		chattable = msg
	case domain.KindPhoto:
		msg := tgbotapi.NewPhoto(chatID, tgbotapi.FileID(post.FileID))
		msg.Caption = post.Caption
		msg.ParseMode = tgbotapi.ModeHTML
		chattable = msg
	case domain.KindVideo:
		msg := tgbotapi.NewVideo(chatID, tgbotapi.FileID(post.FileID))
		msg.Caption = post.Caption
		msg.ParseMode = tgbotapi.ModeHTML
		chattable = msg
	case domain.KindVideoNote:
		chattable = tgbotapi.NewVideoNote(chatID, 0, tgbotapi.FileID(post.FileID))
	case domain.KindAudio:
		msg := tgbotapi.NewAudio(chatID, tgbotapi.FileID(post.FileID))
		msg.Caption = post.Caption
		msg.ParseMode = tgbotapi.ModeHTML
		chattable = msg
	case domain.KindDocument:
		msg := tgbotapi.NewDocument(chatID, tgbotapi.FileID(post.FileID))
		msg.Caption = post.Caption
		msg.ParseMode = tgbotapi.ModeHTML
		chattable = msg
	case domain.KindVoice:
		msg := tgbotapi.NewVoice(chatID, tgbotapi.FileID(post.FileID))
		msg.Caption = post.Caption
		msg.ParseMode = tgbotapi.ModeHTML
		chattable = msg
	case domain.KindLink:
		msg := tgbotapi.NewMessage(chatID, post.Content)
		msg.ParseMode = tgbotapi.ModeHTML
		if kb, ok := urlKeyboard(post.Buttons); ok {
			msg.ReplyMarkup = kb
		}
		chattable = msg
	case domain.KindSubscriptionCheck:
		msg := tgbotapi.NewMessage(chatID, post.Content)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.ReplyMarkup = gateKeyboard(post.Buttons)
		chattable = msg
	case domain.KindSurvey:
		msg := tgbotapi.NewMessage(chatID, post.Content)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.ReplyMarkup = surveyKeyboard(*post.SurveyID, post.Buttons)
		chattable = msg
	default:
		metrics.PostsSkippedTotal.WithLabelValues("unknown_kind").Inc()
		return fmt.Errorf("неизвестный тип поста %q: %w", post.Kind, domain.ErrContentDefect)
	}

	start := time.Now()
	_, err := s.bot.Send(chattable)
	metrics.ObserveNetworkRequest("telegram", "send_"+string(post.Kind), strconv.FormatInt(chatID, 10), start, err)
	if err != nil {
		metrics.SendErrorsTotal.Inc()
		if isForbidden(err) {
			return fmt.Errorf("отправка поста %d: %w", post.PostID, domain.ErrRecipientBlocked)
		}
		return fmt.Errorf("отправка поста %d: %w", post.PostID, err)
	}
	metrics.PostsSentTotal.WithLabelValues(string(post.Kind)).Inc()
	return nil
}

func urlKeyboard(buttons []domain.Button) (tgbotapi.InlineKeyboardMarkup, bool) {
	if len(buttons) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...), true
}

func gateKeyboard(buttons []domain.Button) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons)+1)
	for _, b := range buttons {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL)))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("✅ Я подписался", "check_subscription"),
	))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func surveyKeyboard(surveyID int64, buttons []domain.Button) tgbotapi.InlineKeyboardMarkup {
	label := "Пройти опрос"
	if len(buttons) > 0 && buttons[0].Text != "" {
		label = buttons[0].Text
	}
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData(label, "survey:"+strconv.FormatInt(surveyID, 10)),
	))
}

func isForbidden(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 403
	}
	return false
}

// Oracle реализует domain.SubscriptionOracle через getChatMember.
type Oracle struct {
	bot       *tgbotapi.BotAPI
	channelID int64
}

var _ domain.SubscriptionOracle = (*Oracle)(nil)

// NewOracle создаёт проверку членства в канале.
func NewOracle(bot *tgbotapi.BotAPI, channelID int64) *Oracle {
	return &Oracle{bot: bot, channelID: channelID}
}

// IsSubscribed возвращает true для member/administrator/creator.
// Запрет доступа и неизвестный пользователь трактуются как «не подписан».
func (o *Oracle) IsSubscribed(ctx context.Context, userID int64) (bool, error) {
	start := time.Now()
	member, err := o.bot.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: o.channelID, UserID: userID},
	})
	metrics.ObserveNetworkRequest("telegram", "get_chat_member", strconv.FormatInt(o.channelID, 10), start, err)
	if err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && (apiErr.Code == 403 || apiErr.Code == 400) {
			return false, nil
		}
		return false, fmt.Errorf("getChatMember: %w", err)
	}
	switch member.Status {
	case "member", "administrator", "creator":
		return true, nil
	}
	return false, nil
}
