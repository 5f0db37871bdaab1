package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-drip-bot/internal/domain"
	"tg-drip-bot/internal/usecase/broadcast"
	"tg-drip-bot/internal/usecase/lessons"
	surveyuc "tg-drip-bot/internal/usecase/survey"
)

// Тексты по умолчанию; оператор может заменить их через settings.
const (
	defaultWelcome        = "Привет, {name}! Добро пожаловать 👋"
	defaultNotSubscribed  = "❌ Вы еще не подписаны на канал. Подпишитесь и попробуйте снова."
	defaultSubConfirmed   = "✅ Подписка подтверждена!"
	defaultUnknownCommand = "Неизвестная команда. Используйте /help"
	defaultHelp           = "Бот присылает материалы по расписанию.\n/start — начать сначала\n/help — помощь"
)

// Handler обслуживает вебхук бота.
type Handler struct {
	bot       *tgbotapi.BotAPI
	log       zerolog.Logger
	users     domain.UserRepo
	settings  domain.SettingsRepo
	stats     domain.StatsRepo
	oracle    domain.SubscriptionOracle
	sequencer domain.Sequencer
	surveyUC  *surveyuc.Service
	lessonUC  *lessons.Service
	castUC    *broadcast.Service
	tracker   domain.GoalTracker
	cache     domain.Cache
	adminIDs  map[int64]struct{}
}

// NewHandler создаёт обработчик.
func NewHandler(bot *tgbotapi.BotAPI, log zerolog.Logger, users domain.UserRepo, settings domain.SettingsRepo, stats domain.StatsRepo, oracle domain.SubscriptionOracle, sequencer domain.Sequencer, surveyUC *surveyuc.Service, lessonUC *lessons.Service, castUC *broadcast.Service, tracker domain.GoalTracker, cache domain.Cache, adminIDs []int64) *Handler {
	admins := make(map[int64]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = struct{}{}
	}
	return &Handler{
		bot:       bot,
		log:       log,
		users:     users,
		settings:  settings,
		stats:     stats,
		oracle:    oracle,
		sequencer: sequencer,
		surveyUC:  surveyUC,
		lessonUC:  lessonUC,
		castUC:    castUC,
		tracker:   tracker,
		cache:     cache,
		adminIDs:  admins,
	}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.Message != nil {
		h.handleMessage(ctx, upd.Message)
	} else if upd.CallbackQuery != nil {
		h.handleCallback(ctx, upd.CallbackQuery)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	switch {
	case strings.HasPrefix(text, "/start"):
		payload := strings.TrimSpace(strings.TrimPrefix(text, "/start"))
		h.handleStart(ctx, msg, payload)
	case strings.HasPrefix(text, "/help"):
		h.replySetting(msg.Chat.ID, "help_text", defaultHelp, nil)
	case strings.HasPrefix(text, "/stats"):
		h.handleStats(msg.Chat.ID, msg.From.ID)
	case strings.HasPrefix(text, "/broadcast"):
		payload := strings.TrimSpace(strings.TrimPrefix(text, "/broadcast"))
		h.handleBroadcast(ctx, msg.Chat.ID, msg.From.ID, payload)
	case strings.HasPrefix(text, "/"):
		h.reply(msg.Chat.ID, defaultUnknownCommand, nil)
	default:
		h.handleFreeText(ctx, msg, text)
	}
}

// handleStart — событие активации: пользователь создаётся или возвращается
// на нулевой день, после чего запускается стартовая последовательность.
// Deep-link вида lesson_<id> вместо этого открывает урок.
func (h *Handler) handleStart(ctx context.Context, msg *tgbotapi.Message, payload string) {
	userID := msg.From.ID
	user, created, err := h.users.UpsertOnStart(userID, msg.From.UserName, msg.From.FirstName)
	if err != nil {
		h.log.Error().Err(err).Int64("user", userID).Msg("handler: ошибка сохранения пользователя")
		h.reply(msg.Chat.ID, "Что-то пошло не так, попробуйте ещё раз", nil)
		return
	}

	if err := h.tracker.SendStart(ctx, user, payload); err != nil {
		h.log.Error().Err(err).Int64("user", userID).Msg("handler: tgtrack недоступен")
	}

	if lessonID, ok := lessonDeepLink(payload); ok {
		if err := h.lessonUC.Open(ctx, userID, lessonID); err != nil {
			if errors.Is(err, lessons.ErrLessonNotFound) {
				h.reply(msg.Chat.ID, "Урок не найден", nil)
				return
			}
			h.log.Error().Err(err).Int64("user", userID).Int64("lesson", lessonID).Msg("handler: ошибка открытия урока")
		}
		return
	}

	// Повторный /start перезапускает воронку с нулевого дня.
	if !created {
		if err := h.users.ResetFunnel(userID); err != nil {
			h.log.Error().Err(err).Int64("user", userID).Msg("handler: ошибка сброса воронки")
			return
		}
	}

	subscribed, err := h.oracle.IsSubscribed(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Int64("user", userID).Msg("handler: ошибка проверки подписки")
	} else if err := h.users.SetSubscribed(userID, subscribed); err != nil {
		h.log.Error().Err(err).Int64("user", userID).Msg("handler: ошибка обновления подписки")
	}

	h.replySetting(msg.Chat.ID, "welcome_text", strings.ReplaceAll(defaultWelcome, "{name}", msg.From.FirstName), nil)

	if err := h.sequencer.StartLaunch(ctx, userID); err != nil {
		h.log.Error().Err(err).Int64("user", userID).Msg("handler: ошибка запуска последовательности")
	}
}

func (h *Handler) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.From == nil || cb.Message == nil {
		return
	}
	data := cb.Data
	switch {
	case data == "check_subscription":
		h.handleCheckSubscription(ctx, cb)
	case strings.HasPrefix(data, "survey:"):
		h.handleSurveyStart(ctx, cb)
	default:
		h.answerCallback(cb.ID, "", false)
	}
}

// handleCheckSubscription — подтверждение гейта. Once-гард в Redis гасит
// двойные нажатия кнопки, пока продолжение ещё выполняется.
func (h *Handler) handleCheckSubscription(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	userID := cb.From.ID
	subscribed, err := h.oracle.IsSubscribed(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Int64("user", userID).Msg("handler: ошибка проверки подписки")
		h.answerCallback(cb.ID, "Не удалось проверить подписку, попробуйте позже", true)
		return
	}
	if !subscribed {
		h.answerCallback(cb.ID, defaultNotSubscribed, true)
		return
	}

	if err := h.users.SetSubscribed(userID, true); err != nil {
		h.log.Error().Err(err).Int64("user", userID).Msg("handler: ошибка обновления подписки")
		return
	}
	confirmed, _ := h.settings.GetSetting("subscription_confirmed", defaultSubConfirmed)
	h.answerCallback(cb.ID, confirmed, true)

	key := fmt.Sprintf("gate_resume:%d", userID)
	err = h.cache.Once(key, time.Minute, func() error {
		return h.sequencer.ResumeAfterGate(ctx, userID)
	})
	if err != nil {
		h.log.Error().Err(err).Int64("user", userID).Msg("handler: ошибка продолжения последовательности")
	}
}

func (h *Handler) handleSurveyStart(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	userID := cb.From.ID
	surveyID, err := strconv.ParseInt(strings.TrimPrefix(cb.Data, "survey:"), 10, 64)
	if err != nil {
		h.answerCallback(cb.ID, "", false)
		return
	}
	survey, question, err := h.surveyUC.Begin(ctx, userID, surveyID)
	if err != nil {
		h.log.Error().Err(err).Int64("user", userID).Int64("survey", surveyID).Msg("handler: ошибка старта опроса")
		h.answerCallback(cb.ID, "Опрос сейчас недоступен", true)
		return
	}
	h.answerCallback(cb.ID, "", false)

	if survey.MessageText != "" {
		h.reply(cb.Message.Chat.ID, survey.MessageText, nil)
	}
	if question == nil {
		if survey.CompletionMessage != "" {
			h.reply(cb.Message.Chat.ID, survey.CompletionMessage, nil)
		}
		return
	}
	h.sendQuestion(cb.Message.Chat.ID, *question)
}

// handleFreeText — ответ на вопрос открытого опроса либо имя урока.
func (h *Handler) handleFreeText(ctx context.Context, msg *tgbotapi.Message, text string) {
	userID := msg.From.ID
	next, completed, err := h.surveyUC.Answer(ctx, userID, text)
	switch {
	case err == nil && next != nil:
		h.sendQuestion(msg.Chat.ID, *next)
		return
	case err == nil && completed != nil:
		done := completed.CompletionMessage
		if done == "" {
			done = "Спасибо, опрос завершён!"
		}
		h.reply(msg.Chat.ID, done, tgbotapi.NewRemoveKeyboard(true))
		return
	case err != nil && !errors.Is(err, surveyuc.ErrNoOpenResponse):
		h.log.Error().Err(err).Int64("user", userID).Msg("handler: ошибка записи ответа")
		return
	}

	if err := h.lessonUC.OpenByName(ctx, userID, text); err != nil {
		if errors.Is(err, lessons.ErrLessonNotFound) {
			h.reply(msg.Chat.ID, defaultUnknownCommand, nil)
			return
		}
		h.log.Error().Err(err).Int64("user", userID).Msg("handler: ошибка открытия урока")
	}
}

func (h *Handler) handleStats(chatID, userID int64) {
	if !h.isAdmin(userID) {
		h.reply(chatID, defaultUnknownCommand, nil)
		return
	}
	stats, err := h.stats.FunnelStats()
	if err != nil {
		h.log.Error().Err(err).Msg("handler: ошибка сбора статистики")
		h.reply(chatID, "Не удалось собрать статистику", nil)
		return
	}
	h.reply(chatID, statsReport(stats), nil)
}

// statsReport собирает текст отчёта по воронке. Дни идут по возрастанию,
// включая дни за пределами месячного расписания.
func statsReport(stats domain.FunnelStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "👥 Всего: %d\n✅ Подписаны: %d\n🚫 Заблокировали: %d\n", stats.TotalUsers, stats.SubscribedUsers, stats.BlockedUsers)
	days := make([]int, 0, len(stats.UsersPerDay))
	for day := range stats.UsersPerDay {
		days = append(days, day)
	}
	sort.Ints(days)
	for _, day := range days {
		fmt.Fprintf(&b, "День %d: %d\n", day, stats.UsersPerDay[day])
	}
	return b.String()
}

func (h *Handler) handleBroadcast(ctx context.Context, chatID, userID int64, text string) {
	if !h.isAdmin(userID) {
		h.reply(chatID, defaultUnknownCommand, nil)
		return
	}
	if text == "" {
		h.reply(chatID, "Отправьте /broadcast <текст рассылки>", nil)
		return
	}
	jobID, err := h.castUC.Enqueue(ctx, userID, domain.SchedulePost{Kind: domain.KindText, Content: text})
	if err != nil {
		h.log.Error().Err(err).Int64("admin", userID).Msg("handler: ошибка постановки рассылки")
		h.reply(chatID, "Не удалось поставить рассылку в очередь", nil)
		return
	}
	h.reply(chatID, "Рассылка поставлена в очередь: "+jobID, nil)
}

func (h *Handler) isAdmin(userID int64) bool {
	_, ok := h.adminIDs[userID]
	return ok
}

func (h *Handler) sendQuestion(chatID int64, question domain.SurveyQuestion) {
	var markup any
	if len(question.Options) > 0 {
		rows := make([][]tgbotapi.KeyboardButton, 0, len(question.Options))
		for _, option := range question.Options {
			rows = append(rows, tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(option)))
		}
		kb := tgbotapi.NewReplyKeyboard(rows...)
		kb.OneTimeKeyboard = true
		markup = kb
	}
	h.reply(chatID, question.QuestionText, markup)
}

func (h *Handler) replySetting(chatID int64, key, fallback string, markup any) {
	text, err := h.settings.GetSetting(key, fallback)
	if err != nil {
		h.log.Error().Err(err).Str("key", key).Msg("handler: ошибка чтения настройки")
		text = fallback
	}
	h.reply(chatID, text, markup)
}

func (h *Handler) reply(chatID int64, text string, markup any) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if markup != nil {
		msg.ReplyMarkup = markup
	}
	if _, err := h.bot.Send(msg); err != nil {
		h.log.Error().Err(err).Int64("chat", chatID).Msg("handler: ошибка отправки ответа")
	}
}

func (h *Handler) answerCallback(id, text string, alert bool) {
	cb := tgbotapi.NewCallback(id, text)
	cb.ShowAlert = alert
	if _, err := h.bot.Request(cb); err != nil {
		h.log.Error().Err(err).Msg("handler: ошибка ответа на callback")
	}
}

func lessonDeepLink(payload string) (int64, bool) {
	if !strings.HasPrefix(payload, "lesson_") {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(payload, "lesson_"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
