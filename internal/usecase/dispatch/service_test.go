package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-drip-bot/internal/domain"
)

type progressKey struct {
	userID int64
	postID int64
}

type progressRow struct {
	status domain.ProgressStatus
	sentAt time.Time
}

type stubRepo struct {
	users    map[int64]*domain.User
	due      map[string][]domain.SchedulePost
	progress map[progressKey]progressRow
	now      time.Time
}

func newStubRepo(users ...domain.User) *stubRepo {
	repo := &stubRepo{
		users:    make(map[int64]*domain.User),
		due:      make(map[string][]domain.SchedulePost),
		progress: make(map[progressKey]progressRow),
	}
	for i := range users {
		user := users[i]
		repo.users[user.UserID] = &user
	}
	return repo
}

func (s *stubRepo) UpsertOnStart(int64, string, string) (domain.User, bool, error) {
	return domain.User{}, false, nil
}

func (s *stubRepo) GetUser(userID int64) (domain.User, error) {
	user, ok := s.users[userID]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return *user, nil
}

func (s *stubRepo) ClaimLaunch(userID int64) (bool, error) {
	user := s.users[userID]
	if user.FirstMessageSent {
		return false, nil
	}
	user.FirstMessageSent = true
	return true, nil
}

func (s *stubRepo) ResetFunnel(int64) error { return nil }

func (s *stubRepo) SetSubscribed(userID int64, subscribed bool) error {
	s.users[userID].IsSubscribed = subscribed
	return nil
}

func (s *stubRepo) SetBlocked(userID int64, blocked bool) error {
	s.users[userID].IsBlocked = blocked
	return nil
}

func (s *stubRepo) SetSubscriptionChecked(userID int64, checked bool) error {
	s.users[userID].SubscriptionChecked = checked
	return nil
}

func (s *stubRepo) UpdateSequenceCursor(userID int64, cursor int, nextPostAt *time.Time) error {
	user := s.users[userID]
	user.SequenceCursor = cursor
	user.NextPostAt = nextPostAt
	return nil
}

func (s *stubRepo) ListUsersOnDay(dayNumber int) ([]domain.User, error) {
	var out []domain.User
	for _, user := range s.users {
		if user.CurrentDay == dayNumber && user.IsSubscribed && !user.IsBlocked {
			out = append(out, *user)
		}
	}
	return out, nil
}

func (s *stubRepo) ListStalledLaunchUsers() ([]domain.User, error) {
	var out []domain.User
	for _, user := range s.users {
		if user.CurrentDay == 0 && !user.FirstMessageSent && user.IsActive && !user.IsBlocked {
			out = append(out, *user)
		}
	}
	return out, nil
}

func (s *stubRepo) ListSequenceDue(time.Time) ([]domain.User, error) { return nil, nil }

func (s *stubRepo) ListActiveUsers() ([]domain.User, error) {
	var out []domain.User
	for _, user := range s.users {
		if user.IsActive && !user.IsBlocked {
			out = append(out, *user)
		}
	}
	return out, nil
}

func (s *stubRepo) AdvanceDays(now time.Time) (int64, error) {
	var updated int64
	for _, user := range s.users {
		if !user.IsSubscribed || user.IsBlocked {
			continue
		}
		days := int(now.Sub(user.StartDate) / (24 * time.Hour))
		if days > user.CurrentDay {
			user.CurrentDay = days
			updated++
		}
	}
	return updated, nil
}

func (s *stubRepo) GetDay(dayNumber int) (domain.ScheduleDay, error) {
	return domain.ScheduleDay{DayNumber: dayNumber, DayType: 1}, nil
}

func (s *stubRepo) ListDay0Posts() ([]domain.SchedulePost, error) { return nil, nil }

func (s *stubRepo) ListPostsForDay(int) ([]domain.SchedulePost, error) { return nil, nil }

func (s *stubRepo) ListPostsDueAt(hhmm string) ([]domain.SchedulePost, error) {
	return s.due[hhmm], nil
}

func (s *stubRepo) Has(userID, postID int64) (bool, error) {
	_, ok := s.progress[progressKey{userID, postID}]
	return ok, nil
}

func (s *stubRepo) Record(userID, postID int64, status domain.ProgressStatus) (bool, error) {
	key := progressKey{userID, postID}
	if _, ok := s.progress[key]; ok {
		return false, nil
	}
	s.progress[key] = progressRow{status: status, sentAt: s.now}
	return true, nil
}

func (s *stubRepo) SentPostIDs(int64) (map[int64]struct{}, error) { return nil, nil }

func (s *stubRepo) PurgeOlderThan(cutoff time.Time) (int64, error) {
	var purged int64
	for key, row := range s.progress {
		if row.sentAt.Before(cutoff) {
			delete(s.progress, key)
			purged++
		}
	}
	return purged, nil
}

type fakeGateway struct {
	sent   map[int64][]int64
	failOn map[int64]error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{sent: make(map[int64][]int64), failOn: make(map[int64]error)}
}

func (g *fakeGateway) Send(_ context.Context, chatID int64, post domain.SchedulePost) error {
	if err, ok := g.failOn[chatID]; ok {
		return err
	}
	g.sent[chatID] = append(g.sent[chatID], post.PostID)
	return nil
}

type fakeSequencer struct {
	started []int64
	pumped  int
}

func (f *fakeSequencer) StartLaunch(_ context.Context, userID int64) error {
	f.started = append(f.started, userID)
	return nil
}

func (f *fakeSequencer) ResumeAfterGate(context.Context, int64) error { return nil }

func (f *fakeSequencer) PumpDue(context.Context) error {
	f.pumped++
	return nil
}

func newTestService(repo *stubRepo, gw *fakeGateway, seq *fakeSequencer, at time.Time) *Service {
	service := NewService(repo, repo, repo, gw, seq, zerolog.Nop(), time.UTC, 30)
	service.now = func() time.Time { return at }
	repo.now = at
	return service
}

func TestDispatchSendsOnlyToMatchingDay(t *testing.T) {
	at := time.Date(2026, 1, 10, 10, 0, 0, 0, time.UTC)
	repo := newStubRepo(
		domain.User{UserID: 1, CurrentDay: 2, IsSubscribed: true, IsActive: true},
		domain.User{UserID: 2, CurrentDay: 3, IsSubscribed: true, IsActive: true},
	)
	repo.due["10:00"] = []domain.SchedulePost{
		{PostID: 10, DayNumber: 2, Kind: domain.KindText, Content: "день 2", TimeOfDay: "10:00"},
	}
	gw := newFakeGateway()
	service := newTestService(repo, gw, &fakeSequencer{}, at)

	if err := service.DispatchDueScheduledPosts(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(gw.sent[1]) != 1 || gw.sent[1][0] != 10 {
		t.Fatalf("пользователь дня 2 должен получить пост, отправлено %v", gw.sent[1])
	}
	if len(gw.sent[2]) != 0 {
		t.Fatalf("пользователь дня 3 пост получать не должен")
	}
}

func TestDispatchRepeatTickNoDuplicates(t *testing.T) {
	at := time.Date(2026, 1, 10, 10, 0, 0, 0, time.UTC)
	repo := newStubRepo(domain.User{UserID: 1, CurrentDay: 2, IsSubscribed: true, IsActive: true})
	repo.due["10:00"] = []domain.SchedulePost{
		{PostID: 10, DayNumber: 2, Kind: domain.KindText, Content: "день 2", TimeOfDay: "10:00"},
	}
	gw := newFakeGateway()
	service := newTestService(repo, gw, &fakeSequencer{}, at)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := service.DispatchDueScheduledPosts(ctx); err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
	}
	if len(gw.sent[1]) != 1 {
		t.Fatalf("журнал должен защищать от дублей, отправлено %d", len(gw.sent[1]))
	}
}

func TestDispatchMarksForbiddenUserBlocked(t *testing.T) {
	at := time.Date(2026, 1, 10, 10, 0, 0, 0, time.UTC)
	repo := newStubRepo(
		domain.User{UserID: 1, CurrentDay: 2, IsSubscribed: true, IsActive: true},
		domain.User{UserID: 2, CurrentDay: 2, IsSubscribed: true, IsActive: true},
	)
	repo.due["10:00"] = []domain.SchedulePost{
		{PostID: 10, DayNumber: 2, Kind: domain.KindText, Content: "день 2", TimeOfDay: "10:00"},
	}
	gw := newFakeGateway()
	gw.failOn[1] = domain.ErrRecipientBlocked
	service := newTestService(repo, gw, &fakeSequencer{}, at)

	if err := service.DispatchDueScheduledPosts(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !repo.users[1].IsBlocked {
		t.Fatalf("заблокировавший бота пользователь должен быть помечен")
	}
	if len(gw.sent[2]) != 1 {
		t.Fatalf("блокировка одного не должна останавливать остальных")
	}
	if ok, _ := repo.Has(1, 10); ok {
		t.Fatalf("несостоявшаяся отправка не должна попадать в журнал")
	}
}

func TestAdvanceUserDaysCatchesUp(t *testing.T) {
	at := time.Date(2026, 1, 10, 0, 5, 0, 0, time.UTC)
	repo := newStubRepo(
		// Активирован трое суток назад, но счётчик отстал на два дня.
		domain.User{UserID: 1, CurrentDay: 1, IsSubscribed: true, IsActive: true, StartDate: at.Add(-73 * time.Hour)},
		domain.User{UserID: 2, CurrentDay: 5, IsSubscribed: true, IsActive: true, StartDate: at.Add(-24 * time.Hour)},
		domain.User{UserID: 3, CurrentDay: 0, IsSubscribed: false, IsActive: true, StartDate: at.Add(-73 * time.Hour)},
	)
	service := newTestService(repo, newFakeGateway(), &fakeSequencer{}, at)

	if err := service.AdvanceUserDays(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if repo.users[1].CurrentDay != 3 {
		t.Fatalf("счётчик должен догнать календарь, получили %d", repo.users[1].CurrentDay)
	}
	if repo.users[2].CurrentDay != 5 {
		t.Fatalf("счётчик не должен уменьшаться, получили %d", repo.users[2].CurrentDay)
	}
	if repo.users[3].CurrentDay != 0 {
		t.Fatalf("неподписанный пользователь не сдвигается")
	}
}

func TestCleanupOldProgressKeepsRecentRows(t *testing.T) {
	at := time.Date(2026, 1, 31, 3, 0, 0, 0, time.UTC)
	repo := newStubRepo(domain.User{UserID: 1, IsActive: true})
	repo.progress[progressKey{1, 10}] = progressRow{status: domain.ProgressSent, sentAt: at.Add(-31 * 24 * time.Hour)}
	repo.progress[progressKey{1, 11}] = progressRow{status: domain.ProgressSent, sentAt: at.Add(-29 * 24 * time.Hour)}
	service := newTestService(repo, newFakeGateway(), &fakeSequencer{}, at)

	if err := service.CleanupOldProgress(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if _, ok := repo.progress[progressKey{1, 10}]; ok {
		t.Fatalf("запись старше окна хранения должна быть удалена")
	}
	if _, ok := repo.progress[progressKey{1, 11}]; !ok {
		t.Fatalf("запись внутри окна хранения должна остаться")
	}
}

func TestRecoverStalledLaunches(t *testing.T) {
	at := time.Date(2026, 1, 10, 10, 0, 0, 0, time.UTC)
	repo := newStubRepo(
		domain.User{UserID: 1, CurrentDay: 0, IsActive: true},
		domain.User{UserID: 2, CurrentDay: 0, IsActive: true, FirstMessageSent: true},
	)
	seq := &fakeSequencer{}
	service := newTestService(repo, newFakeGateway(), seq, at)

	if err := service.RecoverStalledLaunches(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(seq.started) != 1 || seq.started[0] != 1 {
		t.Fatalf("ожидали перезапуск только застрявшего пользователя, получили %v", seq.started)
	}
}
