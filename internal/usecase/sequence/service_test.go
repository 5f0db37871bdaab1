package sequence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-drip-bot/internal/domain"
)

type progressKey struct {
	userID int64
	postID int64
}

type stubRepo struct {
	users    map[int64]*domain.User
	posts    []domain.SchedulePost
	progress map[progressKey]domain.ProgressStatus
}

func newStubRepo(posts []domain.SchedulePost, users ...domain.User) *stubRepo {
	repo := &stubRepo{
		users:    make(map[int64]*domain.User),
		posts:    posts,
		progress: make(map[progressKey]domain.ProgressStatus),
	}
	for i := range users {
		user := users[i]
		repo.users[user.UserID] = &user
	}
	return repo
}

func (s *stubRepo) UpsertOnStart(userID int64, username, firstName string) (domain.User, bool, error) {
	if user, ok := s.users[userID]; ok {
		return *user, false, nil
	}
	user := domain.User{UserID: userID, Username: username, FirstName: firstName, IsActive: true}
	s.users[userID] = &user
	return user, true, nil
}

func (s *stubRepo) GetUser(userID int64) (domain.User, error) {
	user, ok := s.users[userID]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return *user, nil
}

func (s *stubRepo) ClaimLaunch(userID int64) (bool, error) {
	user, ok := s.users[userID]
	if !ok || user.FirstMessageSent {
		return false, nil
	}
	user.FirstMessageSent = true
	user.SequenceCursor = 0
	return true, nil
}

func (s *stubRepo) ResetFunnel(userID int64) error {
	user := s.users[userID]
	user.CurrentDay = 0
	user.FirstMessageSent = false
	user.SubscriptionChecked = false
	user.SequenceCursor = 0
	user.NextPostAt = nil
	return nil
}

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

func (s *stubRepo) ListSequenceDue(now time.Time) ([]domain.User, error) {
	var out []domain.User
	for _, user := range s.users {
		if user.FirstMessageSent && user.NextPostAt != nil && !user.NextPostAt.After(now) &&
			user.IsActive && !user.IsBlocked {
			out = append(out, *user)
		}
	}
	return out, nil
}

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
	return domain.ScheduleDay{DayNumber: dayNumber}, nil
}

func (s *stubRepo) ListDay0Posts() ([]domain.SchedulePost, error) { return s.posts, nil }

func (s *stubRepo) ListPostsForDay(int) ([]domain.SchedulePost, error) { return nil, nil }

func (s *stubRepo) ListPostsDueAt(string) ([]domain.SchedulePost, error) { return nil, nil }

func (s *stubRepo) Has(userID, postID int64) (bool, error) {
	_, ok := s.progress[progressKey{userID, postID}]
	return ok, nil
}

func (s *stubRepo) Record(userID, postID int64, status domain.ProgressStatus) (bool, error) {
	key := progressKey{userID, postID}
	if _, ok := s.progress[key]; ok {
		return false, nil
	}
	s.progress[key] = status
	return true, nil
}

func (s *stubRepo) SentPostIDs(userID int64) (map[int64]struct{}, error) {
	out := make(map[int64]struct{})
	for key := range s.progress {
		if key.userID == userID {
			out[key.postID] = struct{}{}
		}
	}
	return out, nil
}

func (s *stubRepo) PurgeOlderThan(time.Time) (int64, error) { return 0, nil }

type fakeGateway struct {
	sent   []int64
	failOn map[int64]error
}

func (g *fakeGateway) Send(_ context.Context, _ int64, post domain.SchedulePost) error {
	if err, ok := g.failOn[post.PostID]; ok {
		return err
	}
	g.sent = append(g.sent, post.PostID)
	return nil
}

func launchPosts() []domain.SchedulePost {
	return []domain.SchedulePost{
		{PostID: 1, Kind: domain.KindText, Content: "первый"},
		{PostID: 2, Kind: domain.KindText, Content: "второй"},
		{PostID: 3, Kind: domain.KindText, Content: "третий"},
	}
}

func newTestService(repo *stubRepo, gw *fakeGateway, delayFirst bool, clock *time.Time) *Service {
	service := NewService(repo, repo, repo, gw, zerolog.Nop(), delayFirst)
	service.now = func() time.Time { return *clock }
	return service
}

func TestStartLaunchSendsAllImmediatePosts(t *testing.T) {
	clock := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	repo := newStubRepo(launchPosts(), domain.User{UserID: 7, IsActive: true})
	gw := &fakeGateway{}
	service := newTestService(repo, gw, false, &clock)

	if err := service.StartLaunch(context.Background(), 7); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(gw.sent) != 3 {
		t.Fatalf("ожидали 3 отправки, получили %d", len(gw.sent))
	}
	user, _ := repo.GetUser(7)
	if user.SequenceCursor != 3 || user.NextPostAt != nil {
		t.Fatalf("ожидали завершённый курсор, получили cursor=%d next=%v", user.SequenceCursor, user.NextPostAt)
	}
	if domain.SequenceStateOf(user, 3) != domain.SequenceComplete {
		t.Fatalf("ожидали состояние complete")
	}
}

func TestStartLaunchIdempotent(t *testing.T) {
	clock := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	repo := newStubRepo(launchPosts(), domain.User{UserID: 7, IsActive: true})
	gw := &fakeGateway{}
	service := newTestService(repo, gw, false, &clock)

	ctx := context.Background()
	if err := service.StartLaunch(ctx, 7); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := service.StartLaunch(ctx, 7); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(gw.sent) != 3 {
		t.Fatalf("повторный запуск не должен дублировать посты, отправлено %d", len(gw.sent))
	}
}

func TestGateStopsSequenceUntilResume(t *testing.T) {
	clock := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	posts := []domain.SchedulePost{
		{PostID: 1, Kind: domain.KindText, Content: "привет"},
		{PostID: 2, Kind: domain.KindSubscriptionCheck, Content: "подпишись"},
		{PostID: 3, Kind: domain.KindText, Content: "после гейта"},
	}
	repo := newStubRepo(posts, domain.User{UserID: 7, IsActive: true})
	gw := &fakeGateway{}
	service := newTestService(repo, gw, false, &clock)
	ctx := context.Background()

	if err := service.StartLaunch(ctx, 7); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(gw.sent) != 2 {
		t.Fatalf("ожидали остановку после гейта, отправлено %d", len(gw.sent))
	}
	user, _ := repo.GetUser(7)
	if domain.SequenceStateOf(user, len(posts)) != domain.SequenceAtGate {
		t.Fatalf("ожидали состояние at_gate, получили %s", domain.SequenceStateOf(user, len(posts)))
	}

	// Насос не должен сдвигать стоящую на гейте последовательность.
	if err := service.PumpDue(ctx); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(gw.sent) != 2 {
		t.Fatalf("насос не должен обходить гейт")
	}

	if err := service.ResumeAfterGate(ctx, 7); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(gw.sent) != 3 || gw.sent[2] != 3 {
		t.Fatalf("ожидали пост после гейта, отправлено %v", gw.sent)
	}
}

func TestGateMarkedWhenGatePostFails(t *testing.T) {
	// Гейт считается предъявленным, даже когда само сообщение не ушло:
	// иначе пользователь навсегда застрянет перед проверкой подписки.
	clock := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	posts := []domain.SchedulePost{
		{PostID: 1, Kind: domain.KindText, Content: "привет"},
		{PostID: 2, Kind: domain.KindSubscriptionCheck, Content: "подпишись"},
		{PostID: 3, Kind: domain.KindText, Content: "после гейта"},
	}
	repo := newStubRepo(posts, domain.User{UserID: 7, IsActive: true})
	gw := &fakeGateway{failOn: map[int64]error{2: errors.New("сеть моргнула")}}
	service := newTestService(repo, gw, false, &clock)
	ctx := context.Background()

	if err := service.StartLaunch(ctx, 7); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	user, _ := repo.GetUser(7)
	if !user.SubscriptionChecked {
		t.Fatalf("гейт должен быть отмечен даже при сбое отправки")
	}
	if domain.SequenceStateOf(user, len(posts)) != domain.SequenceAtGate {
		t.Fatalf("ожидали состояние at_gate, получили %s", domain.SequenceStateOf(user, len(posts)))
	}

	if err := service.ResumeAfterGate(ctx, 7); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(gw.sent) != 2 || gw.sent[1] != 3 {
		t.Fatalf("после подтверждения ожидали пост за гейтом, отправлено %v", gw.sent)
	}
}

func TestResumeAfterGateIsNoopOutsideGate(t *testing.T) {
	clock := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	repo := newStubRepo(launchPosts(), domain.User{UserID: 7, IsActive: true, SubscriptionChecked: true})
	gw := &fakeGateway{}
	service := newTestService(repo, gw, false, &clock)

	if err := service.ResumeAfterGate(context.Background(), 7); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(gw.sent) != 0 {
		t.Fatalf("продолжение вне гейта должно быть no-op")
	}
}

func TestDelayedPostWaitsForPump(t *testing.T) {
	clock := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	posts := []domain.SchedulePost{
		{PostID: 1, Kind: domain.KindText, Content: "сразу"},
		{PostID: 2, Kind: domain.KindText, Content: "через минуту", DelaySeconds: 60},
	}
	repo := newStubRepo(posts, domain.User{UserID: 7, IsActive: true})
	gw := &fakeGateway{}
	service := newTestService(repo, gw, false, &clock)
	ctx := context.Background()

	if err := service.StartLaunch(ctx, 7); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(gw.sent) != 1 {
		t.Fatalf("ожидали только первый пост, отправлено %d", len(gw.sent))
	}

	if err := service.PumpDue(ctx); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(gw.sent) != 1 {
		t.Fatalf("пауза ещё не истекла, отправка преждевременна")
	}

	clock = clock.Add(61 * time.Second)
	if err := service.PumpDue(ctx); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(gw.sent) != 2 || gw.sent[1] != 2 {
		t.Fatalf("ожидали второй пост после паузы, отправлено %v", gw.sent)
	}
}

func TestDelayFirstPolicy(t *testing.T) {
	clock := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	posts := []domain.SchedulePost{
		{PostID: 1, Kind: domain.KindText, Content: "первый", DelaySeconds: 30},
	}
	repo := newStubRepo(posts, domain.User{UserID: 7, IsActive: true})
	gw := &fakeGateway{}
	service := newTestService(repo, gw, true, &clock)
	ctx := context.Background()

	if err := service.StartLaunch(ctx, 7); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(gw.sent) != 0 {
		t.Fatalf("при включённой паузе первый пост не должен уйти сразу")
	}

	clock = clock.Add(31 * time.Second)
	if err := service.PumpDue(ctx); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(gw.sent) != 1 {
		t.Fatalf("ожидали первый пост после паузы")
	}
}

func TestBlockedRecipientParksSequence(t *testing.T) {
	clock := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	repo := newStubRepo(launchPosts(), domain.User{UserID: 7, IsActive: true})
	gw := &fakeGateway{failOn: map[int64]error{1: domain.ErrRecipientBlocked}}
	service := newTestService(repo, gw, false, &clock)

	if err := service.StartLaunch(context.Background(), 7); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	user, _ := repo.GetUser(7)
	if !user.IsBlocked {
		t.Fatalf("ожидали пометку блокировки")
	}
	if user.NextPostAt != nil {
		t.Fatalf("последовательность заблокированного должна стоять")
	}
	if len(gw.sent) != 0 {
		t.Fatalf("после блокировки отправок быть не должно")
	}
}

func TestFailedPostSkippedWithoutRetry(t *testing.T) {
	clock := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	repo := newStubRepo(launchPosts(), domain.User{UserID: 7, IsActive: true})
	gw := &fakeGateway{failOn: map[int64]error{2: errors.New("сеть моргнула")}}
	service := newTestService(repo, gw, false, &clock)

	if err := service.StartLaunch(context.Background(), 7); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(gw.sent) != 2 || gw.sent[0] != 1 || gw.sent[1] != 3 {
		t.Fatalf("сбойный пост должен быть пропущен, отправлено %v", gw.sent)
	}
	if ok, _ := repo.Has(7, 2); ok {
		t.Fatalf("несостоявшаяся отправка не должна попадать в журнал")
	}
	user, _ := repo.GetUser(7)
	if user.SequenceCursor != 3 {
		t.Fatalf("курсор должен дойти до конца, получили %d", user.SequenceCursor)
	}
}

func TestPumpResumesPersistedCursor(t *testing.T) {
	// Состояние после перезапуска процесса: курсор и время следующего
	// поста прочитаны из БД, первый пост уже в журнале.
	clock := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	due := clock.Add(-time.Second)
	repo := newStubRepo(launchPosts(), domain.User{
		UserID: 7, IsActive: true, FirstMessageSent: true,
		SequenceCursor: 1, NextPostAt: &due,
	})
	repo.progress[progressKey{7, 1}] = domain.ProgressSent
	gw := &fakeGateway{}
	service := newTestService(repo, gw, false, &clock)

	if err := service.PumpDue(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(gw.sent) != 2 || gw.sent[0] != 2 || gw.sent[1] != 3 {
		t.Fatalf("ожидали продолжение с курсора, отправлено %v", gw.sent)
	}
}

func TestDeliverSkipsAlreadyLoggedPost(t *testing.T) {
	clock := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	repo := newStubRepo(launchPosts(), domain.User{UserID: 7, IsActive: true})
	repo.progress[progressKey{7, 1}] = domain.ProgressSent
	gw := &fakeGateway{}
	service := newTestService(repo, gw, false, &clock)

	if err := service.StartLaunch(context.Background(), 7); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(gw.sent) != 2 || gw.sent[0] != 2 {
		t.Fatalf("записанный в журнал пост не должен отправляться повторно, отправлено %v", gw.sent)
	}
}

func TestDeactivatedUserStopsMidSequence(t *testing.T) {
	clock := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	posts := []domain.SchedulePost{
		{PostID: 1, Kind: domain.KindText, Content: "первый"},
		{PostID: 2, Kind: domain.KindText, Content: "второй", DelaySeconds: 60},
	}
	repo := newStubRepo(posts, domain.User{UserID: 7, IsActive: true})
	gw := &fakeGateway{}
	service := newTestService(repo, gw, false, &clock)
	ctx := context.Background()

	if err := service.StartLaunch(ctx, 7); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	repo.users[7].IsActive = false

	clock = clock.Add(61 * time.Second)
	if err := service.PumpDue(ctx); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(gw.sent) != 1 {
		t.Fatalf("деактивированный пользователь не должен получать посты")
	}
}
