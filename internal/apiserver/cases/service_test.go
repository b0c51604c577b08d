package cases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"bugpilot/internal/notify"
	"bugpilot/internal/shared/eventbus"
	"bugpilot/internal/shared/model"
	"bugpilot/internal/shared/storage"
	"bugpilot/internal/shared/storage/dbutil"
	"bugpilot/internal/shared/storage/repository"
	"bugpilot/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// 测试替身
// ============================================================================

// recordingBus 记录发布到总线的事件
type recordingBus struct {
	eventbus.NoOpEventBus
	mu     sync.Mutex
	events []*eventbus.CaseEvent
}

func (b *recordingBus) PublishCaseEvent(ctx context.Context, caseID string, e *eventbus.CaseEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

func (b *recordingBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// post 一次通知调用
type post struct {
	channel, thread string
	msg             notify.Message
}

// recordingNotifier 记录通知，返回固定 ts
type recordingNotifier struct {
	mu    sync.Mutex
	posts []post
	ts    string
	err   error
}

func (n *recordingNotifier) PostInThread(ctx context.Context, channel, threadTS string, msg notify.Message) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.posts = append(n.posts, post{channel, threadTS, msg})
	if n.err != nil {
		return "", n.err
	}
	if threadTS != "" {
		return threadTS, nil
	}
	return n.ts, nil
}

func (n *recordingNotifier) BuildActionMessage(caseID, text string, actions []notify.Action) notify.Message {
	return notify.BuildActionMessage(caseID, text, actions)
}

func (n *recordingNotifier) all() []post {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]post(nil), n.posts...)
}

func newTestStore(t *testing.T) *repository.Store {
	t.Helper()
	s, err := repository.Open(dbutil.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type fixture struct {
	store    *repository.Store
	bus      *recordingBus
	notifier *recordingNotifier
	svc      *Service
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	f := &fixture{
		store:    newTestStore(t),
		bus:      &recordingBus{},
		notifier: &recordingNotifier{ts: "1700.0001"},
	}
	o := Options{Bus: f.bus, Notifier: f.notifier, Logger: logging.Nop()}
	for _, fn := range opts {
		fn(&o)
	}
	f.svc = NewService(f.store, o)
	return f
}

func countRows(t *testing.T, s *repository.Store, table string) int {
	t.Helper()
	var n int
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

// ============================================================================
// 创建
// ============================================================================

// 并发创建同一 issue：只落一行，双方拿到同一个 Case
func TestCreateConcurrentResolvesToSameCase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	type result struct {
		c       *model.Case
		created bool
		err     error
	}
	results := make([]result, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, created, err := f.svc.Create(ctx, model.CaseSource{Repo: "a/b", ExternalIssueID: "42", Title: "bug"})
			results[i] = result{c, created, err}
		}(i)
	}
	wg.Wait()

	require.NoError(t, results[0].err)
	require.NoError(t, results[1].err)
	assert.Equal(t, results[0].c.ID, results[1].c.ID)
	assert.True(t, results[0].created != results[1].created, "exactly one caller creates")
	assert.Equal(t, 1, countRows(t, f.store, "cases"))
	assert.Equal(t, 1, countRows(t, f.store, "case_transitions"))
}

func TestCreateDuplicateMergesSlackThread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, created, err := f.svc.Create(ctx, model.CaseSource{Repo: "a/b", ExternalIssueID: "7", Title: "from github"})
	require.NoError(t, err)
	require.True(t, created)
	assert.Empty(t, first.SlackChannel)

	second, created, err := f.svc.Create(ctx, model.CaseSource{
		Repo: "a/b", ExternalIssueID: "7", Title: "from slack",
		SlackChannel: "C9", SlackThreadTS: "1699.5",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "from github", second.Title)
	assert.Equal(t, "C9", second.SlackChannel)
	assert.Equal(t, "1699.5", second.SlackThreadTS)
}

func TestCreateOpensThreadInDefaultChannel(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Channel = "C-OPS" })

	c, _, err := f.svc.Create(context.Background(), model.CaseSource{Repo: "a/b", ExternalIssueID: "1", Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, "C-OPS", c.SlackChannel)
	assert.Equal(t, "1700.0001", c.SlackThreadTS)

	stored, err := f.svc.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.True(t, stored.HasThread())

	posts := f.notifier.all()
	require.Len(t, posts, 1)
	assert.Equal(t, "", posts[0].thread)
	assert.Contains(t, posts[0].msg.Text, "a/b#1")
}

func TestCreateNotificationFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Channel = "C-OPS" })
	f.notifier.err = errors.New("slack down")

	c, created, err := f.svc.Create(context.Background(), model.CaseSource{Repo: "a/b", ExternalIssueID: "1"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, c.HasThread())
}

func TestCreateRequiresIdentity(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.Create(context.Background(), model.CaseSource{Repo: "a/b"})
	assert.True(t, errors.Is(err, ErrInvalidInput))
	assert.Equal(t, 0, countRows(t, f.store, "cases"))
}

// ============================================================================
// 迁移
// ============================================================================

func TestTransitionArbitraryOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, _, err := f.svc.Create(ctx, model.CaseSource{Repo: "a/b", ExternalIssueID: "42", SlackChannel: "C1", SlackThreadTS: "1.1"})
	require.NoError(t, err)

	res, err := f.svc.Transition(ctx, c.ID, model.CaseFailed, nil)
	require.NoError(t, err)
	assert.Equal(t, &model.TransitionResult{CaseID: c.ID, From: model.CaseNew, To: model.CaseFailed}, res)

	_, err = f.svc.Transition(ctx, c.ID, "investigating", json.RawMessage(`{"by":"slack"}`))
	require.NoError(t, err)

	history, err := f.svc.History(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, [2]model.CaseState{model.CaseFailed, model.CaseInvestigating}, [2]model.CaseState{history[0].FromState, history[0].ToState})
	assert.Equal(t, [2]model.CaseState{model.CaseNew, model.CaseFailed}, [2]model.CaseState{history[1].FromState, history[1].ToState})

	assert.Equal(t, 2, f.bus.count())
	// 开线程消息 + 两次迁移通知
	posts := f.notifier.all()
	require.Len(t, posts, 3)
	assert.Equal(t, "1.1", posts[2].thread)
	assert.Contains(t, posts[2].msg.Text, "INVESTIGATING")
}

func TestTransitionRejectedWritesNothing(t *testing.T) {
	deny := model.DenyList{model.CaseNew: {model.CaseReadyToMerge}}
	f := newFixture(t, func(o *Options) { o.Policy = deny })
	ctx := context.Background()
	c, _, err := f.svc.Create(ctx, model.CaseSource{Repo: "a/b", ExternalIssueID: "42"})
	require.NoError(t, err)

	tests := []struct {
		name string
		to   model.CaseState
	}{
		{"未知状态", "SHIPPED"},
		{"策略拒绝", model.CaseReadyToMerge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Transition(ctx, c.ID, tt.to, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrTransitionRejected))
		})
	}

	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseNew, got.State)
	assert.Equal(t, 1, countRows(t, f.store, "case_transitions"))
	assert.Equal(t, 0, f.bus.count())
}

func TestTransitionNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Transition(context.Background(), "missing", model.CaseFailed, nil)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	_, err = f.svc.History(context.Background(), "missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestTransitionInvalidMetadata(t *testing.T) {
	f := newFixture(t)
	c, _, err := f.svc.Create(context.Background(), model.CaseSource{Repo: "a/b", ExternalIssueID: "1"})
	require.NoError(t, err)
	_, err = f.svc.Transition(context.Background(), c.ID, model.CaseFailed, json.RawMessage(`{nope`))
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

// racingStore 第一次迁移前插入一次并发迁移，使比较条件失效
type racingStore struct {
	storage.CaseStore
	mu    sync.Mutex
	raced bool
	calls int
}

func (s *racingStore) TransitionCase(ctx context.Context, id string, from, to model.CaseState, metadata json.RawMessage) (*model.CaseTransition, error) {
	s.mu.Lock()
	s.calls++
	first := !s.raced
	s.raced = true
	s.mu.Unlock()

	if first {
		if _, err := s.CaseStore.TransitionCase(ctx, id, from, model.CaseTriaged, nil); err != nil {
			return nil, err
		}
	}
	return s.CaseStore.TransitionCase(ctx, id, from, to, metadata)
}

func TestTransitionRetriesOnceAfterConflict(t *testing.T) {
	base := newTestStore(t)
	racing := &racingStore{CaseStore: base}
	svc := NewService(racing, Options{Logger: logging.Nop()})
	ctx := context.Background()

	c, _, err := svc.Create(ctx, model.CaseSource{Repo: "a/b", ExternalIssueID: "42"})
	require.NoError(t, err)

	res, err := svc.Transition(ctx, c.ID, model.CaseInvestigating, nil)
	require.NoError(t, err)
	assert.Equal(t, model.CaseTriaged, res.From)
	assert.Equal(t, model.CaseInvestigating, res.To)
	assert.Equal(t, 2, racing.calls)

	history, err := svc.History(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, model.CaseInvestigating, history[0].ToState)
}

// alwaysConflict 每次迁移都返回冲突
type alwaysConflict struct {
	storage.CaseStore
	calls int
}

func (s *alwaysConflict) TransitionCase(ctx context.Context, id string, from, to model.CaseState, metadata json.RawMessage) (*model.CaseTransition, error) {
	s.calls++
	return nil, fmt.Errorf("case %s: %w", id, storage.ErrConflict)
}

func TestTransitionGivesUpAfterSecondConflict(t *testing.T) {
	store := &alwaysConflict{CaseStore: newTestStore(t)}
	svc := NewService(store, Options{Logger: logging.Nop()})
	c, _, err := svc.Create(context.Background(), model.CaseSource{Repo: "a/b", ExternalIssueID: "42"})
	require.NoError(t, err)

	_, err = svc.Transition(context.Background(), c.ID, model.CaseFailed, nil)
	assert.True(t, errors.Is(err, storage.ErrConflict))
	assert.Equal(t, 2, store.calls)
}

func TestMetadataSummary(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"summary 优先", `{"summary":"s","reason":"r"}`, "s"},
		{"reason", `{"reason":"r"}`, "r"},
		{"error", `{"error":"boom"}`, "boom"},
		{"非字符串", `{"summary":1}`, ""},
		{"空", ``, ""},
		{"非对象", `[1]`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, metadataSummary(json.RawMessage(tt.in)))
		})
	}
}
