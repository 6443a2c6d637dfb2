package router

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/nuntius/internal/kv"
	"github.com/core-coin/nuntius/internal/ledger"
	"github.com/core-coin/nuntius/internal/metrics"
	"github.com/core-coin/nuntius/internal/models"
	"github.com/core-coin/nuntius/internal/repository"
	"github.com/core-coin/nuntius/pkg/logger"
)

type post struct {
	handle int
	text   string
}

type fakeSurface struct {
	mu sync.Mutex

	nextHandle int
	nextMsg    int

	createErr  error
	relayErrs  []error
	deliverErr error
	onRelay    func()

	created   []string
	relayed   []int
	posts     []post
	pins      []int
	delivered []int64
	notices   map[int64][]string
}

func newFakeSurface() *fakeSurface {
	return &fakeSurface{nextHandle: 100, nextMsg: 1000, notices: make(map[int64][]string)}
}

func (f *fakeSurface) CreateThread(_ context.Context, title string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.nextHandle++
	f.created = append(f.created, title)
	return f.nextHandle, nil
}

func (f *fakeSurface) PostToThread(_ context.Context, handle int, text string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextMsg++
	f.posts = append(f.posts, post{handle: handle, text: text})
	return f.nextMsg, nil
}

func (f *fakeSurface) PinInThread(_ context.Context, _ int, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pins = append(f.pins, messageID)
	return nil
}

func (f *fakeSurface) RelayToOperator(_ context.Context, handle int, _ models.Content) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onRelay != nil {
		f.onRelay()
	}
	if len(f.relayErrs) > 0 {
		err := f.relayErrs[0]
		f.relayErrs = f.relayErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	f.nextMsg++
	f.relayed = append(f.relayed, handle)
	return f.nextMsg, nil
}

func (f *fakeSurface) DeliverToAccount(_ context.Context, accountID int64, _ models.Content) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deliverErr != nil {
		return f.deliverErr
	}
	f.delivered = append(f.delivered, accountID)
	return nil
}

func (f *fakeSurface) NotifyAccount(_ context.Context, accountID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices[accountID] = append(f.notices[accountID], text)
	return nil
}

type fixture struct {
	router  *Router
	ledger  *ledger.Ledger
	store   models.Store
	surface *fakeSurface
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := repository.NewSQLiteDB(t.TempDir(), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m := metrics.NewNop()
	l := ledger.New(store, ledger.DefaultConfig(), m, logger.NewNop())
	surface := newFakeSurface()
	r := New(l, store, surface, kv.NewMemoryStore(), DefaultConfig(), m, logger.NewNop())
	return &fixture{router: r, ledger: l, store: store, surface: surface}
}

func (f *fixture) fund(t *testing.T, id, amount int64) {
	t.Helper()
	_, err := f.ledger.Credit(context.Background(), id, amount, models.CreditMessages)
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, id int64) int64 {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func message(id int64, class models.ContentClass) models.InboundMessage {
	return models.InboundMessage{
		AccountID:   id,
		Username:    "alice",
		DisplayName: "Alice",
		Content:     models.Content{Class: class, Text: "hi", SourceChatID: id, SourceMessageID: 1},
	}
}

func TestFirstMessageCreatesThreadAndSecondReusesIt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 10)

	first, err := f.router.RouteUserMessage(ctx, message(1, models.ContentText))
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, first.State)
	assert.Equal(t, int64(1), first.Charged)

	second, err := f.router.RouteUserMessage(ctx, message(1, models.ContentText))
	require.NoError(t, err)
	assert.Equal(t, first.ThreadHandle, second.ThreadHandle)

	assert.Len(t, f.surface.created, 1)
	assert.Equal(t, []int{first.ThreadHandle, first.ThreadHandle}, f.surface.relayed)
	require.Len(t, f.surface.pins, 1)
	require.NotEmpty(t, f.surface.posts)
	assert.Contains(t, f.surface.posts[0].text, "ID: 1")
	assert.Equal(t, int64(8), f.balance(t, 1))

	thread, err := f.store.GetThreadByAccount(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, thread)
	assert.Equal(t, first.ThreadHandle, thread.Handle)
	assert.Equal(t, f.surface.pins[0], thread.ProfileMessageID)
}

func TestRelayFailureRefundsExactCharge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 10)
	f.surface.relayErrs = []error{errors.New("network down")}

	_, err := f.router.RouteUserMessage(ctx, message(1, models.ContentVideo))
	require.ErrorIs(t, err, models.ErrRelayFailed)
	assert.Equal(t, int64(10), f.balance(t, 1))
}

func TestRelayCanceledMidFlightStillRefunds(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 1, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.surface.onRelay = cancel
	f.surface.relayErrs = []error{context.Canceled}

	_, err := f.router.RouteUserMessage(ctx, message(1, models.ContentVideo))
	require.ErrorIs(t, err, models.ErrRelayFailed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(10), f.balance(t, 1))
}

func TestConcurrentFirstMessagesShareOneThread(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 20)

	const senders = 8
	var wg sync.WaitGroup
	handles := make([]int, senders)
	errs := make([]error, senders)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.router.RouteUserMessage(ctx, message(1, models.ContentText))
			errs[i] = err
			if err == nil {
				handles[i] = res.ThreadHandle
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < senders; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, handles[0], handles[i])
	}
	assert.Len(t, f.surface.created, 1)
	assert.Len(t, f.surface.relayed, senders)
	assert.Equal(t, int64(20-senders), f.balance(t, 1))
}

func TestInsufficientFundsDoesNotRelay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 1)

	_, err := f.router.RouteUserMessage(ctx, message(1, models.ContentVideo))
	require.ErrorIs(t, err, models.ErrInsufficientFunds)

	var insufficient *models.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(3), insufficient.Cost)

	assert.Empty(t, f.surface.relayed)
	assert.Equal(t, int64(1), f.balance(t, 1), "partial deduction is refunded")
}

func TestZeroBalanceNewAccountIsRefused(t *testing.T) {
	f := newFixture(t)
	_, err := f.router.RouteUserMessage(context.Background(), message(9, models.ContentText))
	assert.ErrorIs(t, err, models.ErrInsufficientFunds)
}

func TestThreadCreationFailureFallsBackToUnrouted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 10)
	f.surface.createErr = errors.New("not enough rights to create a topic")

	res, err := f.router.RouteUserMessage(ctx, message(1, models.ContentText))
	require.NoError(t, err)
	assert.Equal(t, models.StateUnrouted, res.State)
	assert.Equal(t, 0, res.ThreadHandle)
	assert.Equal(t, []int{0}, f.surface.relayed)

	thread, err := f.store.GetThreadByAccount(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, thread)

	// creation is retried on the next message
	f.surface.createErr = nil
	res, err = f.router.RouteUserMessage(ctx, message(1, models.ContentText))
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, res.State)
	assert.NotZero(t, res.ThreadHandle)
}

func TestVanishedThreadIsRecreated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 10)

	first, err := f.router.RouteUserMessage(ctx, message(1, models.ContentText))
	require.NoError(t, err)

	f.surface.relayErrs = []error{models.ErrThreadGone}
	second, err := f.router.RouteUserMessage(ctx, message(1, models.ContentText))
	require.NoError(t, err)
	assert.NotEqual(t, first.ThreadHandle, second.ThreadHandle)
	assert.Len(t, f.surface.created, 2)

	thread, err := f.store.GetThreadByAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, second.ThreadHandle, thread.Handle)
	assert.Equal(t, models.ThreadActive, thread.Status)
}

func TestBannedAccountIsRefused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 10)
	require.NoError(t, f.ledger.Ban(ctx, 1, "dp_1"))

	_, err := f.router.RouteUserMessage(ctx, message(1, models.ContentText))
	assert.ErrorIs(t, err, models.ErrAccountBanned)
	assert.Equal(t, int64(10), f.balance(t, 1))
}

func TestLowBalanceNoticeIsDebounced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 6)

	for i := 0; i < 3; i++ {
		_, err := f.router.RouteUserMessage(ctx, message(1, models.ContentText))
		require.NoError(t, err)
	}
	assert.Len(t, f.surface.notices[1], 1)
}

func TestOperatorReplyByThreadHandle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 10)
	res, err := f.router.RouteUserMessage(ctx, message(1, models.ContentText))
	require.NoError(t, err)

	accountID, err := f.router.RouteOperatorReply(ctx, models.OperatorReply{
		ThreadHandle: res.ThreadHandle,
		Content:      models.Content{Class: models.ContentText, Text: "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), accountID)
	assert.Equal(t, []int64{1}, f.surface.delivered)
}

func TestOperatorReplyToUnknownThreadIsUnroutable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 10)
	_, err := f.router.RouteUserMessage(ctx, message(1, models.ContentText))
	require.NoError(t, err)

	_, err = f.router.RouteOperatorReply(ctx, models.OperatorReply{ThreadHandle: 9999})
	require.ErrorIs(t, err, models.ErrUnroutableReply)
	assert.Empty(t, f.surface.delivered)

	last := f.surface.posts[len(f.surface.posts)-1]
	assert.Equal(t, 9999, last.handle)
}

func TestOperatorReplyByCorrelationInUnroutedMode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 7, 10)
	f.surface.createErr = errors.New("rejected")

	res, err := f.router.RouteUserMessage(ctx, message(7, models.ContentText))
	require.NoError(t, err)

	accountID, err := f.router.RouteOperatorReply(ctx, models.OperatorReply{ReplyToMessageID: res.OperatorMessageID})
	require.NoError(t, err)
	assert.Equal(t, int64(7), accountID)
	assert.Equal(t, []int64{7}, f.surface.delivered)
}

func TestOperatorReplyDeliveryFailureIsReported(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, 1, 10)
	res, err := f.router.RouteUserMessage(ctx, message(1, models.ContentText))
	require.NoError(t, err)
	f.surface.deliverErr = errors.New("bot was blocked by the user")

	_, err = f.router.RouteOperatorReply(ctx, models.OperatorReply{ThreadHandle: res.ThreadHandle})
	require.ErrorIs(t, err, models.ErrDeliveryFailed)

	last := f.surface.posts[len(f.surface.posts)-1]
	assert.Equal(t, res.ThreadHandle, last.handle)
	assert.Contains(t, last.text, "Delivery to user 1 failed")
}

func TestSequencerKeepsPerKeyOrder(t *testing.T) {
	s := NewSequencer(logger.NewNop())
	var (
		mu  sync.Mutex
		got = map[string][]int{}
	)
	for i := 0; i < 50; i++ {
		for _, key := range []string{"user:1", "user:2"} {
			i, key := i, key
			s.Submit(key, func() {
				mu.Lock()
				got[key] = append(got[key], i)
				mu.Unlock()
			})
		}
	}
	s.Submit("user:3", func() { panic("boom") })
	s.Wait()

	for _, key := range []string{"user:1", "user:2"} {
		require.Len(t, got[key], 50)
		for i, v := range got[key] {
			assert.Equal(t, i, v)
		}
	}
}
