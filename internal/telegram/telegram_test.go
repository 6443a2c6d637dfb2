package telegram

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/go-telegram/bot"
	tgModels "github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/nuntius/internal/models"
	"github.com/core-coin/nuntius/internal/router"
	"github.com/core-coin/nuntius/pkg/logger"
)

const operatorChat = int64(-100123)

type fakeAPI struct {
	mu        sync.Mutex
	sent      []*bot.SendMessageParams
	copied    []*bot.CopyMessageParams
	pinned    []*bot.PinChatMessageParams
	answered  []string
	nextID    int
	sendErr   error
	copyErr   error
	topicErr  error
	topicNext int
}

func (f *fakeAPI) SendMessage(_ context.Context, p *bot.SendMessageParams) (*tgModels.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, p)
	f.nextID++
	return &tgModels.Message{ID: f.nextID}, nil
}

func (f *fakeAPI) CreateForumTopic(_ context.Context, _ *bot.CreateForumTopicParams) (*tgModels.ForumTopic, error) {
	if f.topicErr != nil {
		return nil, f.topicErr
	}
	f.topicNext++
	return &tgModels.ForumTopic{MessageThreadID: f.topicNext}, nil
}

func (f *fakeAPI) PinChatMessage(_ context.Context, p *bot.PinChatMessageParams) (bool, error) {
	f.pinned = append(f.pinned, p)
	return true, nil
}

func (f *fakeAPI) CopyMessage(_ context.Context, p *bot.CopyMessageParams) (*tgModels.MessageID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.copyErr != nil {
		return nil, f.copyErr
	}
	f.copied = append(f.copied, p)
	f.nextID++
	return &tgModels.MessageID{ID: f.nextID}, nil
}

func (f *fakeAPI) AnswerCallbackQuery(_ context.Context, p *bot.AnswerCallbackQueryParams) (bool, error) {
	f.answered = append(f.answered, p.CallbackQueryID)
	return true, nil
}

func (f *fakeAPI) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.sent {
		out = append(out, p.Text)
	}
	return out
}

type fakeRelay struct {
	mu      sync.Mutex
	inbound []models.InboundMessage
	replies []models.OperatorReply
	err     error
}

func (r *fakeRelay) RouteUserMessage(_ context.Context, msg models.InboundMessage) (*models.RelayResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbound = append(r.inbound, msg)
	if r.err != nil {
		return nil, r.err
	}
	return &models.RelayResult{ThreadHandle: 7, State: models.StateActive}, nil
}

func (r *fakeRelay) RouteOperatorReply(_ context.Context, reply models.OperatorReply) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, reply)
	return 42, nil
}

type fakeAccounts struct {
	account *models.Account
}

func (a *fakeAccounts) Account(context.Context, int64) (*models.Account, error) {
	if a.account == nil {
		return nil, models.ErrAccountNotFound
	}
	return a.account, nil
}

func (a *fakeAccounts) EnsureAccount(_ context.Context, id int64, username, name string) (*models.Account, error) {
	if a.account == nil {
		a.account = &models.Account{ID: id, Username: username, DisplayName: name}
	}
	return a.account, nil
}

type fakeRecharge struct {
	enabled  [2]int64
	disabled bool
	err      error
}

func (r *fakeRecharge) Enable(_ context.Context, _ int64, amount, threshold int64) error {
	if r.err != nil {
		return r.err
	}
	r.enabled = [2]int64{amount, threshold}
	return nil
}

func (r *fakeRecharge) Disable(context.Context, int64, string) error {
	r.disabled = true
	return nil
}

type fakeGateway struct {
	checkouts []models.CheckoutRequest
}

func (g *fakeGateway) ChargeSavedInstrument(context.Context, models.ChargeRequest) (string, error) {
	return "", nil
}

func (g *fakeGateway) CreateTopUpCheckout(_ context.Context, req models.CheckoutRequest) (string, error) {
	g.checkouts = append(g.checkouts, req)
	return "https://pay.example/cs_1", nil
}

type fixture struct {
	handler   *Handler
	api       *fakeAPI
	relay     *fakeRelay
	accounts  *fakeAccounts
	recharge  *fakeRecharge
	gateway   *fakeGateway
	sequencer *router.Sequencer
}

func newFixture() *fixture {
	f := &fixture{
		api:       &fakeAPI{},
		relay:     &fakeRelay{},
		accounts:  &fakeAccounts{},
		recharge:  &fakeRecharge{},
		gateway:   &fakeGateway{},
		sequencer: router.NewSequencer(logger.NewNop()),
	}
	surface := NewSurface(f.api, operatorChat, logger.NewNop())
	f.handler = NewHandler(f.relay, f.accounts, f.recharge, f.gateway, surface, f.sequencer,
		HandlerConfig{OperatorChatID: operatorChat, DefaultTopUp: 100}, logger.NewNop())
	return f
}

func userMessage(text string) *tgModels.Update {
	return &tgModels.Update{Message: &tgModels.Message{
		ID:   10,
		Text: text,
		From: &tgModels.User{ID: 42, Username: "alice", FirstName: "Alice", LastName: "Smith"},
		Chat: tgModels.Chat{ID: 42, Type: "private"},
	}}
}

func TestUserMessageIsRelayed(t *testing.T) {
	f := newFixture()
	f.handler.Handle(context.Background(), nil, userMessage("hello"))
	f.sequencer.Wait()

	require.Len(t, f.relay.inbound, 1)
	msg := f.relay.inbound[0]
	assert.Equal(t, int64(42), msg.AccountID)
	assert.Equal(t, "alice", msg.Username)
	assert.Equal(t, "Alice Smith", msg.DisplayName)
	assert.Equal(t, models.ContentText, msg.Content.Class)
	assert.Equal(t, 10, msg.Content.SourceMessageID)
	assert.Empty(t, f.api.texts())
}

func TestRelayErrorIsExplainedToUser(t *testing.T) {
	f := newFixture()
	f.relay.err = &models.InsufficientFundsError{Cost: 2, Balance: 1}
	f.handler.Handle(context.Background(), nil, userMessage("hello"))
	f.sequencer.Wait()

	texts := f.api.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "costs 2")
	assert.Contains(t, texts[0], "/topup")
}

func TestOperatorReplyIsRouted(t *testing.T) {
	f := newFixture()
	f.handler.Handle(context.Background(), nil, &tgModels.Update{Message: &tgModels.Message{
		ID:              99,
		MessageThreadID: 7,
		Text:            "hi there",
		From:            &tgModels.User{ID: 1},
		Chat:            tgModels.Chat{ID: operatorChat, Type: "supergroup"},
		ReplyToMessage:  &tgModels.Message{ID: 55},
	}})
	f.sequencer.Wait()

	require.Len(t, f.relay.replies, 1)
	reply := f.relay.replies[0]
	assert.Equal(t, 7, reply.ThreadHandle)
	assert.Equal(t, 55, reply.ReplyToMessageID)
	assert.Equal(t, operatorChat, reply.Content.SourceChatID)
}

func TestOperatorChatterAndBotsAreIgnored(t *testing.T) {
	f := newFixture()
	f.handler.Handle(context.Background(), nil, &tgModels.Update{Message: &tgModels.Message{
		Text: "lunch?", From: &tgModels.User{ID: 1}, Chat: tgModels.Chat{ID: operatorChat},
	}})
	f.handler.Handle(context.Background(), nil, &tgModels.Update{Message: &tgModels.Message{
		Text: "echo", MessageThreadID: 7, From: &tgModels.User{ID: 2, IsBot: true}, Chat: tgModels.Chat{ID: operatorChat},
	}})
	f.sequencer.Wait()

	assert.Empty(t, f.relay.replies)
}

func TestBalanceCommand(t *testing.T) {
	f := newFixture()
	f.accounts.account = &models.Account{ID: 42, MessageCredits: 17,
		AutoRecharge: models.AutoRechargeConfig{Enabled: true, Amount: 100, Threshold: 5}}

	f.handler.Handle(context.Background(), nil, userMessage("/balance"))

	texts := f.api.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Balance: 17 credits")
	assert.Contains(t, texts[0], "100 credits when balance drops to 5")
	assert.NotNil(t, f.api.sent[0].ReplyMarkup)
	assert.Empty(t, f.relay.inbound)
}

func TestTopUpCommand(t *testing.T) {
	f := newFixture()
	f.accounts.account = &models.Account{ID: 42, CustomerID: "cus_42"}

	f.handler.Handle(context.Background(), nil, userMessage("/topup@nuntius_bot 250"))
	require.Len(t, f.gateway.checkouts, 1)
	assert.Equal(t, models.CheckoutRequest{AccountID: 42, CustomerID: "cus_42", Credits: 250}, f.gateway.checkouts[0])
	assert.Contains(t, f.api.texts()[0], "https://pay.example/cs_1")

	f.handler.Handle(context.Background(), nil, userMessage("/topup"))
	assert.Equal(t, int64(100), f.gateway.checkouts[1].Credits)

	f.handler.Handle(context.Background(), nil, userMessage("/topup lots"))
	assert.Len(t, f.gateway.checkouts, 2)
}

func TestAutoRechargeCommand(t *testing.T) {
	f := newFixture()

	f.handler.Handle(context.Background(), nil, userMessage("/autorecharge 100 10"))
	assert.Equal(t, [2]int64{100, 10}, f.recharge.enabled)

	f.handler.Handle(context.Background(), nil, userMessage("/autorecharge off"))
	assert.True(t, f.recharge.disabled)

	f.recharge.err = models.ErrNoInstrument
	f.handler.Handle(context.Background(), nil, userMessage("/autorecharge 50 5"))
	texts := f.api.texts()
	assert.Contains(t, texts[len(texts)-1], "/topup")
}

func TestMenuCallback(t *testing.T) {
	f := newFixture()
	f.handler.Handle(context.Background(), nil, &tgModels.Update{CallbackQuery: &tgModels.CallbackQuery{
		ID: "cb_1", From: tgModels.User{ID: 42}, Data: "menu:autorecharge_off",
	}})
	assert.Equal(t, []string{"cb_1"}, f.api.answered)
	assert.True(t, f.recharge.disabled)

	assert.Equal(t, ActionNone, ParseAction("menu:format_disk"))
	assert.Equal(t, "menu:balance", ActionBalance.String())
}

func TestExtractContent(t *testing.T) {
	tests := []struct {
		name string
		msg  *tgModels.Message
		want models.ContentClass
		ok   bool
	}{
		{"text", &tgModels.Message{Text: "hi"}, models.ContentText, true},
		{"photo", &tgModels.Message{Photo: []tgModels.PhotoSize{{FileID: "p"}}, Caption: "look"}, models.ContentPhoto, true},
		{"video", &tgModels.Message{Video: &tgModels.Video{FileID: "v"}}, models.ContentVideo, true},
		{"document", &tgModels.Message{Document: &tgModels.Document{FileID: "d"}}, models.ContentDocument, true},
		{"empty", &tgModels.Message{}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, ok := extractContent(tt.msg)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, content.Class)
		})
	}
}

func TestSurfaceMapsVanishedThread(t *testing.T) {
	api := &fakeAPI{copyErr: errors.New("bad request, Bad Request: message thread not found")}
	s := NewSurface(api, operatorChat, logger.NewNop())

	_, err := s.RelayToOperator(context.Background(), 7, models.Content{SourceChatID: 42, SourceMessageID: 10})
	assert.ErrorIs(t, err, models.ErrThreadGone)

	api.copyErr = errors.New("forbidden, Forbidden: bot was kicked")
	_, err = s.RelayToOperator(context.Background(), 7, models.Content{SourceChatID: 42, SourceMessageID: 10})
	require.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrThreadGone)
}

func TestSurfaceThreadOperations(t *testing.T) {
	api := &fakeAPI{}
	s := NewSurface(api, operatorChat, logger.NewNop())
	ctx := context.Background()

	handle, err := s.CreateThread(ctx, "Alice (@alice)")
	require.NoError(t, err)
	assert.Equal(t, 1, handle)

	id, err := s.PostToThread(ctx, handle, "card")
	require.NoError(t, err)
	require.NoError(t, s.PinInThread(ctx, handle, id))
	assert.Equal(t, handle, api.sent[0].MessageThreadID)
	assert.Equal(t, id, api.pinned[0].MessageID)

	_, err = s.RelayToOperator(ctx, 0, models.Content{Class: models.ContentText, Text: "unrouted"})
	require.NoError(t, err)
	assert.Equal(t, 0, api.sent[1].MessageThreadID)

	require.NoError(t, s.DeliverToAccount(ctx, 42, models.Content{SourceChatID: operatorChat, SourceMessageID: 99}))
	assert.Equal(t, int64(42), api.copied[0].ChatID)
}
