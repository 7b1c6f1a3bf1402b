package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clinicai/intake-assistant/internal/llm"
	"github.com/clinicai/intake-assistant/internal/model"
	"github.com/clinicai/intake-assistant/internal/store"
	"github.com/clinicai/intake-assistant/internal/triage"
)

const (
	greetingText  = "Olá! Sou a assistente virtual da ClinicAI. Qual o motivo do seu contato hoje?"
	emergencyText = "Entendi. Seus sintomas podem indicar uma situação de emergência. Por favor, procure o pronto-socorro mais próximo ou ligue para o 192 (SAMU) imediatamente."
)

// echoModel answers "re: <last user text>" after an optional delay.
type echoModel struct {
	calls   atomic.Int32
	delay   time.Duration
	err     error
	inspect func(*llm.CompletionRequest)
}

func (m *echoModel) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	m.calls.Add(1)
	if m.inspect != nil {
		m.inspect(req)
	}
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	last := req.Messages[len(req.Messages)-1]
	return &llm.CompletionResponse{Content: "re: " + last.Content}, nil
}

func (m *echoModel) Name() string { return "echo" }

// flakyStore fails the first n appends.
type flakyStore struct {
	*store.MemoryStore
	failures atomic.Int32
	appends  atomic.Int32
}

func (s *flakyStore) Append(ctx context.Context, senderID string, msgs ...model.Message) error {
	s.appends.Add(1)
	if s.failures.Add(-1) >= 0 {
		return errors.New("nats: timeout")
	}
	return s.MemoryStore.Append(ctx, senderID, msgs...)
}

// brokenLoadStore fails every Load.
type brokenLoadStore struct {
	*store.MemoryStore
}

func (s *brokenLoadStore) Load(context.Context, string) ([]model.Message, error) {
	return nil, errors.New("nats: no responders available for request")
}

// racingStore reports an empty history once and then loses the seed race.
type racingStore struct {
	*store.MemoryStore
	once sync.Once
}

func (s *racingStore) Load(ctx context.Context, senderID string) ([]model.Message, error) {
	empty := false
	s.once.Do(func() { empty = true })
	if empty {
		return []model.Message{}, nil
	}
	return s.MemoryStore.Load(ctx, senderID)
}

func newTestService(t *testing.T, st store.Store, m llm.Client) *IntakeService {
	t.Helper()

	classifier, err := triage.NewClassifier([]string{"dor no peito", "falta de ar", "desmaio"})
	require.NoError(t, err)

	router, err := triage.NewRouter(triage.RouterConfig{
		Classifier:     classifier,
		Model:          m,
		Preamble:       "Você é um assistente de triagem virtual.",
		EmergencyReply: emergencyText,
		Timeout:        time.Second,
	})
	require.NoError(t, err)

	var events store.EventPublisher
	if p, ok := st.(store.EventPublisher); ok {
		events = p
	}

	svc, err := NewIntakeService(IntakeConfig{
		Store:         st,
		Events:        events,
		Router:        router,
		Greeting:      greetingText,
		RetryInterval: time.Millisecond,
	})
	require.NoError(t, err)
	return svc
}

func TestHandleMessage_FirstContactGreetsOnce(t *testing.T) {
	st := store.NewMemoryStore()
	m := &echoModel{}
	svc := newTestService(t, st, m)
	ctx := context.Background()

	first, err := svc.HandleMessage(ctx, "p1", "oi")
	require.NoError(t, err)
	require.True(t, first.FirstContact)
	require.Equal(t, RouteGreeting, first.Route)
	require.Equal(t, greetingText, first.Reply.Text)
	require.Equal(t, int32(0), m.calls.Load())

	second, err := svc.HandleMessage(ctx, "p1", "estou com dor de cabeça")
	require.NoError(t, err)
	require.False(t, second.FirstContact)
	require.Equal(t, string(triage.RouteStandard), second.Route)
	require.Equal(t, "re: estou com dor de cabeça", second.Reply.Text)

	msgs, err := st.Load(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, greetingText, msgs[0].Text)
	require.Equal(t, model.RoleUser, msgs[1].Role)
	require.Equal(t, second.Reply, msgs[2])

	greetings := 0
	for _, msg := range msgs {
		if msg.Text == greetingText {
			greetings++
		}
	}
	require.Equal(t, 1, greetings)
}

func TestHandleMessage_EmergencyOnFirstContact(t *testing.T) {
	st := store.NewMemoryStore()
	m := &echoModel{}
	svc := newTestService(t, st, m)

	res, err := svc.HandleMessage(context.Background(), "p1", "Socorro, DOR NO PEITO forte")
	require.NoError(t, err)
	require.True(t, res.FirstContact)
	require.Equal(t, string(triage.RouteEmergency), res.Route)
	require.Equal(t, emergencyText, res.Reply.Text)
	require.Equal(t, int32(0), m.calls.Load())

	msgs, err := st.Load(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, greetingText, msgs[0].Text)
	require.Equal(t, "Socorro, DOR NO PEITO forte", msgs[1].Text)
	require.Equal(t, emergencyText, msgs[2].Text)

	events := st.Events()
	require.Len(t, events, 1)
	require.Equal(t, model.EventTypeEmergency, events[0].Type)
	require.Equal(t, "dor no peito", events[0].Reason)
	require.Equal(t, "p1", events[0].SenderID)
}

func TestHandleMessage_EmergencyMidConversation(t *testing.T) {
	st := store.NewMemoryStore()
	m := &echoModel{}
	svc := newTestService(t, st, m)
	ctx := context.Background()

	_, err := svc.HandleMessage(ctx, "p1", "oi")
	require.NoError(t, err)
	_, err = svc.HandleMessage(ctx, "p1", "tenho tosse")
	require.NoError(t, err)

	res, err := svc.HandleMessage(ctx, "p1", "agora estou com falta de ar")
	require.NoError(t, err)
	require.Equal(t, emergencyText, res.Reply.Text)
	require.Equal(t, int32(1), m.calls.Load())
}

func TestHandleMessage_ModelFailureAppendsNothing(t *testing.T) {
	st := store.NewMemoryStore()
	m := &echoModel{}
	svc := newTestService(t, st, m)
	ctx := context.Background()

	_, err := svc.HandleMessage(ctx, "p1", "oi")
	require.NoError(t, err)

	m.err = errors.New("quota exceeded")
	_, err = svc.HandleMessage(ctx, "p1", "tenho tosse")
	require.ErrorIs(t, err, triage.ErrModelUnavailable)

	msgs, err := st.Load(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	events := st.Events()
	require.Len(t, events, 1)
	require.Equal(t, model.EventTypeModelUnavailable, events[0].Type)
}

func TestHandleMessage_AppendIsRetried(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	svc := newTestService(t, st, &echoModel{})
	ctx := context.Background()

	_, err := svc.HandleMessage(ctx, "p1", "oi")
	require.NoError(t, err)

	st.failures.Store(2)
	res, err := svc.HandleMessage(ctx, "p1", "tenho tosse")
	require.NoError(t, err)
	require.Equal(t, "re: tenho tosse", res.Reply.Text)
	require.Equal(t, int32(3), st.appends.Load())

	msgs, err := st.Load(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
}

func TestHandleMessage_AppendFailureIsSurfaced(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	svc := newTestService(t, st, &echoModel{})
	ctx := context.Background()

	_, err := svc.HandleMessage(ctx, "p1", "oi")
	require.NoError(t, err)

	st.failures.Store(100)
	_, err = svc.HandleMessage(ctx, "p1", "tenho tosse")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.Equal(t, int32(defaultAppendRetries+1), st.appends.Load())
}

func TestHandleMessage_EmergencyReferralSurvivesAppendFailure(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	m := &echoModel{}
	svc := newTestService(t, st, m)
	ctx := context.Background()

	_, err := svc.HandleMessage(ctx, "p1", "oi")
	require.NoError(t, err)

	st.failures.Store(100)
	res, err := svc.HandleMessage(ctx, "p1", "estou com dor no peito")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.NotNil(t, res)
	require.Equal(t, emergencyText, res.Reply.Text)
	require.Equal(t, string(triage.RouteEmergency), res.Route)
	require.Equal(t, int32(0), m.calls.Load())

	events := st.Events()
	require.Len(t, events, 1)
	require.Equal(t, model.EventTypeEmergency, events[0].Type)

	_, err = svc.HandleMessage(ctx, "p1", "tenho tosse")
	require.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestHandleMessage_EmergencyReferralSurvivesLoadFailure(t *testing.T) {
	st := &brokenLoadStore{MemoryStore: store.NewMemoryStore()}
	m := &echoModel{}
	svc := newTestService(t, st, m)
	ctx := context.Background()

	res, err := svc.HandleMessage(ctx, "p1", "minha mãe teve um desmaio")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.NotNil(t, res)
	require.Equal(t, emergencyText, res.Reply.Text)
	require.Equal(t, int32(0), m.calls.Load())
	require.Len(t, st.Events(), 1)

	res, err = svc.HandleMessage(ctx, "p1", "tenho tosse")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.Nil(t, res)
	require.Equal(t, int32(0), m.calls.Load())
}

func TestHandleMessage_RedeliveredMessageAnsweredFromHistory(t *testing.T) {
	st := store.NewMemoryStore()
	m := &echoModel{}
	svc := newTestService(t, st, m)
	ctx := WithChannel(context.Background(), ChannelWhatsApp)

	first := WithInboundID(ctx, "wamid.A")
	res, err := svc.HandleMessage(first, "p1", "oi")
	require.NoError(t, err)
	require.Equal(t, RouteGreeting, res.Route)

	res, err = svc.HandleMessage(first, "p1", "oi")
	require.NoError(t, err)
	require.Equal(t, RouteDuplicate, res.Route)
	require.Equal(t, greetingText, res.Reply.Text)

	second := WithInboundID(ctx, "wamid.B")
	res, err = svc.HandleMessage(second, "p1", "tenho tosse")
	require.NoError(t, err)
	require.Equal(t, string(triage.RouteStandard), res.Route)

	res, err = svc.HandleMessage(second, "p1", "tenho tosse")
	require.NoError(t, err)
	require.Equal(t, RouteDuplicate, res.Route)
	require.Equal(t, "re: tenho tosse", res.Reply.Text)
	require.Equal(t, int32(1), m.calls.Load())

	msgs, err := st.Load(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	// The same wamid on the chat channel is a different message.
	res, err = svc.HandleMessage(WithInboundID(context.Background(), "wamid.B"), "p1", "tenho tosse")
	require.NoError(t, err)
	require.Equal(t, string(triage.RouteStandard), res.Route)
}

func TestHandleMessage_RedeliveryAfterPartialAppend(t *testing.T) {
	st := store.NewMemoryStore()
	m := &echoModel{}
	svc := newTestService(t, st, m)
	ctx := WithInboundID(WithChannel(context.Background(), ChannelWhatsApp), "wamid.C")

	_, err := svc.HandleMessage(context.Background(), "p1", "oi")
	require.NoError(t, err)

	orphan := model.NewMessage(model.RoleUser, "tenho tosse", time.Now())
	orphan.ID = inboundMessageID(ctx, ChannelWhatsApp)
	require.NoError(t, st.Append(ctx, "p1", orphan))

	var seen []llm.ChatMessage
	m.inspect = func(req *llm.CompletionRequest) { seen = req.Messages }

	res, err := svc.HandleMessage(ctx, "p1", "tenho tosse")
	require.NoError(t, err)
	require.Equal(t, "re: tenho tosse", res.Reply.Text)
	require.Len(t, seen, 3) // preamble, greeting, user

	msgs, err := st.Load(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, orphan.ID, msgs[1].ID)
	require.Equal(t, res.Reply, msgs[2])
}

func TestHandleMessage_LostSeedRaceContinuesTurn(t *testing.T) {
	mem := store.NewMemoryStore()
	require.NoError(t, mem.Seed(context.Background(), "p1", model.NewMessage(model.RoleAssistant, greetingText, time.Now())))

	st := &racingStore{MemoryStore: mem}
	m := &echoModel{}
	svc := newTestService(t, st, m)

	res, err := svc.HandleMessage(context.Background(), "p1", "tenho tosse")
	require.NoError(t, err)
	require.False(t, res.FirstContact)
	require.Equal(t, "re: tenho tosse", res.Reply.Text)
	require.Equal(t, int32(1), m.calls.Load())

	msgs, err := mem.Load(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
}

func TestHandleMessage_ConcurrentTurnsStayPaired(t *testing.T) {
	st := store.NewMemoryStore()
	svc := newTestService(t, st, &echoModel{delay: 5 * time.Millisecond})
	ctx := context.Background()

	_, err := svc.HandleMessage(ctx, "p1", "oi")
	require.NoError(t, err)

	const n = 6
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.HandleMessage(ctx, "p1", fmt.Sprintf("mensagem %d", i))
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	msgs, err := st.Load(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, msgs, 1+2*n)
	for i := 1; i < len(msgs); i += 2 {
		require.Equal(t, model.RoleUser, msgs[i].Role)
		require.Equal(t, model.RoleAssistant, msgs[i+1].Role)
		require.Equal(t, "re: "+msgs[i].Text, msgs[i+1].Text)
	}
}

func TestHandleMessage_SendersAreIndependent(t *testing.T) {
	st := store.NewMemoryStore()
	svc := newTestService(t, st, &echoModel{})
	ctx := context.Background()

	_, err := svc.HandleMessage(ctx, "p1", "oi")
	require.NoError(t, err)
	res, err := svc.HandleMessage(ctx, "p2", "oi")
	require.NoError(t, err)
	require.True(t, res.FirstContact)
}

func TestHandleMessage_RejectsEmptyInput(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore(), &echoModel{})

	_, err := svc.HandleMessage(context.Background(), "", "oi")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.HandleMessage(context.Background(), "p1", "   ")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestHistory(t *testing.T) {
	st := store.NewMemoryStore()
	svc := newTestService(t, st, &echoModel{})
	ctx := context.Background()

	view, err := svc.History(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 0, view.MessageCount)
	require.NotNil(t, view.Messages)
	require.Nil(t, view.StartedAt)

	_, err = svc.HandleMessage(ctx, "p1", "oi")
	require.NoError(t, err)
	_, err = svc.HandleMessage(ctx, "p1", "tenho tosse")
	require.NoError(t, err)

	view, err = svc.History(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 3, view.MessageCount)
	require.True(t, strings.HasPrefix(view.Messages[2].Text, "re: "))
	require.NotNil(t, view.LastMessageAt)
}

func TestReady(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore(), &echoModel{})
	require.NoError(t, svc.Ready(context.Background()))
}

func TestWithChannel(t *testing.T) {
	require.Equal(t, ChannelChat, channelFrom(context.Background()))
	require.Equal(t, ChannelWhatsApp, channelFrom(WithChannel(context.Background(), ChannelWhatsApp)))
}

func TestInboundMessageID(t *testing.T) {
	require.Empty(t, inboundMessageID(context.Background(), ChannelWhatsApp))

	ctx := WithInboundID(context.Background(), "wamid.A")
	id := inboundMessageID(ctx, ChannelWhatsApp)
	require.NotEmpty(t, id)
	require.Equal(t, id, inboundMessageID(ctx, ChannelWhatsApp))
	require.NotEqual(t, id, inboundMessageID(ctx, ChannelChat))
	require.NotEqual(t, id, inboundMessageID(WithInboundID(context.Background(), "wamid.B"), ChannelWhatsApp))
}
