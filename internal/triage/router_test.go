package triage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clinicai/intake-assistant/internal/llm"
	"github.com/clinicai/intake-assistant/internal/model"
)

const (
	testPreamble  = "Você é um assistente de triagem virtual."
	emergencyText = "Entendi. Seus sintomas podem indicar uma situação de emergência. Por favor, procure o pronto-socorro mais próximo ou ligue para o 192 (SAMU) imediatamente."
)

type fakeModel struct {
	mu        sync.Mutex
	answer    string
	err       error
	delay     time.Duration
	callCount int
	captured  []llm.ChatMessage
	req       *llm.CompletionRequest
}

func (f *fakeModel) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	f.callCount++
	f.captured = req.Messages
	f.req = req
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: f.answer}, nil
}

func (f *fakeModel) Name() string { return "fake" }

func (f *fakeModel) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount
}

func newTestRouter(t *testing.T, m llm.Client, timeout time.Duration) *Router {
	t.Helper()
	r, err := NewRouter(RouterConfig{
		Classifier:     newTestClassifier(t),
		Model:          m,
		Preamble:       testPreamble,
		EmergencyReply: emergencyText,
		ModelName:      "test-model",
		Temperature:    0.2,
		MaxTokens:      256,
		Timeout:        timeout,
	})
	require.NoError(t, err)
	return r
}

func history(texts ...string) []model.Message {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	out := []model.Message{model.NewMessage(model.RoleAssistant, "Olá! Qual o motivo do seu contato hoje?", now)}
	for i, text := range texts {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		out = append(out, model.NewMessage(role, text, now.Add(time.Duration(i+1)*time.Second)))
	}
	return out
}

func TestRouter_EmergencySkipsModel(t *testing.T) {
	m := &fakeModel{answer: "should not be used"}
	r := newTestRouter(t, m, time.Second)

	out, err := r.Respond(context.Background(), history("Estou com DOR NO PEITO agora"))
	require.NoError(t, err)
	require.Equal(t, RouteEmergency, out.Route)
	require.Equal(t, "dor no peito", out.Phrase)
	require.Equal(t, model.RoleAssistant, out.Reply.Role)
	require.Equal(t, emergencyText, out.Reply.Text)
	require.NotEmpty(t, out.Reply.ID)
	require.Equal(t, 0, m.calls())
}

func TestRouter_EmergencyOverridesMidTriage(t *testing.T) {
	m := &fakeModel{answer: "unused"}
	r := newTestRouter(t, m, time.Second)

	h := history(
		"estou com dor de cabeça",
		"Há quanto tempo?",
		"dois dias, e agora falta de ar",
	)
	out, err := r.Respond(context.Background(), h)
	require.NoError(t, err)
	require.Equal(t, RouteEmergency, out.Route)
	require.Equal(t, 0, m.calls())
}

func TestRouter_StandardCallsModelOnceWithPreamble(t *testing.T) {
	m := &fakeModel{answer: "  Em uma escala de 0 a 10, qual a intensidade da dor?  "}
	r := newTestRouter(t, m, time.Second)

	h := history("estou com dor de cabeça leve há dois dias")
	out, err := r.Respond(context.Background(), h)
	require.NoError(t, err)
	require.Equal(t, RouteStandard, out.Route)
	require.Equal(t, "Em uma escala de 0 a 10, qual a intensidade da dor?", out.Reply.Text)
	require.Equal(t, model.RoleAssistant, out.Reply.Role)
	require.Equal(t, 1, m.calls())

	require.Len(t, m.captured, len(h)+1)
	require.Equal(t, llm.ChatMessage{Role: "system", Content: testPreamble}, m.captured[0])
	for i, msg := range h {
		require.Equal(t, string(msg.Role), m.captured[i+1].Role)
		require.Equal(t, msg.Text, m.captured[i+1].Content)
	}
	require.Equal(t, "test-model", m.req.Model)
	require.Equal(t, 0.2, m.req.Temperature)
	require.Equal(t, 256, m.req.MaxTokens)
}

func TestRouter_ModelFailureIsDistinguishable(t *testing.T) {
	r := newTestRouter(t, &fakeModel{err: errors.New("503 from provider")}, time.Second)

	out, err := r.Respond(context.Background(), history("tenho tosse"))
	require.Nil(t, out)
	require.ErrorIs(t, err, ErrModelUnavailable)
}

func TestRouter_EmptyCompletionIsModelUnavailable(t *testing.T) {
	r := newTestRouter(t, &fakeModel{answer: "   "}, time.Second)

	_, err := r.Respond(context.Background(), history("tenho tosse"))
	require.ErrorIs(t, err, ErrModelUnavailable)
}

func TestRouter_TimeoutIsModelUnavailable(t *testing.T) {
	m := &fakeModel{answer: "late", delay: time.Second}
	r := newTestRouter(t, m, 20*time.Millisecond)

	start := time.Now()
	_, err := r.Respond(context.Background(), history("tenho tosse"))
	require.ErrorIs(t, err, ErrModelUnavailable)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRouter_RejectsInvalidHistory(t *testing.T) {
	m := &fakeModel{answer: "x"}
	r := newTestRouter(t, m, time.Second)

	_, err := r.Respond(context.Background(), nil)
	require.ErrorIs(t, err, ErrInvalidHistory)

	_, err = r.Respond(context.Background(), history())
	require.ErrorIs(t, err, ErrInvalidHistory)
	require.Equal(t, 0, m.calls())
}

func TestNewRouter_ValidatesConfig(t *testing.T) {
	c := newTestClassifier(t)
	m := &fakeModel{}

	_, err := NewRouter(RouterConfig{Model: m, Preamble: "p", EmergencyReply: "e"})
	require.Error(t, err)
	_, err = NewRouter(RouterConfig{Classifier: c, Preamble: "p", EmergencyReply: "e"})
	require.Error(t, err)
	_, err = NewRouter(RouterConfig{Classifier: c, Model: m, EmergencyReply: "e"})
	require.Error(t, err)
	_, err = NewRouter(RouterConfig{Classifier: c, Model: m, Preamble: "p"})
	require.Error(t, err)
}

func TestRouter_IsEmergency(t *testing.T) {
	r := newTestRouter(t, &fakeModel{}, time.Second)
	require.True(t, r.IsEmergency("tive uma convulsão"))
	require.False(t, r.IsEmergency("ela desmaiou"))
}
