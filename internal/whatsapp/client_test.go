package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewClient_Validates(t *testing.T) {
	_, err := NewClient("", "token")
	require.Error(t, err)
	_, err = NewClient("123", " ")
	require.Error(t, err)
}

func TestClient_Send(t *testing.T) {
	var (
		gotPath string
		gotAuth string
		gotBody map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","messages":[{"id":"wamid.1"}]}`))
	}))
	defer srv.Close()

	c, err := NewClient("1098765", "secret", WithBaseURL(srv.URL+"/v19.0/"))
	require.NoError(t, err)

	require.NoError(t, c.Send(context.Background(), "5511999990000", "Olá!"))
	require.Equal(t, "/v19.0/1098765/messages", gotPath)
	require.Equal(t, "Bearer secret", gotAuth)
	require.Equal(t, "whatsapp", gotBody["messaging_product"])
	require.Equal(t, "5511999990000", gotBody["to"])
	require.Equal(t, "text", gotBody["type"])
	require.Equal(t, map[string]any{"body": "Olá!"}, gotBody["text"])
}

func TestClient_SendStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid OAuth access token."}}`))
	}))
	defer srv.Close()

	c, err := NewClient("1098765", "expired", WithBaseURL(srv.URL))
	require.NoError(t, err)

	err = c.Send(context.Background(), "5511999990000", "Olá!")
	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	require.Contains(t, statusErr.Body, "Invalid OAuth")
}

func TestClient_SendTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c, err := NewClient("1098765", "secret",
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 20 * time.Millisecond}),
	)
	require.NoError(t, err)
	require.Error(t, c.Send(context.Background(), "5511999990000", "Olá!"))
}
