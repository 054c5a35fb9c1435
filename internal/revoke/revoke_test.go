package revoke

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentd/internal/models"
)

func TestRevoke(t *testing.T) {
	t.Parallel()
	var got request
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(Options{URL: srv.URL, Token: "s3cr3t"})
	res := c.Revoke(context.Background(), models.Credential{AccountID: 5, TenantID: "t1", Login: "acc", Secret: "pw", Blob: []byte(`{"guard":"x"}`)})
	assert.Equal(t, models.ExternalOK, res.Status)
	assert.Equal(t, "Bearer s3cr3t", auth)
	assert.Equal(t, uint(5), got.AccountID)
	assert.Equal(t, "acc", got.Login)
	assert.JSONEq(t, `{"guard":"x"}`, string(got.Extra))
}

func TestRevokeFailures(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	res := New(Options{URL: srv.URL}).Revoke(context.Background(), models.Credential{AccountID: 1})
	assert.True(t, res.Failed())
	assert.Contains(t, res.Err.Error(), "502")

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer slow.Close()
	res = New(Options{URL: slow.URL, Timeout: 20 * time.Millisecond}).Revoke(context.Background(), models.Credential{AccountID: 1})
	assert.True(t, res.Failed())

	assert.Equal(t, models.ExternalSkipped, Noop{}.Revoke(context.Background(), models.Credential{}).Status)
}
