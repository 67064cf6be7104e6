package shared

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestActorMiddleware(t *testing.T) {
	cases := map[string]int64{
		"42":   42,
		" 7 ":  7,
		"-3":   0,
		"abc":  0,
		"":     0,
		"9e99": 0,
	}
	for header, want := range cases {
		var got int64
		h := ActorMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = ActorFromContext(r.Context())
		}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(ActorHeader, header)
		h.ServeHTTP(httptest.NewRecorder(), req)
		assert.Equal(t, want, got, "header %q", header)
	}
}

func TestActorFromEmptyContext(t *testing.T) {
	assert.Zero(t, ActorFromContext(context.Background()))
	assert.EqualValues(t, 5, ActorFromContext(ContextWithActor(context.Background(), 5)))
}

func TestUniqueViolationDetection(t *testing.T) {
	dup := &pgconn.PgError{Code: uniqueViolation}
	assert.True(t, isUniqueViolation(dup))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", dup)))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(nil))
}

func TestIdempotencyStoreRequiresPool(t *testing.T) {
	var store *IdempotencyStore
	assert.Error(t, store.CheckAndInsert(context.Background(), "k", "m"))
	assert.NoError(t, store.Delete(context.Background(), "k"))
	assert.NoError(t, store.Cleanup(context.Background(), 0))
}
