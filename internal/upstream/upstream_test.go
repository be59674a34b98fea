package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(Config{
		BaseURL:   srv.URL,
		APIKey:    "token",
		ProjectID: 1,
		Timeout:   2 * time.Second,
	})
}

func TestListUnlabeledTaskIDs(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/projects/1/tasks", r.URL.Path)
		require.Equal(t, "Token token", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(taskListResponse{Results: []taskListItem{{ID: 10}, {ID: 11}}})
	})

	ids, err := client.ListUnlabeledTaskIDs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int64{10, 11}, ids)
}

func TestGetTask_NotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.GetTask(context.Background(), 99)
	require.Error(t, err)
	require.True(t, IsNotFound(err))
}

func TestGetTask_TransientServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.GetTask(context.Background(), 1)
	require.Error(t, err)
	require.True(t, IsTransient(err))
}

func TestCreateAnnotation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var req createAnnotationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, int64(5), req.TaskID)
		_ = json.NewEncoder(w).Encode(createAnnotationResponse{ID: 77})
	})

	id, err := client.CreateAnnotation(context.Background(), 5, "hello world", 7)
	require.NoError(t, err)
	require.Equal(t, int64(77), id)
}

func TestCreateAnnotation_PermanentFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte("invalid payload"))
	})

	_, err := client.CreateAnnotation(context.Background(), 5, "x", 1)
	require.Error(t, err)
	require.False(t, IsTransient(err))
	require.False(t, IsNotFound(err))
}
