package audio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/transcribeflow/dispatchd/internal/apperr"
	"github.com/transcribeflow/dispatchd/internal/lease"
)

func newTestStreamer(t *testing.T) (*Streamer, *lease.RedisStore, string) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	leases := lease.New(client)

	dir := t.TempDir()
	return New(dir, leases), leases, dir
}

func writeFixture(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o600))
}

func TestServe_FullBody(t *testing.T) {
	streamer, leases, dir := newTestStreamer(t)
	ctx := context.Background()
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i % 256)
	}
	writeFixture(t, dir, "a.wav", payload)

	_, err := leases.AcquireLease(ctx, 50, 1, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/audio/stream/50/1", nil)
	rec := httptest.NewRecorder()
	err = streamer.Serve(ctx, rec, req, 50, 1, "a.wav")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1000", rec.Header().Get("Content-Length"))
	require.Equal(t, "audio/wav", rec.Header().Get("Content-Type"))
	require.Equal(t, payload, rec.Body.Bytes())
}

func TestServe_RangeRequest(t *testing.T) {
	streamer, leases, dir := newTestStreamer(t)
	ctx := context.Background()
	payload := make([]byte, 1000)
	writeFixture(t, dir, "b.wav", payload)
	_, err := leases.AcquireLease(ctx, 51, 1, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/audio/stream/51/1", nil)
	req.Header.Set("Range", "bytes=100-199")
	rec := httptest.NewRecorder()
	require.NoError(t, streamer.Serve(ctx, rec, req, 51, 1, "b.wav"))
	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, "bytes 100-199/1000", rec.Header().Get("Content-Range"))
	require.Equal(t, 100, rec.Body.Len())
}

func TestServe_RangeFullFileMatchesFullBody(t *testing.T) {
	streamer, leases, dir := newTestStreamer(t)
	ctx := context.Background()
	payload := []byte("0123456789")
	writeFixture(t, dir, "c.wav", payload)
	_, err := leases.AcquireLease(ctx, 52, 1, time.Hour)
	require.NoError(t, err)

	reqFull := httptest.NewRequest(http.MethodGet, "/x", nil)
	recFull := httptest.NewRecorder()
	require.NoError(t, streamer.Serve(ctx, recFull, reqFull, 52, 1, "c.wav"))

	reqRange := httptest.NewRequest(http.MethodGet, "/x", nil)
	reqRange.Header.Set("Range", "bytes=0-9")
	recRange := httptest.NewRecorder()
	require.NoError(t, streamer.Serve(ctx, recRange, reqRange, 52, 1, "c.wav"))

	require.Equal(t, recFull.Body.Bytes(), recRange.Body.Bytes())
}

func TestServe_RangeStartBeyondSizeIs416(t *testing.T) {
	streamer, leases, dir := newTestStreamer(t)
	ctx := context.Background()
	writeFixture(t, dir, "d.wav", make([]byte, 100))
	_, err := leases.AcquireLease(ctx, 53, 1, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Range", "bytes=500-600")
	rec := httptest.NewRecorder()
	require.NoError(t, streamer.Serve(ctx, rec, req, 53, 1, "d.wav"))
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	require.Equal(t, "bytes */100", rec.Header().Get("Content-Range"))
}

func TestServe_MultiRangeIs416(t *testing.T) {
	streamer, leases, dir := newTestStreamer(t)
	ctx := context.Background()
	writeFixture(t, dir, "e.wav", make([]byte, 100))
	_, err := leases.AcquireLease(ctx, 54, 1, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Range", "bytes=0-9,20-29")
	rec := httptest.NewRecorder()
	require.NoError(t, streamer.Serve(ctx, rec, req, 54, 1, "e.wav"))
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
}

func TestServe_WrongAgentIsForbidden(t *testing.T) {
	streamer, leases, dir := newTestStreamer(t)
	ctx := context.Background()
	writeFixture(t, dir, "f.wav", make([]byte, 10))
	_, err := leases.AcquireLease(ctx, 55, 1, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	err = streamer.Serve(ctx, rec, req, 55, 2, "f.wav")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindForbidden))
}

func TestServe_PathTraversalIsForbidden(t *testing.T) {
	streamer, leases, _ := newTestStreamer(t)
	ctx := context.Background()
	_, err := leases.AcquireLease(ctx, 56, 1, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	err = streamer.Serve(ctx, rec, req, 56, 1, "../../etc/passwd")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindForbidden))
}

func TestServe_IfNoneMatchReturns304(t *testing.T) {
	streamer, leases, dir := newTestStreamer(t)
	ctx := context.Background()
	writeFixture(t, dir, "h.wav", []byte("abcdefgh"))
	_, err := leases.AcquireLease(ctx, 58, 1, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, streamer.Serve(ctx, rec, req, 58, 1, "h.wav"))
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req2 := httptest.NewRequest(http.MethodGet, "/x", nil)
	req2.Header.Set("If-None-Match", etag)
	rec2 := httptest.NewRecorder()
	require.NoError(t, streamer.Serve(ctx, rec2, req2, 58, 1, "h.wav"))
	require.Equal(t, http.StatusNotModified, rec2.Code)
	require.Empty(t, rec2.Body.Bytes())
}

func TestServe_NoLeaseIsForbidden(t *testing.T) {
	streamer, _, dir := newTestStreamer(t)
	writeFixture(t, dir, "g.wav", make([]byte, 10))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	err := streamer.Serve(context.Background(), rec, req, 57, 1, "g.wav")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindForbidden))
}
