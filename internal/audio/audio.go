// Package audio implements the Audio Streamer (C6): authorization-checked,
// range-capable file streaming of task audio (spec.md §4.6).
package audio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/transcribeflow/dispatchd/internal/apperr"
	"github.com/transcribeflow/dispatchd/internal/lease"
	"github.com/transcribeflow/dispatchd/internal/metrics"
	"github.com/transcribeflow/dispatchd/internal/xlog"
)

// Streamer serves task audio from a configured media root, re-checking the
// caller's lease on every request (never cached).
type Streamer struct {
	mediaRoot string
	leases    lease.Store
}

// New constructs a Streamer rooted at mediaRoot.
func New(mediaRoot string, leases lease.Store) *Streamer {
	return &Streamer{mediaRoot: mediaRoot, leases: leases}
}

// Serve writes the audio bytes for (taskID, agentID, fileName) honoring a
// single-range Range header. It never serves a path outside the media root.
func (s *Streamer) Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, taskID, agentID int64, fileName string) error {
	log := xlog.FromContext(ctx)

	info, err := s.leases.InspectLease(ctx, taskID)
	if err != nil {
		return apperr.Newf(apperr.KindKVUnavailable, "checking lease: %v", err)
	}
	if info == nil || info.AgentID != agentID {
		metrics.AudioRequestsDeniedTotal.WithLabelValues("no_lease").Inc()
		return apperr.New(apperr.KindForbidden, "task is not leased to this agent")
	}

	path, err := s.resolvePath(fileName)
	if err != nil {
		log.Warn().Str("file_name", fileName).Err(err).Msg("rejected audio path")
		metrics.AudioRequestsDeniedTotal.WithLabelValues("path_traversal").Inc()
		return apperr.New(apperr.KindForbidden, "invalid file path")
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return apperr.New(apperr.KindNotFound, "audio file not found")
		}
		return apperr.Newf(apperr.KindInternal, "opening audio file: %v", err)
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return apperr.Newf(apperr.KindInternal, "statting audio file: %v", err)
	}
	if stat.IsDir() {
		metrics.AudioRequestsDeniedTotal.WithLabelValues("directory").Inc()
		return apperr.New(apperr.KindForbidden, "invalid file path")
	}

	// Weak ETag from modtime+size lets an agent that reconnects mid-task
	// skip re-downloading audio it already has.
	etag := fmt.Sprintf(`W/"%x-%x"`, stat.ModTime().UnixNano(), stat.Size())
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Header().Set("Content-Type", mimeFor(path))
	w.Header().Set("Accept-Ranges", "bytes")

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(stat.Size(), 10))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return nil
		}
		n, err := copyAt(w, f, 0, stat.Size())
		metrics.AudioBytesServedTotal.Add(float64(n))
		return err
	}

	start, end, ok := parseSingleRange(rangeHeader, stat.Size())
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", stat.Size()))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		metrics.AudioRangeNotSatisfiableTotal.Inc()
		return nil
	}

	length := end - start + 1
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, stat.Size()))
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return nil
	}
	n, err := copyAt(w, f, start, length)
	metrics.AudioBytesServedTotal.Add(float64(n))
	return err
}

func copyAt(w http.ResponseWriter, f *os.File, offset, length int64) (int64, error) {
	section := io.NewSectionReader(f, offset, length)
	return io.Copy(w, section)
}

// resolvePath joins fileName to the media root and rejects any result that
// does not lie under the root after NFC normalization (spec.md §4.6
// path-traversal guard).
func (s *Streamer) resolvePath(fileName string) (string, error) {
	if fileName == "" {
		return "", fmt.Errorf("audio: empty file name")
	}
	normalized := norm.NFC.String(fileName)
	if strings.Contains(normalized, "\x00") {
		return "", fmt.Errorf("audio: file name contains NUL byte")
	}

	root, err := filepath.Abs(s.mediaRoot)
	if err != nil {
		return "", fmt.Errorf("audio: resolving media root: %w", err)
	}
	joined := filepath.Join(root, normalized)

	rel, err := filepath.Rel(root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("audio: file name escapes media root")
	}
	return joined, nil
}

// parseSingleRange parses a "bytes=a-b" header. Multi-range requests
// ("bytes=a-b,c-d") are rejected — spec.md §4.6 explicitly does not
// support them.
func parseSingleRange(header string, size int64) (start, end int64, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return 0, 0, false
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}

	if parts[0] == "" {
		// Suffix range "bytes=-N": last N bytes.
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > size {
			n = size
		}
		start = size - n
		end = size - 1
		return start, end, start <= end
	}

	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false
	}
	if start >= size {
		return 0, 0, false
	}

	if parts[1] == "" {
		end = size - 1
	} else {
		end, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		if end >= size {
			end = size - 1
		}
	}

	if start > end {
		return 0, 0, false
	}
	return start, end, true
}

// mimeFor infers a Content-Type from the file extension (spec.md §4.6).
func mimeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".ogg":
		return "audio/ogg"
	case ".flac":
		return "audio/flac"
	default:
		return "application/octet-stream"
	}
}
