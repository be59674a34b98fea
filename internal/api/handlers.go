package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/transcribeflow/dispatchd/internal/apperr"
	"github.com/transcribeflow/dispatchd/internal/dispatcher"
)

type dispatcherHealthStatus = dispatcher.HealthStatus

// handleHealth implements GET /api/health (spec.md §6/§7). Concurrent
// probes are collapsed with singleflight so a burst of health checks does
// not hammer the three backends simultaneously.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	v, _, _ := s.healthSfg.Do("health", func() (interface{}, error) {
		return s.dispatch.Health(r.Context()), nil
	})
	health := v.(dispatcherHealthStatus)

	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]any{
		"status":       boolStatus(health.Healthy),
		"label_studio": health.LabelStudio,
		"redis":        health.Redis,
		"postgres":     health.Postgres,
		"project_id":   health.ProjectID,
	})
}

func boolStatus(healthy bool) string {
	if healthy {
		return "ok"
	}
	return "degraded"
}

type requestTaskBody struct {
	AgentID int64 `json:"agent_id"`
}

// handleRequestTask implements POST /api/tasks/request.
func (s *Server) handleRequestTask(w http.ResponseWriter, r *http.Request) {
	var body requestTaskBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, apperr.New(apperr.KindInvalidArgument, "invalid JSON body"))
		return
	}
	if body.AgentID == 0 {
		writeError(w, r, apperr.New(apperr.KindInvalidArgument, "agent_id is required"))
		return
	}

	assignment, err := s.dispatch.RequestTask(r.Context(), body.AgentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if assignment == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"task_id": nil,
			"message": "No tasks available",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":   assignment.TaskID,
		"audio_url": assignment.AudioURL,
		"duration":  assignment.Duration,
		"file_name": assignment.FileName,
	})
}

// handleAudioStream implements GET /api/audio/stream/{task_id}/{agent_id}.
func (s *Server) handleAudioStream(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathInt64(r, "task_id")
	if err != nil {
		writeError(w, r, apperr.New(apperr.KindInvalidArgument, "task_id must be an integer"))
		return
	}
	agentID, err := pathInt64(r, "agent_id")
	if err != nil {
		writeError(w, r, apperr.New(apperr.KindInvalidArgument, "agent_id must be an integer"))
		return
	}

	fileName, err := s.dispatch.FileNameFor(r.Context(), taskID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.streamer.Serve(r.Context(), w, r, taskID, agentID, fileName); err != nil {
		writeError(w, r, err)
		return
	}
}

type submitBody struct {
	AgentID       int64  `json:"agent_id"`
	Transcription string `json:"transcription"`
}

// handleSubmit implements POST /api/tasks/{task_id}/submit.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathInt64(r, "task_id")
	if err != nil {
		writeError(w, r, apperr.New(apperr.KindInvalidArgument, "task_id must be an integer"))
		return
	}
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, apperr.New(apperr.KindInvalidArgument, "invalid JSON body"))
		return
	}
	if body.AgentID == 0 {
		writeError(w, r, apperr.New(apperr.KindInvalidArgument, "agent_id is required"))
		return
	}

	result, err := s.dispatch.SubmitTranscription(r.Context(), taskID, body.AgentID, body.Transcription)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "success",
		"annotation_id": result.AnnotationID,
	})
}

type skipBody struct {
	AgentID int64  `json:"agent_id"`
	Reason  string `json:"reason"`
}

// handleSkip implements POST /api/tasks/{task_id}/skip.
func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathInt64(r, "task_id")
	if err != nil {
		writeError(w, r, apperr.New(apperr.KindInvalidArgument, "task_id must be an integer"))
		return
	}
	var body skipBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, apperr.New(apperr.KindInvalidArgument, "invalid JSON body"))
		return
	}
	if body.AgentID == 0 {
		writeError(w, r, apperr.New(apperr.KindInvalidArgument, "agent_id is required"))
		return
	}

	if err := s.dispatch.SkipTask(r.Context(), taskID, body.AgentID, body.Reason); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "Task skipped and released",
	})
}

// handleAvailableCount implements GET /api/tasks/available/count?agent_id=?.
// agent_id is accepted for parity with spec.md §6 but counters are global,
// not per-agent.
func (s *Server) handleAvailableCount(w http.ResponseWriter, r *http.Request) {
	counters := s.dispatch.Counters()
	writeJSON(w, http.StatusOK, map[string]any{
		"available":       counters.Available,
		"total_unlabeled": counters.TotalUnlabeled,
		"total_locked":    counters.TotalLocked,
	})
}

// handleAgentStats implements GET /api/agents/{agent_id}/stats.
func (s *Server) handleAgentStats(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathInt64(r, "agent_id")
	if err != nil {
		writeError(w, r, apperr.New(apperr.KindInvalidArgument, "agent_id must be an integer"))
		return
	}
	st, err := s.dispatch.StatsFor(r.Context(), agentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":               st.AgentID,
		"total_tasks_completed":  st.TotalTasksCompleted,
		"total_tasks_skipped":    st.TotalTasksSkipped,
		"total_duration_seconds": st.TotalDurationSeconds,
		"total_earnings":         st.TotalEarnings,
		"last_active":            st.LastActive,
	})
}

// handleStats implements GET /api/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counters := s.dispatch.Counters()
	writeJSON(w, http.StatusOK, map[string]any{
		"available":       counters.Available,
		"total_unlabeled": counters.TotalUnlabeled,
		"total_locked":    counters.TotalLocked,
		"last_updated":    counters.LastUpdated,
	})
}

func pathInt64(r *http.Request, key string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, key), 10, 64)
}
