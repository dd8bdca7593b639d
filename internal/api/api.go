// Package api is the thin HTTP/SSE control-plane surface (§6). It exists so
// the §4 components have one concrete, testable caller; full auth and
// request validation is an external collaborator per spec.md §1's
// Non-goals. Routing is grounded on nickmisasi-mattermost-plugin-cursor's
// gorilla/mux usage — the only pack repo that wires an HTTP router
// library rather than hand-rolling a mux.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/andywolf/pipewright/internal/concurrency"
	"github.com/andywolf/pipewright/internal/domain"
	"github.com/andywolf/pipewright/internal/queue"
	"github.com/andywolf/pipewright/internal/security"
	"github.com/andywolf/pipewright/internal/streambus"
	"github.com/andywolf/pipewright/internal/workerdriver"
	"github.com/andywolf/pipewright/internal/worksession"
)

// defaultRateLimit bounds each client IP to 60 mutating requests per
// minute, the same order of magnitude as internal/controller's per-IP
// webhook throttling.
const defaultRateLimit = 60

// Store is the subset of store.Gateway the API surface calls directly.
type Store interface {
	ListActiveProjects(ctx context.Context) ([]domain.Project, error)
	GetFeature(ctx context.Context, featureID string) (domain.Feature, error)
	ClaimFeature(ctx context.Context, featureID, agentIdentity string) error
	CreateMessage(ctx context.Context, msg domain.AgentMessage) (string, error)
	ListMessages(ctx context.Context, runID string, since *time.Time, sender *domain.MessageSender) ([]domain.AgentMessage, error)
	GetAgentRun(ctx context.Context, runID string) (domain.AgentRun, error)
	GetThread(ctx context.Context, agentID, threadID string) (domain.AgentThread, error)
}

// Server wires the §4 components behind the §6 HTTP surface.
type Server struct {
	store     Store
	conc      *concurrency.Manager
	queue     *queue.Manager
	sess      *worksession.Manager
	bus       *streambus.Bus
	started   time.Time
	router    *mux.Router
	rateLimit *security.RateLimiter
}

// New builds the Server's route table, rate-limited per client IP.
func New(store Store, conc *concurrency.Manager, q *queue.Manager, sess *worksession.Manager, bus *streambus.Bus) *Server {
	s := &Server{
		store:     store,
		conc:      conc,
		queue:     q,
		sess:      sess,
		bus:       bus,
		started:   time.Now(),
		rateLimit: security.NewRateLimiter(defaultRateLimit, time.Minute),
	}
	s.router = mux.NewRouter()
	s.router.Use(s.rateLimit.Middleware(security.IPKeyFunc))
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.router.HandleFunc("/api/features/{id}/assign", s.handleAssignFeature).Methods(http.MethodPost)

	s.router.HandleFunc("/api/agents/{name}/work-sessions", s.handleListWorkSessions).Methods(http.MethodGet)
	s.router.HandleFunc("/api/agents/{name}/work-sessions", s.handleCreateWorkSession).Methods(http.MethodPost)
	s.router.HandleFunc("/api/work-sessions/{id}", s.handleEndWorkSession).Methods(http.MethodDelete)

	s.router.HandleFunc("/api/agent-runs/{id}/messages", s.handlePostMessage).Methods(http.MethodPost)
	s.router.HandleFunc("/api/agent-runs/{id}/messages", s.handleListMessages).Methods(http.MethodGet)
	s.router.HandleFunc("/api/agent-runs/{id}/messages/stream", s.handleStreamMessages).Methods(http.MethodGet)

	s.router.HandleFunc("/api/agents/{name}/queue", s.handleListQueue).Methods(http.MethodGet)
	s.router.HandleFunc("/api/agents/{name}/queue", s.handleEnqueue).Methods(http.MethodPost)
	s.router.HandleFunc("/api/agents/{name}/queue/{jobId}", s.handleDequeueRemove).Methods(http.MethodDelete)

	s.router.HandleFunc("/api/agent-runs/{id}/create-pr", s.handleCreatePR).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(s.started).String(),
		"timestamp": time.Now().UTC(),
	})
}

// handleAssignFeature implements §6's manual-assignment endpoint: claim the
// feature directly if a concurrency slot is available, otherwise enqueue it
// via the Queue Manager. Returns 202 either way.
func (s *Server) handleAssignFeature(w http.ResponseWriter, r *http.Request) {
	featureID := mux.Vars(r)["id"]
	var body struct {
		AgentName string `json:"agentName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AgentName == "" {
		writeError(w, http.StatusBadRequest, "agentName is required")
		return
	}

	feature, err := s.store.GetFeature(r.Context(), featureID)
	if err != nil {
		writeError(w, http.StatusNotFound, "feature not found")
		return
	}
	if feature.Status != domain.FeaturePending {
		writeError(w, http.StatusConflict, fmt.Sprintf("feature is %s, not pending", feature.Status))
		return
	}

	cap := s.concurrencyCap(r.Context(), feature.ProjectID)
	if s.conc != nil && s.conc.CanStart(feature.ProjectID, cap) {
		if err := s.store.ClaimFeature(r.Context(), featureID, body.AgentName); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatched"})
		return
	}

	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue manager not wired")
		return
	}
	jobID, position, err := s.queue.Enqueue(r.Context(), body.AgentName, feature.ProjectID, feature.Description, domain.QueuedByUser, featureID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "jobId": jobID, "position": position})
}

// concurrencyCap looks up a project's configured concurrency cap. A
// missing project (e.g. a feature whose project has since gone inactive)
// falls back to a cap of zero, forcing the request to queue rather than
// dispatching against an unknown limit.
func (s *Server) concurrencyCap(ctx context.Context, projectID string) int {
	projects, err := s.store.ListActiveProjects(ctx)
	if err != nil {
		return 0
	}
	for _, p := range projects {
		if p.ID == projectID {
			return p.ConcurrencyCap
		}
	}
	return 0
}

func (s *Server) handleListWorkSessions(w http.ResponseWriter, r *http.Request) {
	if s.sess == nil {
		writeError(w, http.StatusServiceUnavailable, "work-session manager not wired")
		return
	}
	name := mux.Vars(r)["name"]
	writeJSON(w, http.StatusOK, map[string]any{"runIds": s.sess.ListSessions(name)})
}

func (s *Server) handleCreateWorkSession(w http.ResponseWriter, r *http.Request) {
	if s.sess == nil {
		writeError(w, http.StatusServiceUnavailable, "work-session manager not wired")
		return
	}
	name := mux.Vars(r)["name"]
	var body struct {
		ProjectID string `json:"projectId"`
		ThreadID  string `json:"threadId"`
		Prompt    string `json:"prompt"`
		RepoURL   string `json:"repoUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	spec := workerdriver.LaunchSpec{ProjectID: body.ProjectID, RepoURL: body.RepoURL}
	res, err := s.sess.StartSession(r.Context(), spec, name, body.ProjectID, body.ThreadID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if res.Status == "created" && body.Prompt != "" {
		_ = s.sess.SendMessage(res.RunID, body.Prompt)
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleEndWorkSession(w http.ResponseWriter, r *http.Request) {
	if s.sess == nil {
		writeError(w, http.StatusServiceUnavailable, "work-session manager not wired")
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.sess.EndSession(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePostMessage implements §6's message-posting endpoint: on
// sender=user, route by thread mode — `work` threads forward straight to
// the Work-Session Manager's stdin bridge; any other mode is a chat-thread
// reply, which is out of scope here (no chat-responder collaborator is
// wired) and returns 501.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	var body struct {
		Content  string `json:"content"`
		ThreadID string `json:"threadId"`
		AgentID  string `json:"agentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	msg := domain.AgentMessage{RunID: runID, ThreadID: body.ThreadID, Sender: domain.SenderUser, Type: domain.MessageText, Content: body.Content, Timestamp: time.Now()}
	if _, err := s.store.CreateMessage(r.Context(), msg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if body.ThreadID != "" && s.sess != nil {
		if th, err := s.store.GetThread(r.Context(), body.AgentID, body.ThreadID); err == nil && th.Mode == domain.ThreadWork {
			if err := s.sess.SendMessage(runID, body.Content); err != nil {
				writeError(w, http.StatusBadGateway, err.Error())
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "forwarded"})
			return
		}
	}

	writeError(w, http.StatusNotImplemented, "chat-thread responder is not wired in this control plane")
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	msgs, err := s.store.ListMessages(r.Context(), runID, nil, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleStreamMessages implements §6's SSE endpoint: an initial batch from
// the store, then live Stream Bus events, then a 1s poll for newly
// persisted messages until the agent-run reaches a terminal status.
func (s *Server) handleStreamMessages(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	since := time.Now()
	if initial, err := s.store.ListMessages(r.Context(), runID, nil, nil); err == nil {
		for _, m := range initial {
			writeSSE(w, "message", m)
			if m.Timestamp.After(since) {
				since = m.Timestamp
			}
		}
		flusher.Flush()
	}

	var unsub streambus.Unsubscribe
	if s.bus != nil {
		unsub = s.bus.Subscribe(runID, func(ev streambus.Event) {
			writeSSE(w, "event", ev)
			flusher.Flush()
		})
		defer unsub()
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			newMsgs, err := s.store.ListMessages(r.Context(), runID, &since, nil)
			if err != nil {
				continue
			}
			for _, m := range newMsgs {
				writeSSE(w, "message", m)
				if m.Timestamp.After(since) {
					since = m.Timestamp
				}
			}
			if len(newMsgs) > 0 {
				flusher.Flush()
			}

			run, err := s.store.GetAgentRun(r.Context(), runID)
			if err == nil && run.Status.IsTerminal() {
				writeSSE(w, "close", map[string]string{"status": string(run.Status)})
				flusher.Flush()
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue manager not wired")
		return
	}
	name := mux.Vars(r)["name"]
	entries, err := s.queue.ListQueue(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue manager not wired")
		return
	}
	name := mux.Vars(r)["name"]
	var body struct {
		ProjectID string `json:"projectId"`
		Prompt    string `json:"prompt"`
		FeatureID string `json:"featureId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	jobID, position, err := s.queue.Enqueue(r.Context(), name, body.ProjectID, body.Prompt, domain.QueuedByUser, body.FeatureID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"jobId": jobID, "position": position})
}

func (s *Server) handleDequeueRemove(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue manager not wired")
		return
	}
	vars := mux.Vars(r)
	if err := s.queue.Remove(r.Context(), vars["name"], vars["jobId"]); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCreatePR implements §6's PR-from-chat endpoint. Creating a PR
// requires a PR-creator collaborator (a GitHub client shelling out to `gh
// pr create` or equivalent) that is out of scope for this control plane's
// current wiring; this returns 501 rather than fabricating a fake PR.
func (s *Server) handleCreatePR(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotImplemented, "PR creation collaborator is not wired in this control plane")
}
