package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"tvm-live-service/internal/app"
	"tvm-live-service/internal/domain"
)

const maxBodyBytes = 64 << 10

// LiveHandler serves the pull API: event ingest plus session and question reads.
type LiveHandler struct {
	ingest     *app.IngestService
	aggregator *app.Aggregator
	log        logrus.FieldLogger
}

func NewLiveHandler(ingest *app.IngestService, aggregator *app.Aggregator, log logrus.FieldLogger) *LiveHandler {
	return &LiveHandler{
		ingest:     ingest,
		aggregator: aggregator,
		log:        log.WithField("component", "live-api"),
	}
}

type okResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// eventTag carries the optional discriminators of a POST body.
type eventTag struct {
	Type   domain.EventKind `json:"type"`
	Action string           `json:"action"`
}

// Post handles POST /api/live. Bodies are dispatched on "type", then the legacy
// "action":"leave", then by shape: a body with a questionId is an answer, one with
// sessionId, userId and userName is a join, anything else is validated as an answer.
func (h *LiveHandler) Post(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "request body too large or unreadable", nil)
		return
	}
	kind, err := classify(body)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	switch kind {
	case domain.EventJoin:
		var event domain.JoinEvent
		if err := json.Unmarshal(body, &event); err != nil {
			h.fail(w, r, domain.NewValidationError("body", "json"))
			return
		}
		_, err = h.ingest.Join(r.Context(), event)
	case domain.EventAnswer:
		var event domain.AnswerEvent
		if err := json.Unmarshal(body, &event); err != nil {
			h.fail(w, r, domain.NewValidationError("body", "json"))
			return
		}
		_, err = h.ingest.SubmitAnswer(r.Context(), event)
	case domain.EventLeave:
		var event domain.LeaveEvent
		if err := json.Unmarshal(body, &event); err != nil {
			h.fail(w, r, domain.NewValidationError("body", "json"))
			return
		}
		err = h.ingest.Leave(r.Context(), event)
	case domain.EventHeartbeat:
		var event domain.HeartbeatEvent
		if err := json.Unmarshal(body, &event); err != nil {
			h.fail(w, r, domain.NewValidationError("body", "json"))
			return
		}
		err = h.ingest.Heartbeat(r.Context(), event)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func classify(body []byte) (domain.EventKind, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", domain.NewValidationError("body", "json")
	}
	var tag eventTag
	// Mistyped tags fall through to shape classification.
	_ = json.Unmarshal(body, &tag)

	switch tag.Type {
	case domain.EventJoin, domain.EventAnswer, domain.EventLeave, domain.EventHeartbeat:
		return tag.Type, nil
	case "":
	default:
		return "", domain.NewValidationError("type", "oneof=join answer leave heartbeat")
	}
	if tag.Action == "leave" {
		return domain.EventLeave, nil
	}

	_, hasQuestion := fields["questionId"]
	_, hasSession := fields["sessionId"]
	_, hasUser := fields["userId"]
	_, hasName := fields["userName"]
	if !hasQuestion && hasSession && hasUser && hasName {
		return domain.EventJoin, nil
	}
	return domain.EventAnswer, nil
}

// Delete handles DELETE /api/live. Identity comes from the body, or from the query string
// for fields the body leaves out.
func (h *LiveHandler) Delete(w http.ResponseWriter, r *http.Request) {
	var event domain.LeaveEvent
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "request body too large or unreadable", nil)
		return
	}
	if len(body) > 0 {
		// An unparsable body falls back to the query string.
		_ = json.Unmarshal(body, &event)
	}
	q := r.URL.Query()
	if event.SessionID == "" {
		event.SessionID = q.Get("sessionId")
	}
	if event.UserID == "" {
		event.UserID = q.Get("userId")
	}
	if err := h.ingest.Leave(r.Context(), event); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// Get handles GET /api/live?sessionId=.
func (h *LiveHandler) Get(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		h.fail(w, r, domain.NewValidationError("sessionId", "required"))
		return
	}
	view, err := h.aggregator.Snapshot(r.Context(), sessionID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Question handles GET /api/live/questions/{questionId}?sessionId=&includeEmpty=.
func (h *LiveHandler) Question(w http.ResponseWriter, r *http.Request) {
	questionID := mux.Vars(r)["questionId"]
	q := r.URL.Query()
	sessionID := q.Get("sessionId")
	if sessionID == "" {
		h.fail(w, r, domain.NewValidationError("sessionId", "required"))
		return
	}
	includeEmpty := false
	if raw := q.Get("includeEmpty"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			h.fail(w, r, domain.NewValidationError("includeEmpty", "boolean"))
			return
		}
		includeEmpty = v
	}

	stat, ok, err := h.aggregator.QuestionBreakdown(r.Context(), sessionID, questionID, includeEmpty)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no responses recorded for question", nil)
		return
	}
	writeJSON(w, http.StatusOK, stat)
}

// fail maps ingest and store errors onto status codes.
func (h *LiveHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error(), verr.Details())
	case errors.Is(err, domain.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, domain.ErrParticipantNotFound):
		writeError(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, domain.ErrPartialUpdate):
		h.log.WithError(err).WithField("path", r.URL.Path).Warn("partial update")
		writeError(w, http.StatusInternalServerError, domain.ErrPartialUpdate.Error(), []string{"partial update", err.Error()})
	default:
		h.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		writeError(w, http.StatusInternalServerError, domain.ErrStoreUnavailable.Error(), nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string, details []string) {
	writeJSON(w, status, errorResponse{Error: message, Details: details})
}
