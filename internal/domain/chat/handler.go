package chat

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/clinrag/clinrag/internal/platform/errs"
)

// Clearer is the slice of the memory store a full reset needs.
type Clearer interface {
	Clear(sessionID string)
}

type Handler struct {
	engine   *Engine
	sessions *SessionStore
	memory   Clearer
	version  string
}

// NewHandler builds the HTTP surface. memory may be nil. The store health
// endpoint (/health/db) is mounted by the server wiring, not here.
func NewHandler(engine *Engine, sessions *SessionStore, memory Clearer, version string) *Handler {
	return &Handler{engine: engine, sessions: sessions, memory: memory, version: version}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/set_patient", h.SetPatient)
	e.POST("/chat", h.Chat)
	e.POST("/reset", h.Reset)
	e.GET("/health", h.Health)
}

// boolish accepts JSON booleans plus the form spellings "true", "1", and
// "yes"; everything else is false.
type boolish bool

func (b *boolish) UnmarshalJSON(data []byte) error {
	*b = parseBoolish(strings.Trim(string(data), `"`))
	return nil
}

func (b *boolish) UnmarshalParam(param string) error {
	*b = parseBoolish(param)
	return nil
}

func parseBoolish(s string) boolish {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// intish keeps the raw value as a string so non-numeric input can be
// rejected with a useful message. JSON numbers and strings both bind.
type intish string

func (v *intish) UnmarshalJSON(data []byte) error {
	*v = intish(strings.Trim(string(data), `"`))
	return nil
}

func (v *intish) UnmarshalParam(param string) error {
	*v = intish(param)
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func errorBody(msg string) map[string]any {
	return map[string]any{"ok": false, "error": msg}
}

type setPatientRequest struct {
	PatientID intish `json:"patient_id" form:"patient_id"`
}

func (h *Handler) SetPatient(c echo.Context) error {
	var req setPatientRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("Please enter a valid numeric patient ID."))
	}
	id := strings.TrimSpace(string(req.PatientID))
	if !isDigits(id) {
		return c.JSON(http.StatusBadRequest, errorBody("Please enter a valid numeric patient ID."))
	}

	sess := h.sessions.Resolve(c)
	sess.mu.Lock()
	sess.PatientID = id
	sess.mu.Unlock()

	return c.JSON(http.StatusOK, map[string]any{"ok": true, "message": "Patient set to " + id})
}

type chatRequest struct {
	Message  string   `json:"message" form:"message"`
	DoSearch *boolish `json:"do_search" form:"do_search"`
}

func (h *Handler) Chat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("Invalid request body."))
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return c.JSON(http.StatusBadRequest, errorBody("Message cannot be empty."))
	}
	// Retrieval is on unless the client says otherwise.
	doSearch := true
	if req.DoSearch != nil {
		doSearch = bool(*req.DoSearch)
	}

	sess := h.sessions.Resolve(c)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if doSearch && sess.PatientID == "" {
		return c.JSON(http.StatusBadRequest, errorBody("Set patient ID before chatting with RAG search."))
	}

	answer, err := h.engine.Run(c.Request().Context(), sess, message, doSearch)
	if err != nil {
		return c.JSON(errs.HTTPStatus(err), errorBody(err.Error()))
	}

	body := map[string]any{"ok": true, "reply": answer.Reply}
	if len(answer.Trace) > 0 {
		body["trace"] = answer.Trace
	}
	return c.JSON(http.StatusOK, body)
}

type resetRequest struct {
	ClearPatient *boolish `json:"clear_patient" form:"clear_patient"`
}

func (h *Handler) Reset(c echo.Context) error {
	var req resetRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("Invalid request body."))
	}
	clearPatient := req.ClearPatient != nil && bool(*req.ClearPatient)

	sess := h.sessions.Resolve(c)
	sess.mu.Lock()
	sess.Messages = nil
	if clearPatient {
		sess.PatientID = ""
	}
	sess.mu.Unlock()

	// Clearing the patient is a full reset; remembered facts go with it.
	if clearPatient && h.memory != nil {
		h.memory.Clear(sess.ID)
	}

	return c.JSON(http.StatusOK, map[string]any{"ok": true, "message": "Chat reset."})
}

func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "version": h.version})
}

var (
	_ echo.BindUnmarshaler = (*boolish)(nil)
	_ echo.BindUnmarshaler = (*intish)(nil)
)
