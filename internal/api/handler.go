package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"MailRun/internal/db"
	"MailRun/internal/dispatch"
	"MailRun/internal/models"
	"MailRun/internal/queue"
	"MailRun/internal/recipients"
)

const (
	maxBodyBytes = 10 << 20
	maxCSVRows   = 10000
)

type Handler struct {
	Service *dispatch.Service
	Log     *zap.Logger
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ----------------------------
// Templates
// ----------------------------

func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := h.Service.ListTemplates(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.Service.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (h *Handler) SaveTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl models.Template
	if err := decode(w, r, &tpl); err != nil {
		h.fail(w, err)
		return
	}
	if err := h.Service.SaveTemplate(r.Context(), &tpl); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (h *Handler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DeleteTemplate(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ----------------------------
// Runs
// ----------------------------

// addressList accepts either a JSON array of addresses or one string of
// addresses separated by newlines, commas or semicolons.
type addressList []string

func (a *addressList) UnmarshalJSON(b []byte) error {
	var text string
	if err := json.Unmarshal(b, &text); err == nil {
		*a = recipients.ParseList(text)
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return errors.New("recipients must be a string or an array of strings")
	}
	*a = list
	return nil
}

type createRunRequest struct {
	Title      string      `json:"title"`
	Recipients addressList `json:"recipients"`
}

func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, err)
		return
	}
	h.createRun(w, r, req.Title, req.Recipients)
}

// CreateRunCSV takes the recipients from an uploaded CSV with an Email
// column, either as the raw body or as the "file" field of a multipart form.
func (h *Handler) CreateRunCSV(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var src io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			h.fail(w, invalid("read upload: %v", err))
			return
		}
		defer file.Close()
		src = file
	}

	addrs, err := recipients.ParseCSV(src, maxCSVRows)
	if err != nil {
		h.fail(w, invalid("%v", err))
		return
	}
	h.createRun(w, r, r.URL.Query().Get("title"), addrs)
}

func (h *Handler) createRun(w http.ResponseWriter, r *http.Request, title string, addrs []string) {
	sum, err := h.Service.CreateRun(r.Context(), dispatch.CreateRunInput{
		TemplateID: chi.URLParam(r, "id"),
		Title:      title,
		Recipients: addrs,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sum)
}

type testSendRequest struct {
	Recipients addressList `json:"recipients"`
}

func (h *Handler) SendTest(w http.ResponseWriter, r *http.Request) {
	var req testSendRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			h.fail(w, err)
			return
		}
	}
	res, err := h.Service.SendTest(r.Context(), chi.URLParam(r, "id"), req.Recipients)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.fail(w, invalid("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	list, err := h.Service.ListSummaries(r.Context(), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Service.Summary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) RunRecipients(w http.ResponseWriter, r *http.Request) {
	detail, err := h.Service.Detail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Service.RequestCancel(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	h.writeSummary(w, r, id)
}

func (h *Handler) RetryRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Service.RequestRetry(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	h.writeSummary(w, r, id)
}

func (h *Handler) writeSummary(w http.ResponseWriter, r *http.Request, id string) {
	sum, err := h.Service.Summary(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sum)
}

// ----------------------------
// Helpers
// ----------------------------

var errBadRequest = errors.New("bad request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", dispatch.ErrInvalidInput, fmt.Sprintf(format, args...))
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", errBadRequest, err)
	}
	return nil
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	var rejected *dispatch.RejectedError
	var missing *dispatch.MissingAssetsError

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, db.ErrRunNotFound), errors.Is(err, db.ErrTemplateNotFound):
		status = http.StatusNotFound
	case errors.As(err, &rejected):
		status = http.StatusConflict
	case errors.Is(err, dispatch.ErrInvalidInput), errors.As(err, &missing):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrDuplicate):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.Log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
