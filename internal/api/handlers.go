// internal/api/handlers.go
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	cerrors "cratis/internal/errors"
	"cratis/internal/ledger"
	"cratis/internal/restore"
	"cratis/internal/vault"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Headers describing the version served by GET /api/files.
const (
	HeaderTimestamp = "X-Cratis-Timestamp"
	HeaderDigest    = "X-Cratis-Digest"
	HeaderMode      = "X-Cratis-Mode"
	HeaderSize      = "X-Cratis-Size"
)

// ErrorResponse is the body of every non 2xx response.
type ErrorResponse struct {
	Error *cerrors.Error `json:"error"`
}

// TreeChunk is one line of the newline delimited JSON stream served by
// GET /api/tree. A line carrying Error ends the stream early.
type TreeChunk struct {
	Files    map[string][]byte         `json:"files,omitempty"`
	Records  map[string]ledger.Record  `json:"records,omitempty"`
	Failures map[string]*cerrors.Error `json:"failures,omitempty"`
	Error    *cerrors.Error            `json:"error,omitempty"`
}

type Handler struct {
	vault     *vault.Vault
	logger    *zap.Logger
	maxUpload int64
	now       func() time.Time
}

func NewHandler(v *vault.Vault, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		vault:     v,
		logger:    logger,
		maxUpload: v.Config().Advanced.MaxFileSize(),
		now:       time.Now,
	}
}

// Register installs the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/status", h.Status)
	mux.HandleFunc("POST /api/scan", h.Scan)
	mux.HandleFunc("PUT /api/files/{path...}", h.Upload)
	mux.HandleFunc("GET /api/files/{path...}", h.RestoreFile)
	mux.HandleFunc("GET /api/history/{path...}", h.History)
	mux.HandleFunc("GET /api/paths", h.Paths)
	mux.HandleFunc("GET /api/tree", h.Tree)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.vault.Status()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	stats, err := h.vault.Scan(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, stats)
}

// Upload stores the request body as a new version of the path. The file
// mode may be given in octal in X-Cratis-Mode.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	var mode fs.FileMode
	if s := r.Header.Get(HeaderMode); s != "" {
		m, err := strconv.ParseUint(s, 8, 32)
		if err != nil {
			h.writeError(w, r, cerrors.ValidationError("invalid file mode", s))
			return
		}
		mode = fs.FileMode(m).Perm()
	}

	body := r.Body
	if h.maxUpload > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, &cerrors.Error{
				Type:    cerrors.ErrorTypeValidation,
				Message: fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit),
				Code:    http.StatusRequestEntityTooLarge,
			})
			return
		}
		h.writeError(w, r, cerrors.IOFailure("reading request body", err))
		return
	}

	rec, err := h.vault.Upload(r.Context(), r.PathValue("path"), data, mode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// RestoreFile serves the content of the path as of ?at=.
func (h *Handler) RestoreFile(w http.ResponseWriter, r *http.Request) {
	at, err := h.timeParam(r, "at")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	rec, data, err := h.vault.RestoreFile(r.PathValue("path"), at)
	if err != nil {
		if errors.Is(err, cerrors.ErrDeleted) {
			w.Header().Set(HeaderTimestamp, FormatTime(rec.Timestamp))
		}
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set(HeaderTimestamp, FormatTime(rec.Timestamp))
	w.Header().Set(HeaderDigest, rec.Digest.String())
	w.Header().Set(HeaderMode, strconv.FormatUint(uint64(rec.Mode.Perm()), 8))
	w.Header().Set(HeaderSize, strconv.FormatInt(rec.Size, 10))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	from, err := h.timeParam(r, "from")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	to, err := h.timeParam(r, "to")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	records, err := h.vault.History(r.PathValue("path"), from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []ledger.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) Paths(w http.ResponseWriter, r *http.Request) {
	at, err := h.timeParam(r, "at")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	paths, err := h.vault.ListPaths(at, r.URL.Query().Get("root"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if paths == nil {
		paths = []string{}
	}
	writeJSON(w, http.StatusOK, paths)
}

// Tree streams the tree under ?root= as of ?at= one restore chunk per line.
func (h *Handler) Tree(w http.ResponseWriter, r *http.Request) {
	at, err := h.timeParam(r, "at")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	root := r.URL.Query().Get("root")

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)

	err = h.vault.EachChunk(root, at, func(chunk *restore.TreeResult) error {
		line := TreeChunk{Files: chunk.Files, Records: chunk.Records}
		if len(chunk.Failures) > 0 {
			line.Failures = make(map[string]*cerrors.Error, len(chunk.Failures))
			for p, ferr := range chunk.Failures {
				line.Failures[p] = toError(ferr)
			}
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return r.Context().Err()
	})
	if err != nil {
		h.logger.Error("tree restore failed", zap.String("root", root), zap.Error(err))
		enc.Encode(TreeChunk{Error: toError(err)})
	}
}

func (h *Handler) timeParam(r *http.Request, name string) (time.Time, error) {
	return ParseTime(r.URL.Query().Get(name), h.now())
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := toError(err)
	if apiErr.Code >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("type", string(apiErr.Type)),
			zap.Error(err),
		)
	}
	writeJSON(w, apiErr.Code, ErrorResponse{Error: apiErr})
}

func toError(err error) *cerrors.Error {
	var e *cerrors.Error
	if errors.As(err, &e) {
		return &cerrors.Error{
			Type:    e.Type,
			Message: err.Error(),
			Code:    cerrors.StatusCode(err),
			Details: e.Details,
		}
	}
	return &cerrors.Error{
		Type:    cerrors.ErrorTypeInternal,
		Message: err.Error(),
		Code:    http.StatusInternalServerError,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
