package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Brownie44l1/leafscan-api/internal/cache"
	"github.com/Brownie44l1/leafscan-api/internal/metrics"
	"github.com/Brownie44l1/leafscan-api/internal/model"
	"github.com/Brownie44l1/leafscan-api/internal/preprocess"
)

// PingMessage is the liveness reply of GET /ping.
const PingMessage = "Hello, I am alive"

// Options configures a Handler. Zero values disable the optional parts.
type Options struct {
	MaxUploadBytes int64
	Cache          cache.Cache
	// CacheNamespace is mixed into cache keys; change it with the model or labels.
	CacheNamespace string
	Metrics        *metrics.Metrics
	Logger         *zap.SugaredLogger
}

type Handler struct {
	modelServer *model.Server
	opts        Options
}

func NewHandler(modelServer *model.Server, opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if opts.Cache == nil {
		opts.Cache = cache.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Handler{
		modelServer: modelServer,
		opts:        opts,
	}
}

// HTTPError is the JSON body of every error response.
type HTTPError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, HTTPError{Error: msg})
}

func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, PingMessage)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) ModelInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, h.modelServer.Metadata)
}

// PredictTensor classifies an already preprocessed input tensor.
func (h *Handler) PredictTensor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes))
	if err != nil {
		h.writeReadError(w, err, "Failed to read request body")
		return
	}

	var req model.PredictionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if want := h.modelServer.InputSize(); len(req.Image) != want {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Expected %d values, got %d", want, len(req.Image)))
		return
	}

	result, err := h.modelServer.Predict(req.Image)
	if err != nil {
		h.logger(r).Errorw("Prediction error", "error", err)
		writeError(w, http.StatusInternalServerError, "Prediction failed")
		return
	}
	h.countPrediction(result)

	writeJSON(w, http.StatusOK, result)
}

// Predict classifies an uploaded image sent as multipart field "file".
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	logger := h.logger(r)

	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.opts.MaxUploadBytes); err != nil {
		h.writeReadError(w, err, "Failed to parse form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		// older clients used the field name "image"
		file, header, err = r.FormFile("image")
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "No image file provided. Use 'file' as the form field name")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read uploaded file")
		return
	}
	logger.Debugw("Received file", "filename", header.Filename, "bytes", len(data))

	key := cache.Key(h.opts.CacheNamespace, data)
	if cached, ok, err := h.opts.Cache.Get(r.Context(), key); err != nil {
		logger.Warnw("prediction cache lookup failed", "error", err)
	} else {
		h.countCache(ok)
		if ok {
			h.countPrediction(cached)
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	img, format, err := preprocess.Decode(data)
	switch {
	case errors.Is(err, preprocess.ErrImageTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "Image dimensions too large")
		return
	case err != nil:
		logger.Infow("rejected upload", "filename", header.Filename, "error", err)
		writeError(w, http.StatusBadRequest, "Invalid image format. Supported: JPEG, PNG, GIF, WebP, BMP, TIFF")
		return
	}
	logger.Debugw("Image decoded", "format", format, "width", img.Bounds().Dx(), "height", img.Bounds().Dy())

	result, err := h.modelServer.PredictImage(img)
	if err != nil {
		logger.Errorw("Prediction error", "error", err)
		writeError(w, http.StatusInternalServerError, "Prediction failed")
		return
	}
	h.countPrediction(result)

	if err := h.opts.Cache.Set(r.Context(), key, result); err != nil {
		logger.Warnw("prediction cache store failed", "error", err)
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) writeReadError(w http.ResponseWriter, err error, msg string) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit))
		return
	}
	writeError(w, http.StatusBadRequest, msg)
}

func (h *Handler) countPrediction(p *model.Prediction) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.CountPrediction(p.Class)
	}
}

func (h *Handler) countCache(hit bool) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.CountCache(hit)
	}
}

func (h *Handler) logger(r *http.Request) *zap.SugaredLogger {
	if id := RequestID(r.Context()); id != "" {
		return h.opts.Logger.With("request_id", id)
	}
	return h.opts.Logger
}
