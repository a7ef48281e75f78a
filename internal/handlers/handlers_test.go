package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/leafscan-api/internal/labels"
	"github.com/Brownie44l1/leafscan-api/internal/metrics"
	"github.com/Brownie44l1/leafscan-api/internal/model"
	"github.com/Brownie44l1/leafscan-api/internal/preprocess"
)

type fakeRunner struct {
	mu     sync.Mutex
	scores []float32
	err    error
	calls  int
}

func (f *fakeRunner) Run(input []float32) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]float32(nil), f.scores...), nil
}

func (f *fakeRunner) Close() error { return nil }

type memCache struct {
	mu      sync.Mutex
	entries map[string]*model.Prediction
}

func (c *memCache) Get(_ context.Context, key string) (*model.Prediction, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.entries[key]
	return p, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, p *model.Prediction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = p
	return nil
}

func (c *memCache) Close() error { return nil }

type brokenCache struct {
	gets, sets int
}

func (c *brokenCache) Get(context.Context, string) (*model.Prediction, bool, error) {
	c.gets++
	return nil, false, errors.New("connection refused")
}

func (c *brokenCache) Set(context.Context, string, *model.Prediction) error {
	c.sets++
	return errors.New("connection refused")
}

func (c *brokenCache) Close() error { return nil }

var testClasses = []string{"Algal_Leaf_in_Tea", "Anthracnose_in_Mango", "Apple_Scab_on_Apple"}

func newTestRouter(t *testing.T, r *fakeRunner, opts Options, corsOpts CORSOptions) (http.Handler, *metrics.Metrics) {
	t.Helper()
	s, err := model.NewServer(r, model.Metadata{
		InputShape:  []int64{1, 8, 8, 3},
		OutputShape: []int64{1, 3},
	}, labels.NewSet(testClasses, labels.Space), preprocess.NHWC)
	require.NoError(t, err)

	m := metrics.New()
	opts.Metrics = m
	if len(corsOpts.Origins) == 0 {
		corsOpts.Origins = []string{"*"}
	}
	return NewRouter(NewHandler(s, opts), corsOpts, m), m
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 20, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 40, G: 160, B: 60, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, field string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, "leaf.png")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/predict", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestPing(t *testing.T) {
	router, _ := newTestRouter(t, &fakeRunner{}, Options{}, CORSOptions{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var msg string
	decodeBody(t, rec, &msg)
	assert.Equal(t, "Hello, I am alive", msg)
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t, &fakeRunner{}, Options{}, CORSOptions{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestPingHealthRejectPost(t *testing.T) {
	router, _ := newTestRouter(t, &fakeRunner{}, Options{}, CORSOptions{})

	for _, path := range []string{"/ping", "/health"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
	}
}

func TestModelInfo(t *testing.T) {
	router, _ := newTestRouter(t, &fakeRunner{}, Options{}, CORSOptions{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/model/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var meta model.Metadata
	decodeBody(t, rec, &meta)
	assert.Equal(t, 8, meta.ImageSize)
	assert.Equal(t, "nhwc", meta.Layout)
	assert.Equal(t, []string{"Algal Leaf in Tea", "Anthracnose in Mango", "Apple Scab on Apple"}, meta.Classes)
}

func TestPredict(t *testing.T) {
	runner := &fakeRunner{scores: []float32{0.05, 0.15, 0.8}}
	router, _ := newTestRouter(t, runner, Options{}, CORSOptions{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "file", pngBytes(t)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got map[string]any
	decodeBody(t, rec, &got)
	assert.Len(t, got, 2, "response carries only class and confidence")
	assert.Equal(t, "Apple Scab on Apple", got["class"])
	assert.InDelta(t, 0.8, got["confidence"], 1e-6)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestPredictLegacyFieldName(t *testing.T) {
	router, _ := newTestRouter(t, &fakeRunner{scores: []float32{1, 0, 0}}, Options{}, CORSOptions{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "image", pngBytes(t)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPredictMissingFile(t *testing.T) {
	router, _ := newTestRouter(t, &fakeRunner{}, Options{}, CORSOptions{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "attachment", pngBytes(t)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var e HTTPError
	decodeBody(t, rec, &e)
	assert.Contains(t, e.Error, "'file'")
}

func TestPredictUnsupportedImage(t *testing.T) {
	runner := &fakeRunner{scores: []float32{1, 0, 0}}
	router, _ := newTestRouter(t, runner, Options{}, CORSOptions{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "file", []byte("%PDF-1.4 not an image")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, runner.calls)
}

func TestPredictWrongMethod(t *testing.T) {
	router, _ := newTestRouter(t, &fakeRunner{}, Options{}, CORSOptions{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/predict", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPredictModelFailure(t *testing.T) {
	router, _ := newTestRouter(t, &fakeRunner{err: errors.New("session crashed")}, Options{}, CORSOptions{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "file", pngBytes(t)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "session crashed")
}

func TestPredictIndexOutsideLabels(t *testing.T) {
	router, _ := newTestRouter(t, &fakeRunner{scores: []float32{0, 0, 0.1, 0.9}}, Options{}, CORSOptions{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "file", pngBytes(t)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestPredictUsesCache(t *testing.T) {
	runner := &fakeRunner{scores: []float32{0.9, 0.05, 0.05}}
	c := &memCache{entries: map[string]*model.Prediction{}}
	router, _ := newTestRouter(t, runner, Options{Cache: c, CacheNamespace: "test"}, CORSOptions{})

	data := pngBytes(t)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, uploadRequest(t, "file", data))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"class":"Algal Leaf in Tea","confidence":0.9}`, strings.TrimSpace(rec.Body.String()))
	}
	assert.Equal(t, 1, runner.calls)
	assert.Len(t, c.entries, 1)
}

func TestPredictCacheFailureStillPredicts(t *testing.T) {
	runner := &fakeRunner{scores: []float32{0.1, 0.2, 0.7}}
	c := &brokenCache{}
	router, _ := newTestRouter(t, runner, Options{Cache: c, CacheNamespace: "test"}, CORSOptions{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "file", pngBytes(t)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"class":"Apple Scab on Apple","confidence":0.7}`, strings.TrimSpace(rec.Body.String()))
	assert.Equal(t, 1, runner.calls)
	assert.Equal(t, 1, c.gets)
	assert.Equal(t, 1, c.sets)
}

func TestPredictTensor(t *testing.T) {
	runner := &fakeRunner{scores: []float32{0.2, 0.7, 0.1}}
	router, _ := newTestRouter(t, runner, Options{}, CORSOptions{})

	body, err := json.Marshal(model.PredictionRequest{Image: make([]float32, 8*8*3)})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/predict/tensor", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	var p model.Prediction
	decodeBody(t, rec, &p)
	assert.Equal(t, "Anthracnose in Mango", p.Class)
}

func TestPredictTensorBadInput(t *testing.T) {
	router, _ := newTestRouter(t, &fakeRunner{scores: []float32{1, 0, 0}}, Options{MaxUploadBytes: 64}, CORSOptions{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/predict/tensor", strings.NewReader(`{"image":[1,2]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Expected 192 values, got 2")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/predict/tensor", strings.NewReader(`{"image":`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	big := `{"image":[` + strings.Repeat("0,", 100) + `0]}`
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/predict/tensor", strings.NewReader(big)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCORS(t *testing.T) {
	router, _ := newTestRouter(t, &fakeRunner{}, Options{}, CORSOptions{
		Origins:          []string{"https://leafscan.example"},
		AllowCredentials: true,
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://leafscan.example")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, "https://leafscan.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/predict", nil)
	req.Header.Set("Origin", "https://leafscan.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Less(t, rec.Code, 300)
	assert.Equal(t, "https://leafscan.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSWildcardWithCredentials(t *testing.T) {
	router, _ := newTestRouter(t, &fakeRunner{}, Options{}, CORSOptions{
		Origins:          []string{"*"},
		AllowCredentials: true,
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodOptions, "/predict", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Less(t, rec.Code, 300)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORSWildcardWithoutCredentials(t *testing.T) {
	router, _ := newTestRouter(t, &fakeRunner{}, Options{}, CORSOptions{Origins: []string{"*"}})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestRequestIDPropagation(t *testing.T) {
	router, _ := newTestRouter(t, &fakeRunner{}, Options{}, CORSOptions{})

	id := "3f1c2a4e-8d9b-4c6f-a1e2-7b5d9c0e4f11"
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, id)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, id, rec.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "not a uuid\n")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.NotEqual(t, "not a uuid\n", rec.Header().Get(RequestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, &fakeRunner{scores: []float32{0, 0, 1}}, Options{}, CORSOptions{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "file", pngBytes(t)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `predictions_total{class="Apple Scab on Apple"} 1`)
	assert.Contains(t, body, `http_requests_total{method="POST",path="/predict",status="200"} 1`)
}
