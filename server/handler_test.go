package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/krau/konacaption/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeCaptioner mimics service.Captioner: the prompt for empty input,
// otherwise a caption naming the image size.
type fakeCaptioner struct {
	mu   sync.Mutex
	err  error
	seen []service.Input
}

func (f *fakeCaptioner) Caption(_ context.Context, in service.Input) (string, error) {
	f.mu.Lock()
	f.seen = append(f.seen, in)
	f.mu.Unlock()
	if service.IsEmpty(in) {
		return service.EmptyInputPrompt, nil
	}
	if f.err != nil {
		return "", f.err
	}
	img, err := service.Normalize(in)
	if err != nil {
		return "", err
	}
	b := img.Bounds()
	if b.Dx() == b.Dy() {
		return "a square picture", nil
	}
	return "a wide picture", nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, imaging.New(w, h, color.NRGBA{R: 255, A: 255})))
	return buf.Bytes()
}

func multipartBody(t *testing.T, field string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		fw, err := mw.CreateFormFile(field, "upload.png")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	} else {
		require.NoError(t, mw.WriteField("note", "no file"))
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func doRequest(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeCaption(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var res service.CaptionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res.Caption
}

func TestCaptionHandler_Upload(t *testing.T) {
	for _, field := range []string{"file", "image"} {
		t.Run(field, func(t *testing.T) {
			srv := New(&fakeCaptioner{}, nil, Options{})
			body, ct := multipartBody(t, field, pngBytes(t, 100, 100))
			req := httptest.NewRequest(http.MethodPost, "/caption", body)
			req.Header.Set("Content-Type", ct)

			w := doRequest(srv.Router(), req)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "a square picture", decodeCaption(t, w))
			assert.NotEmpty(t, w.Header().Get(requestIDHeader))
		})
	}
}

func TestCaptionHandler_NoImageReturnsPrompt(t *testing.T) {
	srv := New(&fakeCaptioner{}, nil, Options{})

	body, ct := multipartBody(t, "", nil)
	req := httptest.NewRequest(http.MethodPost, "/caption", body)
	req.Header.Set("Content-Type", ct)
	w := doRequest(srv.Router(), req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Please upload an image or select an example.", decodeCaption(t, w))

	w = doRequest(srv.Router(), httptest.NewRequest(http.MethodPost, "/caption", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Please upload an image or select an example.", decodeCaption(t, w))
}

func TestCaptionHandler_CorruptImage(t *testing.T) {
	srv := New(&fakeCaptioner{}, nil, Options{})
	body, ct := multipartBody(t, "file", []byte("definitely not a png"))
	req := httptest.NewRequest(http.MethodPost, "/caption", body)
	req.Header.Set("Content-Type", ct)

	w := doRequest(srv.Router(), req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCaptionHandler_ImageTooLarge(t *testing.T) {
	fake := &fakeCaptioner{}
	srv := New(fake, nil, Options{MaxPixels: 10})
	body, ct := multipartBody(t, "file", pngBytes(t, 4, 4))
	req := httptest.NewRequest(http.MethodPost, "/caption", body)
	req.Header.Set("Content-Type", ct)

	w := doRequest(srv.Router(), req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "image too large")
	assert.Empty(t, fake.seen)
}

func TestCaptionHandler_ModelError(t *testing.T) {
	srv := New(&fakeCaptioner{err: errors.New("session run failed")}, nil, Options{})
	body, ct := multipartBody(t, "file", pngBytes(t, 4, 4))
	req := httptest.NewRequest(http.MethodPost, "/caption", body)
	req.Header.Set("Content-Type", ct)

	w := doRequest(srv.Router(), req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "caption failed")
}

func TestCaptionHandler_Auth(t *testing.T) {
	srv := New(&fakeCaptioner{}, nil, Options{Token: "s3cret"})
	router := srv.Router()

	newReq := func(auth string) *http.Request {
		body, ct := multipartBody(t, "file", pngBytes(t, 4, 4))
		req := httptest.NewRequest(http.MethodPost, "/caption", body)
		req.Header.Set("Content-Type", ct)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		return req
	}

	w := doRequest(router, newReq(""))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"authentication failed"}`, w.Body.String())
	assert.Equal(t, http.StatusUnauthorized, doRequest(router, newReq("Bearer wrong")).Code)
	assert.Equal(t, http.StatusOK, doRequest(router, newReq("Bearer s3cret")).Code)
}

func TestPixelsHandler(t *testing.T) {
	fake := &fakeCaptioner{}
	srv := New(fake, nil, Options{})
	router := srv.Router()

	cases := []struct {
		name string
		body string
		code int
		want string
	}{
		{"rgb square", `{"pixels": [[[255,0,0],[255,0,0]],[[255,0,0],[255,0,0]]]}`, http.StatusOK, "a square picture"},
		{"gray wide", `{"pixels": [[0, 10, 20]]}`, http.StatusOK, "a wide picture"},
		{"null", `{"pixels": null}`, http.StatusOK, service.EmptyInputPrompt},
		{"missing", `{}`, http.StatusOK, service.EmptyInputPrompt},
		{"empty", `{"pixels": []}`, http.StatusOK, service.EmptyInputPrompt},
		{"out of range", `{"pixels": [[256]]}`, http.StatusBadRequest, ""},
		{"fractional", `{"pixels": [[1.5]]}`, http.StatusBadRequest, ""},
		{"ragged", `{"pixels": [[1, 2], [3]]}`, http.StatusBadRequest, ""},
		{"ragged empty first row", `{"pixels": [[], [[1,2,3]]]}`, http.StatusBadRequest, ""},
		{"ragged empty first pixel", `{"pixels": [[[]], [[1,2,3]]]}`, http.StatusBadRequest, ""},
		{"empty rows", `{"pixels": [[], []]}`, http.StatusBadRequest, ""},
		{"two channels", `{"pixels": [[[1, 2]]]}`, http.StatusBadRequest, ""},
		{"not an array", `{"pixels": "abc"}`, http.StatusBadRequest, ""},
		{"bad json", `{`, http.StatusBadRequest, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/caption/pixels", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			w := doRequest(router, req)
			require.Equal(t, tc.code, w.Code, w.Body.String())
			if tc.code == http.StatusOK {
				assert.Equal(t, tc.want, decodeCaption(t, w))
			}
		})
	}
}

func TestParsePixels_Shape(t *testing.T) {
	raw, err := ParsePixels(json.RawMessage(`[[[1,2,3,4]],[[5,6,7,8]]]`))
	require.NoError(t, err)
	assert.Equal(t, service.RawPixels{Height: 2, Width: 1, Channels: 4, Data: []uint8{1, 2, 3, 4, 5, 6, 7, 8}}, raw)

	raw, err = ParsePixels(json.RawMessage(`[[1,2],[3,4]]`))
	require.NoError(t, err)
	assert.Equal(t, service.RawPixels{Height: 2, Width: 2, Channels: 1, Data: []uint8{1, 2, 3, 4}}, raw)

	for _, body := range []string{`[]`, `null`} {
		raw, err = ParsePixels(json.RawMessage(body))
		require.NoError(t, err, body)
		assert.Empty(t, raw.Data, body)
	}
	for _, body := range []string{`[[], [[1,2,3]]]`, `[[[1,2,3]], []]`, `[[]]`} {
		_, err = ParsePixels(json.RawMessage(body))
		assert.ErrorIs(t, err, errBadPixels, body)
	}
}

func writeExamples(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		data := []byte("not an image")
		if strings.HasSuffix(n, ".png") {
			data = pngBytes(t, 8, 4)
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), data, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.png"), 0o755))
	return dir
}

func TestScanExamples(t *testing.T) {
	dir := writeExamples(t, "b.png", "a.png", "notes.txt", "C.JPG")
	examples, err := ScanExamples(dir)
	require.NoError(t, err)

	names := make([]string, len(examples))
	for i, ex := range examples {
		names[i] = ex.Name
	}
	assert.Equal(t, []string{"C.JPG", "a.png", "b.png"}, names)

	examples, err = ScanExamples(filepath.Join(dir, "does-not-exist"))
	require.NoError(t, err)
	assert.Empty(t, examples)
}

func TestBuildGallery(t *testing.T) {
	dir := writeExamples(t, "a.png", "b.png")
	fake := &fakeCaptioner{}
	g, err := BuildGallery(context.Background(), dir, fake, 0)
	require.NoError(t, err)
	require.Len(t, g.List(), 2)
	assert.Len(t, fake.seen, 2)

	ex, ok := g.Get("a.png")
	require.True(t, ok)
	assert.Equal(t, "a wide picture", ex.Caption)

	_, ok = g.Get("missing.png")
	assert.False(t, ok)
}

func TestBuildGallery_FailsOnCorruptExample(t *testing.T) {
	dir := writeExamples(t, "a.png", "broken.jpg")
	_, err := BuildGallery(context.Background(), dir, &fakeCaptioner{}, 0)
	assert.Error(t, err)
}

func TestBuildGallery_RejectsOversizedExample(t *testing.T) {
	dir := writeExamples(t, "a.png")
	_, err := BuildGallery(context.Background(), dir, &fakeCaptioner{}, 16)
	assert.ErrorIs(t, err, service.ErrImageTooLarge)

	_, err = BuildGallery(context.Background(), dir, &fakeCaptioner{}, 32)
	assert.NoError(t, err)
}

func TestExampleHandlers(t *testing.T) {
	dir := writeExamples(t, "a.png")
	g, err := BuildGallery(context.Background(), dir, &fakeCaptioner{}, 0)
	require.NoError(t, err)
	router := New(&fakeCaptioner{}, g, Options{}).Router()

	w := doRequest(router, httptest.NewRequest(http.MethodGet, "/examples", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Examples []Example `json:"examples"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Examples, 1)
	assert.Equal(t, "a.png", list.Examples[0].Name)
	assert.Equal(t, "a wide picture", list.Examples[0].Caption)

	w = doRequest(router, httptest.NewRequest(http.MethodGet, "/examples/a.png", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "a wide picture")

	w = doRequest(router, httptest.NewRequest(http.MethodGet, "/examples/a.png/image", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, pngBytes(t, 8, 4), w.Body.Bytes())

	w = doRequest(router, httptest.NewRequest(http.MethodGet, "/examples/nope.png", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIndexAndHealth(t *testing.T) {
	dir := writeExamples(t, "a.png")
	g, err := BuildGallery(context.Background(), dir, &fakeCaptioner{}, 0)
	require.NoError(t, err)
	router := New(&fakeCaptioner{}, g, Options{Token: "x"}).Router()

	w := doRequest(router, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Image Caption Generator")
	assert.Contains(t, w.Body.String(), "Generate Caption")
	assert.Contains(t, w.Body.String(), "/examples/a.png/image")
	assert.Contains(t, w.Body.String(), `id="token"`)

	w = doRequest(router, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	srv := New(&fakeCaptioner{}, nil, Options{})
	router := srv.Router()

	req := httptest.NewRequest(http.MethodPost, "/caption/pixels", strings.NewReader(`{"pixels": [[1]]}`))
	req.Header.Set("Content-Type", "application/json")
	require.Equal(t, http.StatusOK, doRequest(router, req).Code)

	w := doRequest(router, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `konacaption_caption_total{source="pixels",status="ok"} 1`)
}

func TestRequestIDPropagates(t *testing.T) {
	router := New(&fakeCaptioner{}, nil, Options{}).Router()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	w := doRequest(router, req)
	assert.Equal(t, "abc-123", w.Header().Get(requestIDHeader))
}
