package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"klipz-media-go/internal/model"
	"klipz-media-go/internal/service"
	"klipz-media-go/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init("error", "console", "")
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// stubStreamService 按预置的会话、计划与内容回答 StreamService 的调用。
type stubStreamService struct {
	session *model.UploadSession
	getErr  error

	plan    service.RangePlan
	planErr error

	content   []byte
	streamErr error

	url    string
	urlErr error
}

func (s *stubStreamService) GetObject(string) (*model.UploadSession, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.session, nil
}

func (s *stubStreamService) PlanRange(*model.UploadSession, string) (service.RangePlan, error) {
	return s.plan, s.planErr
}

func (s *stubStreamService) Stream(_ context.Context, w io.Writer, _ *model.UploadSession, plan service.RangePlan) error {
	if s.streamErr != nil {
		return s.streamErr
	}
	_, err := w.Write(s.content[plan.Start : plan.End+1])
	return err
}

func (s *stubStreamService) PresignedURL(context.Context, *model.UploadSession) (string, error) {
	return s.url, s.urlErr
}

func newObjectRouter(stub *stubStreamService) *gin.Engine {
	h := NewObjectHandler(stub)
	r := gin.New()
	r.HEAD("/objects/:token", h.Head)
	r.GET("/objects/:token", h.Get)
	r.GET("/objects/:token/url", h.GetURL)
	return r
}

func streamingSession() *model.UploadSession {
	return &model.UploadSession{
		Token:       "tok",
		FileName:    "clip.mp4",
		MimeType:    "video/mp4",
		TotalSize:   25,
		ChunkSize:   10,
		TotalChunks: 3,
		Mode:        model.ModeStreaming,
		State:       model.StateCompleted,
	}
}

func TestHeadReportsObjectMetadata(t *testing.T) {
	stub := &stubStreamService{session: streamingSession()}
	r := newObjectRouter(stub)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodHead, "/objects/tok", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bytes", w.Header().Get("Accept-Ranges"))
	assert.Equal(t, "video/mp4", w.Header().Get("Content-Type"))
	assert.Equal(t, "25", w.Header().Get("Content-Length"))
}

func TestHeadUnknownObject(t *testing.T) {
	stub := &stubStreamService{getErr: model.ErrSessionNotFound}
	r := newObjectRouter(stub)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodHead, "/objects/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetFullObject(t *testing.T) {
	content := []byte("0123456789ABCDEFGHIJabcde")
	stub := &stubStreamService{
		session: streamingSession(),
		plan:    service.RangePlan{Partial: false, Start: 0, End: 24},
		content: content,
	}
	r := newObjectRouter(stub)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/objects/tok", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(content), w.Body.String())
	assert.Equal(t, "25", w.Header().Get("Content-Length"))
	assert.Equal(t, `inline; filename="clip.mp4"`, w.Header().Get("Content-Disposition"))
	assert.Empty(t, w.Header().Get("Content-Range"))
}

func TestGetPartialContent(t *testing.T) {
	content := []byte("0123456789ABCDEFGHIJabcde")
	stub := &stubStreamService{
		session: streamingSession(),
		plan:    service.RangePlan{Partial: true, Start: 15, End: 20},
		content: content,
	}
	r := newObjectRouter(stub)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/objects/tok", nil)
	req.Header.Set("Range", "bytes=15-20")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "FGHIJa", w.Body.String())
	assert.Equal(t, "bytes 15-20/25", w.Header().Get("Content-Range"))
	assert.Equal(t, "6", w.Header().Get("Content-Length"))
}

func TestGetDownloadDisposition(t *testing.T) {
	stub := &stubStreamService{
		session: streamingSession(),
		plan:    service.RangePlan{Partial: false, Start: 0, End: 24},
		content: []byte("0123456789ABCDEFGHIJabcde"),
	}
	r := newObjectRouter(stub)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/objects/tok?download=1", nil))
	assert.Equal(t, `attachment; filename="clip.mp4"`, w.Header().Get("Content-Disposition"))
}

func TestGetRangeNotSatisfiable(t *testing.T) {
	stub := &stubStreamService{
		session: streamingSession(),
		planErr: model.ErrRangeNotSatisfiable,
	}
	r := newObjectRouter(stub)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/objects/tok", nil)
	req.Header.Set("Range", "bytes=999-")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
	assert.Equal(t, "bytes */25", w.Header().Get("Content-Range"))
}

func TestGetCompactedRedirects(t *testing.T) {
	session := streamingSession()
	session.Mode = model.ModeCompacted
	session.ObjectKey = "objects/tok/clip.mp4"
	stub := &stubStreamService{
		session: session,
		url:     "https://minio.test/objects/tok/clip.mp4?X-Amz-Signature=stub",
	}
	r := newObjectRouter(stub)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/objects/tok", nil))

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, stub.url, w.Header().Get("Location"))
}

func TestGetCompactedFallsBackToStreamingOnPresignFailure(t *testing.T) {
	session := streamingSession()
	session.Mode = model.ModeCompacted
	session.ObjectKey = "objects/tok/clip.mp4"
	stub := &stubStreamService{
		session: session,
		urlErr:  assert.AnError,
		plan:    service.RangePlan{Partial: false, Start: 0, End: 24},
		content: []byte("0123456789ABCDEFGHIJabcde"),
	}
	r := newObjectRouter(stub)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/objects/tok", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0123456789ABCDEFGHIJabcde", w.Body.String())
}

func TestGetURLCompacted(t *testing.T) {
	session := streamingSession()
	session.Mode = model.ModeCompacted
	session.ObjectKey = "objects/tok/clip.mp4"
	stub := &stubStreamService{
		session: session,
		url:     "https://minio.test/objects/tok/clip.mp4?X-Amz-Signature=stub",
	}
	r := newObjectRouter(stub)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/objects/tok/url", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Code int `json:"code"`
		Data struct {
			URL      string `json:"url"`
			FileName string `json:"fileName"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, stub.url, resp.Data.URL)
	assert.Equal(t, "clip.mp4", resp.Data.FileName)
}

func TestGetURLStreamingFallsBackToStreamEndpoint(t *testing.T) {
	stub := &stubStreamService{session: streamingSession()}
	r := newObjectRouter(stub)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/objects/tok/url", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "/objects/tok?download=1", resp.Data.URL)
}
