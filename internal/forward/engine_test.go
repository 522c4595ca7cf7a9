package forward

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(cfg EngineConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	engine := NewEngine(cfg, logger)
	router := gin.New()
	router.NoRoute(engine.Handle)
	return router
}

func TestEnginePassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(r.Method + ":" + r.URL.Path + ":" + string(body)))
	}))
	defer upstream.Close()

	router := newTestEngine(EngineConfig{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("PUT", "/?url="+url.QueryEscape(upstream.URL+"/echo"), strings.NewReader("payload"))
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "PUT:/echo:payload", w.Body.String())
	assert.Equal(t, "yes", w.Header().Get("X-Upstream"))
}

func TestEngineRewritesIdentityHeaders(t *testing.T) {
	var gotForwardedFor, gotRealIP string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotForwardedFor = r.Header.Get("X-Forwarded-For")
		gotRealIP = r.Header.Get("X-Real-IP")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	router := newTestEngine(EngineConfig{RotateIdentity: true})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/?url="+url.QueryEscape(upstream.URL), nil)
	req.Header.Set(OverrideHeader, "1.2.3.4, 5.6.7.8")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1.2.3.4, 5.6.7.8", gotForwardedFor)
	assert.Equal(t, "1.2.3.4", gotRealIP)
}

func TestEngineUnresolvableTarget(t *testing.T) {
	router := newTestEngine(EngineConfig{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/some/path", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "No target URL provided")
}

func TestEngineUpstreamUnreachable(t *testing.T) {
	// Reserve a port and close it so the connect fails fast.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := upstream.URL
	upstream.Close()

	router := newTestEngine(EngineConfig{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/?url="+url.QueryEscape(deadURL), nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestEngineUpstreamTimeout(t *testing.T) {
	block := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(block)

	router := newTestEngine(EngineConfig{UpstreamTimeout: 50 * time.Millisecond})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/?url="+url.QueryEscape(upstream.URL), nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestEngineClientCancelAbortsUpstream(t *testing.T) {
	upstreamDone := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		close(upstreamDone)
	}))
	defer upstream.Close()

	router := newTestEngine(EngineConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/?url="+url.QueryEscape(upstream.URL), nil).WithContext(ctx)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	router.ServeHTTP(w, req)

	select {
	case <-upstreamDone:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream call was not aborted on client cancel")
	}
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestEngineBlocksPrivateTargets(t *testing.T) {
	router := newTestEngine(EngineConfig{BlockPrivateTargets: true})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/?url="+url.QueryEscape("http://127.0.0.1:9/"), nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestEngineBaseTargetForm(t *testing.T) {
	var gotPath, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	router := newTestEngine(EngineConfig{BaseTargetURL: upstream.URL})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/a/b?q=1", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/a/b", gotPath)
	assert.Equal(t, "q=1", gotQuery)
}
