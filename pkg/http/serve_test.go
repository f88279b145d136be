package xhttp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func serve(t *testing.T, e *Engine) *fasthttp.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = e.Serve(ln) }()
	t.Cleanup(func() { _ = e.Server.Shutdown() })
	return &fasthttp.Client{Dial: func(addr string) (net.Conn, error) { return ln.Dial() }}
}

func do(t *testing.T, c *fasthttp.Client, method, uri string, header map[string]string) *fasthttp.Response {
	t.Helper()
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.SetRequestURI("http://test" + uri)
	req.Header.SetMethod(method)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp := &fasthttp.Response{}
	require.NoError(t, c.DoTimeout(req, resp, 2*time.Second))
	return resp
}

func TestEngine_MiddlewareOrder(t *testing.T) {
	e := CreateServer()
	var order []string
	mark := func(name string) MiddlewareFunc {
		return func(next RequestHandler) RequestHandler {
			return func(ctx *RequestCtx) {
				order = append(order, name)
				next(ctx)
			}
		}
	}
	e.Use(mark("first"))
	e.Use(mark("second"))
	e.GET("/ping", func(ctx *RequestCtx) { ctx.SetBodyString("pong") })

	c := serve(t, e)
	resp := do(t, c, fasthttp.MethodGet, "/ping", nil)
	assert.Equal(t, StatusOK, resp.StatusCode())
	assert.Equal(t, "pong", string(resp.Body()))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestRequestIDMiddleware(t *testing.T) {
	e := CreateServer()
	e.Use(RequestIDMiddleware)
	var seen string
	e.GET("/ping", func(ctx *RequestCtx) { seen = RequestID(ctx) })

	c := serve(t, e)

	resp := do(t, c, fasthttp.MethodGet, "/ping", map[string]string{HeaderRequestID: "abc-123"})
	assert.Equal(t, "abc-123", string(resp.Header.Peek(HeaderRequestID)))
	assert.Equal(t, "abc-123", seen)

	resp = do(t, c, fasthttp.MethodGet, "/ping", nil)
	generated := string(resp.Header.Peek(HeaderRequestID))
	assert.Len(t, generated, 36)
	assert.Equal(t, generated, seen)
}

func TestDefaultRouter_Errors(t *testing.T) {
	e := CreateServer()
	e.POST("/events", func(ctx *RequestCtx) {})
	c := serve(t, e)

	resp := do(t, c, fasthttp.MethodGet, "/missing", nil)
	assert.Equal(t, StatusNotFound, resp.StatusCode())
	assert.JSONEq(t, `{"error":"Not Found"}`, string(resp.Body()))

	resp = do(t, c, fasthttp.MethodGet, "/events", nil)
	assert.Equal(t, StatusMethodNotAllowed, resp.StatusCode())
}

func TestRecoverMiddleware(t *testing.T) {
	e := CreateServer()
	e.Use(RecoverMiddleware)
	e.GET("/boom", func(ctx *RequestCtx) { panic("boom") })
	c := serve(t, e)

	resp := do(t, c, fasthttp.MethodGet, "/boom", nil)
	assert.Equal(t, StatusInternalServerError, resp.StatusCode())
}

func TestWithTimeouts(t *testing.T) {
	o := DefaultServerOption.WithTimeouts(1000, 0, 8192, 512)
	assert.Equal(t, time.Second, o.ReadTimeout)
	assert.Equal(t, DefaultServerOption.WriteTimeout, o.WriteTimeout)
	assert.Equal(t, 8192, o.ReadBufferSize)
	assert.Equal(t, DefaultServerOption.WriteBufferSize, o.WriteBufferSize, "tiny buffers are ignored")
}
