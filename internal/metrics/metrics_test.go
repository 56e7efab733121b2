package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/nftsync/internal/logging"
)

func TestGetSingleton(t *testing.T) {
	assert.Same(t, Get(), Get())
}

func TestRecordCommand(t *testing.T) {
	r := Get()
	before := testutil.ToFloat64(r.Commands.WithLabelValues("FETCH", "error"))
	r.RecordCommand("FETCH", errors.New("boom"))
	assert.Equal(t, before+1, testutil.ToFloat64(r.Commands.WithLabelValues("FETCH", "error")))
}

func TestSessionClosed(t *testing.T) {
	r := Get()
	r.SessionsActive.Inc()
	active := testutil.ToFloat64(r.SessionsActive)
	total := testutil.ToFloat64(r.SessionsTotal.WithLabelValues("server", "ok"))

	r.SessionClosed("server", "ok")

	assert.Equal(t, active-1, testutil.ToFloat64(r.SessionsActive))
	assert.Equal(t, total+1, testutil.ToFloat64(r.SessionsTotal.WithLabelValues("server", "ok")))
}

func TestServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	extra := map[string]http.Handler{
		"/healthz": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "OK")
		}),
	}
	go func() { done <- serve(ctx, ln, logging.Discard(), extra) }()

	Get().ApplySkipped.Inc()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "nftsync_kernel_apply_skipped_total")

	resp, err = http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "OK", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
