package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberhost/crucible/internal/model"
	"github.com/emberhost/crucible/internal/substrate"
)

func TestWriteSSEData(t *testing.T) {
	rec := httptest.NewRecorder()
	writeSSEData(rec, "single line")
	assert.Equal(t, "data: single line\n\n", rec.Body.String())
}

func TestWriteSSEDataMultiline(t *testing.T) {
	rec := httptest.NewRecorder()
	writeSSEData(rec, "first\nsecond")
	assert.Equal(t, "data: first\ndata: second\n\n", rec.Body.String())
}

func TestWriteSSEEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	writeSSEEvent(rec, "done", "stream complete")
	assert.Equal(t, "event: done\ndata: stream complete\n\n", rec.Body.String())
}

// readSSE collects data payloads until the named event arrives or the body ends.
func readSSE(t *testing.T, body *bufio.Scanner, until string) []string {
	t.Helper()
	var data []string
	for body.Scan() {
		line := body.Text()
		if strings.HasPrefix(line, "event: ") && strings.TrimPrefix(line, "event: ") == until {
			return data
		}
		if after, ok := strings.CutPrefix(line, "data: "); ok {
			data = append(data, after)
		}
	}
	t.Fatalf("stream ended before %q event", until)
	return nil
}

func TestStreamLogsReplaysHistoryAndCompletes(t *testing.T) {
	h := newAPIHarness(t)
	h.sub.execFn = func(ctx context.Context, spec substrate.ExecSpec) (substrate.ExecResult, error) {
		spec.LogWriter("alpha")
		spec.LogWriter("beta")
		return substrate.ExecResult{ExitCode: 0}, nil
	}

	resp := h.postJSON(t, "/v1/executions", execBody())
	res := decodeBody[model.ExecutionResult](t, resp)

	// The run already finished, so the stream replays persisted lines and
	// closes with the done event.
	streamResp := h.get(t, "/v1/executions/"+res.RequestID+"/logs")
	defer streamResp.Body.Close()
	require.Equal(t, http.StatusOK, streamResp.StatusCode)
	assert.Equal(t, "text/event-stream", streamResp.Header.Get("Content-Type"))

	lines := readSSE(t, bufio.NewScanner(streamResp.Body), "done")
	assert.Equal(t, []string{"alpha", "beta"}, lines)
}

func TestStreamLogsLiveDelivery(t *testing.T) {
	gate := make(chan struct{})
	h := newAPIHarness(t)
	h.sub.execFn = func(ctx context.Context, spec substrate.ExecSpec) (substrate.ExecResult, error) {
		<-gate
		spec.LogWriter("live line")
		return substrate.ExecResult{ExitCode: 0}, nil
	}

	resp := h.postJSON(t, "/v1/executions/async", execBody())
	accepted := decodeBody[map[string]string](t, resp)

	streamResp := h.get(t, "/v1/executions/"+accepted["id"]+"/logs")
	defer streamResp.Body.Close()
	require.Equal(t, http.StatusOK, streamResp.StatusCode)

	close(gate)

	lines := readSSE(t, bufio.NewScanner(streamResp.Body), "done")
	assert.Contains(t, lines, "live line")
	h.engine.Wait()
}

func TestStreamLogsUnknownIs404(t *testing.T) {
	h := newAPIHarness(t)

	resp := h.get(t, "/v1/executions/no-such-id/logs")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
