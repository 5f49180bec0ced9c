package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/grps-serving/grps/pkg/config"
	"github.com/grps-serving/grps/pkg/executor"
	"github.com/grps-serving/grps/pkg/grpslog"
	"github.com/grps-serving/grps/pkg/health"
	"github.com/grps-serving/grps/pkg/inferer"
	"github.com/grps-serving/grps/pkg/metrics"
	"github.com/grps-serving/grps/pkg/plugin"
	"github.com/grps-serving/grps/pkg/reqctx"
	"github.com/grps-serving/grps/pkg/wire"
)

// echoModel copies the request through unchanged.
type echoModel struct{}

func (echoModel) Init(_, _ string, _ map[string]any) error { return nil }
func (echoModel) Load() (bool, error)                      { return true, nil }
func (echoModel) Infer(req *wire.GrpsMessage, _ *reqctx.Context) (*wire.GrpsMessage, error) {
	return wire.Clone(req), nil
}
func (echoModel) BatchInfer(reqs []*wire.GrpsMessage, _ []*reqctx.Context) ([]*wire.GrpsMessage, error) {
	out := make([]*wire.GrpsMessage, len(reqs))
	for i, r := range reqs {
		out[i] = wire.Clone(r)
	}
	return out, nil
}

// streamModel emits two frames, the second final.
type streamModel struct{ echoModel }

func (streamModel) Infer(req *wire.GrpsMessage, ctx *reqctx.Context) (*wire.GrpsMessage, error) {
	ctx.StreamRespond("stream data 1", false)
	ctx.StreamRespond("stream data 2", true)
	return wire.Clone(req), nil
}

func testServer(t *testing.T, factory plugin.InfererFactory, cp *config.CustomizedPredictHTTP) *Server {
	t.Helper()

	reg := plugin.New()
	reg.RegisterInferer("echo", factory)

	infCfg := &config.InferenceConfig{
		Models: []config.ModelConfig{{
			Name:        "echo",
			Version:     "1.0.0",
			InfererType: config.InfererCustomized,
			InfererName: "echo",
		}},
		Pipeline: config.PipelineConfig{
			DAG:   config.DAGConfig{Type: "sequential"},
			Nodes: []config.NodeConfig{{Name: "node-0", Type: "model", Model: "echo-1.0.0"}},
		},
	}

	exec, err := executor.Build(infCfg, executor.Hooks{Registry: reg, MaxConcurrency: 4})
	require.NoError(t, err)
	t.Cleanup(exec.Stop)

	loaded := &config.Loaded{
		Inference:     *infCfg,
		InferenceText: "models:\n  - name: echo\n",
		ServerText:    "interface:\n  framework: http\n",
	}
	loggers := &grpslog.Loggers{Framework: slog.Default(), User: slog.Default()}
	iface := config.InterfaceConfig{Framework: config.FrameworkHTTP, CustomizedPredictHTTP: cp}

	return New(exec, loaded, loggers, metrics.New(0), nil, iface,
		16, semaphore.NewWeighted(4), &health.Latch{})
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestPredictJSONEcho(t *testing.T) {
	s := testServer(t, func() (inferer.UserInferer, error) { return echoModel{}, nil }, nil)
	h := s.Handler()

	w := postJSON(t, h, "/grps/v1/infer/predict", `{"str_data":"hello grps."}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp wire.GrpsMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "hello grps.", resp.StrData)
	require.NotNil(t, resp.Status)
	assert.Equal(t, int32(200), resp.Status.Code)
	assert.Equal(t, "OK", resp.Status.Msg)
	assert.Equal(t, wire.StatusSuccess, resp.Status.Status)
}

func TestPredictNdarraySugar(t *testing.T) {
	s := testServer(t, func() (inferer.UserInferer, error) { return echoModel{}, nil }, nil)
	h := s.Handler()

	w := postJSON(t, h, "/grps/v1/infer/predict?return-ndarray=true", `{"ndarray":[[1,2,3],[4,5,6]]}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp, "ndarray")
	assert.NotContains(t, resp, "gtensors")
	assert.Equal(t, []any{[]any{1.0, 2.0, 3.0}, []any{4.0, 5.0, 6.0}}, resp["ndarray"])
}

func TestPredictOctetStreamBody(t *testing.T) {
	s := testServer(t, func() (inferer.UserInferer, error) { return echoModel{}, nil }, nil)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodPost, "/grps/v1/infer/predict", bytes.NewReader([]byte{0x01, 0x02, 0x03}))
	req.Header.Set("Content-Type", "application/octet-stream")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, w.Body.Bytes())
}

func TestPredictContentTypeContract(t *testing.T) {
	s := testServer(t, func() (inferer.UserInferer, error) { return echoModel{}, nil }, nil)
	h := s.Handler()

	// bin_data inside JSON must be rejected.
	w := postJSON(t, h, "/grps/v1/infer/predict", `{"bin_data":"AAEC"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unrecognized top-level keys only.
	w = postJSON(t, h, "/grps/v1/infer/predict", `{"something_else":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unsupported content type.
	req := httptest.NewRequest(http.MethodPost, "/grps/v1/infer/predict", strings.NewReader("x"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamingAndReturnNdarrayConflict(t *testing.T) {
	s := testServer(t, func() (inferer.UserInferer, error) { return echoModel{}, nil }, nil)
	h := s.Handler()

	w := postJSON(t, h, "/grps/v1/infer/predict?streaming=true&return-ndarray=true", `{"str_data":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthLatch(t *testing.T) {
	s := testServer(t, func() (inferer.UserInferer, error) { return echoModel{}, nil }, nil)
	h := s.Handler()

	probe := func(path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusServiceUnavailable, probe("/grps/v1/health/ready"))
	assert.Equal(t, http.StatusOK, probe("/grps/v1/health/live"))

	assert.Equal(t, http.StatusOK, probe("/grps/v1/health/online"))
	assert.Equal(t, http.StatusOK, probe("/grps/v1/health/ready"))

	assert.Equal(t, http.StatusOK, probe("/grps/v1/health/offline"))
	assert.Equal(t, http.StatusServiceUnavailable, probe("/grps/v1/health/ready"))
}

func TestServerMetadataConcatenatesConfigTexts(t *testing.T) {
	s := testServer(t, func() (inferer.UserInferer, error) { return echoModel{}, nil }, nil)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/grps/v1/metadata/server", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body, _ := io.ReadAll(w.Body)
	assert.Equal(t, "models:\n  - name: echo\ninterface:\n  framework: http\n", string(body),
		"the two documents concatenate exactly, nothing inserted")
}

func TestModelMetadataLookup(t *testing.T) {
	s := testServer(t, func() (inferer.UserInferer, error) { return echoModel{}, nil }, nil)
	h := s.Handler()

	w := postJSON(t, h, "/grps/v1/metadata/model", `{"str_data":"echo-1.0.0"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "name: echo")
	assert.Contains(t, w.Body.String(), "inferer_type: customized",
		"descriptor keys must match the config document's snake_case")
	assert.Contains(t, w.Body.String(), "inferer_name: echo")

	w = postJSON(t, h, "/grps/v1/metadata/model", `{"str_data":"missing"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamingFrameOrder(t *testing.T) {
	s := testServer(t, func() (inferer.UserInferer, error) { return streamModel{}, nil }, nil)
	h := s.Handler()

	w := postJSON(t, h, "/grps/v1/infer/predict?streaming=true", `{"str_data":"hello grps."}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "stream data 1stream data 2", w.Body.String())
}

func TestMonitorSeriesEndpoint(t *testing.T) {
	s := testServer(t, func() (inferer.UserInferer, error) { return echoModel{}, nil }, nil)
	s.agg.Register(metrics.MetricQPS, metrics.KindInc)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/grps/v1/monitor/series?name="+strings.ReplaceAll(metrics.MetricQPS, "*", "%2A"), nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/grps/v1/monitor/series?name=nope", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCustomPredictPathAlias(t *testing.T) {
	cp := &config.CustomizedPredictHTTP{Path: "/custom/predict"}
	s := testServer(t, func() (inferer.UserInferer, error) { return echoModel{}, nil }, cp)
	h := s.Handler()

	w := postJSON(t, h, "/custom/predict", `{"str_data":"via alias"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp wire.GrpsMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "via alias", resp.StrData)
}

func TestMaxConnectionsRefusesExcess(t *testing.T) {
	s := testServer(t, func() (inferer.UserInferer, error) { return echoModel{}, nil }, nil)

	// Hold the whole gate, then probe: the next request must be refused,
	// not queued.
	require.True(t, s.connGate.TryAcquire(16))
	defer s.connGate.Release(16)

	req := httptest.NewRequest(http.MethodGet, "/grps/v1/health/live", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
