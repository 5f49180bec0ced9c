package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/grps-serving/grps/pkg/apperror"
	"github.com/grps-serving/grps/pkg/config"
	"github.com/grps-serving/grps/pkg/reqctx"
	"github.com/grps-serving/grps/pkg/tensor"
	"github.com/grps-serving/grps/pkg/wire"
)

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// parsedRequest bundles the decoded message with the raw JSON probe, which
// body_param streaming control needs to peek without re-reading the body.
type parsedRequest struct {
	msg   *wire.GrpsMessage
	probe map[string]json.RawMessage
}

// parseBody implements the predict content-type dispatch.
func parseBody(r *http.Request) (*parsedRequest, error) {
	contentType := r.Header.Get("Content-Type")
	base := contentType
	if i := strings.IndexByte(base, ';'); i >= 0 {
		base = base[:i]
	}
	base = strings.TrimSpace(base)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeBadRequest, "read request body")
	}

	switch {
	case base == "application/json":
		return parseJSONBody(body)
	case strings.HasPrefix(base, "application/octet-stream"):
		return &parsedRequest{msg: &wire.GrpsMessage{BinData: body}}, nil
	default:
		return nil, apperror.New(apperror.CodeBadRequest, "unsupported content type").WithDetails("content_type", contentType)
	}
}

func parseJSONBody(body []byte) (*parsedRequest, error) {
	if len(body) == 0 {
		return &parsedRequest{msg: &wire.GrpsMessage{}}, nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, apperror.Wrap(err, apperror.CodeBadRequest, "invalid json body")
	}

	if _, ok := probe["bin_data"]; ok {
		return nil, apperror.New(apperror.CodeBadRequest, "bin_data requires Content-Type: application/octet-stream")
	}

	_, hasStr := probe["str_data"]
	_, hasTensors := probe["gtensors"]
	_, hasMap := probe["gmap"]
	if hasStr || hasTensors || hasMap {
		var msg wire.GrpsMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, apperror.Wrap(err, apperror.CodeBadRequest, "invalid json body")
		}
		return &parsedRequest{msg: &msg, probe: probe}, nil
	}

	if raw, ok := probe["ndarray"]; ok {
		var nested any
		if err := json.Unmarshal(raw, &nested); err != nil {
			return nil, apperror.Wrap(err, apperror.CodeBadRequest, "invalid ndarray")
		}
		t, err := wire.NdarrayToTensor(nested)
		if err != nil {
			return nil, err
		}
		msg := &wire.GrpsMessage{GTensors: &wire.GenericTensorList{Tensors: []*tensor.GenericTensor{t}}}
		if raw, ok := probe["model"]; ok {
			_ = json.Unmarshal(raw, &msg.Model)
		}
		return &parsedRequest{msg: msg, probe: probe}, nil
	}

	return nil, apperror.New(apperror.CodeBadRequest, "request body recognizes none of str_data, gtensors, gmap, ndarray")
}

// streamingCtrl resolves which knob flags a streaming
// request, defaulting to query_param + "streaming" when the server config
// carries no customized_predict_http.streaming_ctrl block.
type streamingCtrl struct {
	mode config.StreamingCtrlMode
	key  string
}

func defaultStreamingCtrl() streamingCtrl {
	return streamingCtrl{mode: config.CtrlQueryParam, key: "streaming"}
}

func (s *Server) streamingCtrlFor(cp *config.CustomizedPredictHTTP) streamingCtrl {
	if cp == nil || cp.StreamingCtrl == nil {
		return defaultStreamingCtrl()
	}
	return streamingCtrl{mode: cp.StreamingCtrl.CtrlMode, key: cp.StreamingCtrl.CtrlKey}
}

func isStreaming(r *http.Request, probe map[string]json.RawMessage, ctrl streamingCtrl) bool {
	switch ctrl.mode {
	case config.CtrlHeaderParam:
		return truthy(r.Header.Get(ctrl.key))
	case config.CtrlBodyParam:
		if raw, ok := probe[ctrl.key]; ok {
			var v string
			if err := json.Unmarshal(raw, &v); err == nil {
				return truthy(v)
			}
			var b bool
			if err := json.Unmarshal(raw, &b); err == nil {
				return b
			}
		}
		return false
	default:
		return truthy(r.URL.Query().Get(ctrl.key))
	}
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	s.servePredict(w, r, nil)
}

// handleCustomPredict wires the user-configured alias path, which
// shares predict dispatch but resolves
// streaming control from its own config block, and — in customized_body
// mode — writes a streamed GrpsMessage's bin_data raw instead of as JSON.
func (s *Server) handleCustomPredict(cp *config.CustomizedPredictHTTP) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.servePredict(w, r, cp)
	}
}

func (s *Server) servePredict(w http.ResponseWriter, r *http.Request, cp *config.CustomizedPredictHTTP) {
	parsed, err := parseBody(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	msg := parsed.msg
	if msg.Model == "" {
		msg.Model = r.URL.Query().Get("model")
	}

	ctrl := s.streamingCtrlFor(cp)
	streaming := isStreaming(r, parsed.probe, ctrl)
	returnND := truthy(r.URL.Query().Get("return-ndarray"))
	if streaming && returnND {
		writeFailure(w, apperror.New(apperror.CodeBadRequest, "streaming and return-ndarray are mutually exclusive"))
		return
	}

	ctx := reqctx.New()
	ctx.SetUserData("request_id", uuid.NewString())

	customBody := cp != nil && cp.CustomizedBody
	if streaming {
		resContentType := "application/json"
		if cp != nil && cp.StreamingCtrl != nil && cp.StreamingCtrl.ResContentType != "" {
			resContentType = cp.StreamingCtrl.ResContentType
		}
		s.servePredictStreaming(w, r, msg, ctx, customBody, resContentType)
		return
	}

	out, err := s.dispatch(r, msg, ctx)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w, out, returnND)
}

// dispatch routes one request through the executor and records the
// predict-path metrics (*qps, *fail_rate(%), the latency triple, and
// *gpu_oom_count on OOM-flagged failures) for both the ring aggregator
// and Prometheus.
func (s *Server) dispatch(r *http.Request, msg *wire.GrpsMessage, ctx *reqctx.Context) (*wire.GrpsMessage, error) {
	if s.proc != nil {
		defer s.proc.TrackPredict(r.URL.Path)()
	}

	start := time.Now()
	var out *wire.GrpsMessage
	var err error
	if msg.Model != "" {
		out, err = s.executor.InferWithModelName(msg.Model, msg, ctx)
	} else {
		out, err = s.executor.Infer(msg, ctx)
	}
	duration := time.Since(start)
	s.agg.ObservePredict(duration, err)
	if s.proc != nil {
		s.proc.RecordPredict(msg.Model, err == nil, duration)
	}
	return out, err
}

func (s *Server) servePredictStreaming(w http.ResponseWriter, r *http.Request, msg *wire.GrpsMessage, ctx *reqctx.Context, customBody bool, contentType string) {
	ctx.StartHTTPStreamingGenerator()

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	done := make(chan error, 1)
	go func() {
		_, err := s.dispatch(r, msg, ctx)
		if err != nil {
			// A streaming failure becomes one terminal FAILURE frame.
			appErr := toAppError(err)
			ctx.HTTPStream().Push(&wire.GrpsMessage{Status: wire.Fail(appErr.RPCStatusCode(), appErr.Error())})
		}
		// The stream closes when user code sent final=true or, failing
		// that, when the pipeline returns.
		ctx.StopHTTPStreamingGenerator()
		done <- err
	}()

	for {
		item, ok := ctx.HTTPStream().Pop()
		if !ok {
			break
		}
		writeStreamFrame(w, item, customBody)
		if flusher != nil {
			flusher.Flush()
		}
	}
	<-done
}

func writeStreamFrame(w http.ResponseWriter, item any, customBody bool) {
	switch v := item.(type) {
	case []byte:
		_, _ = w.Write(v)
	case string:
		_, _ = w.Write([]byte(v))
	case *wire.GrpsMessage:
		if customBody && v.BinData != nil {
			_, _ = w.Write(v.BinData)
			return
		}
		_ = json.NewEncoder(w).Encode(v)
	default:
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeSuccess(w http.ResponseWriter, out *wire.GrpsMessage, returnND bool) {
	if out == nil {
		out = &wire.GrpsMessage{}
	}

	if returnND {
		if t := firstTensor(out); t != nil {
			if nested, ok := wire.TensorToNdarray(t); ok {
				writeJSON(w, http.StatusOK, map[string]any{"ndarray": nested})
				return
			}
		}
	}

	if out.BinData != nil {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out.BinData)
		return
	}

	out.Status = wire.OK()
	writeJSON(w, http.StatusOK, out)
}

func firstTensor(msg *wire.GrpsMessage) *tensor.GenericTensor {
	tensors := msg.Tensors()
	if len(tensors) == 0 {
		return nil
	}
	return tensors[0]
}

func writeFailure(w http.ResponseWriter, err error) {
	appErr := toAppError(err)
	msg := &wire.GrpsMessage{Status: wire.Fail(appErr.RPCStatusCode(), appErr.Error())}
	writeJSON(w, appErr.HTTPStatus(), msg)
}

func toAppError(err error) *apperror.Error {
	if appErr, ok := err.(*apperror.Error); ok {
		return appErr
	}
	return apperror.Wrap(err, apperror.CodeInternal, "predict failed")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
