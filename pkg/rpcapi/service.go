// Package rpcapi implements the RPC surface: the unary and server-streaming predict
// methods plus health and metadata, carried over gRPC with a JSON message
// codec and a hand-registered service descriptor.
package rpcapi

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
	"gopkg.in/yaml.v3"

	"github.com/grps-serving/grps/pkg/apperror"
	"github.com/grps-serving/grps/pkg/config"
	"github.com/grps-serving/grps/pkg/executor"
	"github.com/grps-serving/grps/pkg/grpslog"
	"github.com/grps-serving/grps/pkg/health"
	"github.com/grps-serving/grps/pkg/metrics"
	"github.com/grps-serving/grps/pkg/reqctx"
	"github.com/grps-serving/grps/pkg/wire"
)

// ServiceName is the fully-qualified gRPC service the descriptor
// registers; method paths are /grps.protos.GrpsService/<Method>.
const ServiceName = "grps.protos.GrpsService"

// Service implements the eight GrpsService methods. Failures are
// carried inside GrpsMessage.status rather than as transport errors, so a
// client always receives a well-formed message.
type Service struct {
	executor *executor.Executor
	loaded   *config.Loaded
	logger   *grpslog.Loggers
	agg      *metrics.Aggregator
	proc     *metrics.ProcMetrics
	ready    *health.Latch
	workers  *semaphore.Weighted
}

// NewService builds the RPC service. workers is the predict worker pool
// shared with the HTTP surface; ready is the shared readiness latch.
func NewService(exec *executor.Executor, loaded *config.Loaded, logger *grpslog.Loggers, agg *metrics.Aggregator, proc *metrics.ProcMetrics, ready *health.Latch, workers *semaphore.Weighted) *Service {
	if ready == nil {
		ready = &health.Latch{}
	}
	if workers == nil {
		workers = semaphore.NewWeighted(1)
	}
	return &Service{
		executor: exec,
		loaded:   loaded,
		logger:   logger,
		agg:      agg,
		proc:     proc,
		ready:    ready,
		workers:  workers,
	}
}

func failureOf(err error) *wire.GrpsStatus {
	appErr, ok := err.(*apperror.Error)
	if !ok {
		appErr = apperror.Wrap(err, apperror.CodeInternal, "predict failed")
	}
	return wire.Fail(appErr.RPCStatusCode(), appErr.Error())
}

func (s *Service) observe(start time.Time, model string, err error) {
	duration := time.Since(start)
	if s.agg != nil {
		s.agg.ObservePredict(duration, err)
	}
	if s.proc != nil {
		s.proc.RecordPredict(model, err == nil, duration)
	}
}

// Predict is the unary predict method: wrap the request in a fresh
// request context,
// hand it to the executor, stamp the status.
func (s *Service) Predict(ctx context.Context, req *wire.GrpsMessage) (*wire.GrpsMessage, error) {
	if err := s.workers.Acquire(ctx, 1); err != nil {
		return &wire.GrpsMessage{Status: failureOf(apperror.Wrap(err, apperror.CodeUnavailable, "cancelled waiting for a worker"))}, nil
	}
	defer s.workers.Release(1)
	if s.proc != nil {
		defer s.proc.TrackPredict("/" + ServiceName + "/Predict")()
	}

	rctx := reqctx.New()
	rctx.SetRPCContext(ctx)

	start := time.Now()
	var out *wire.GrpsMessage
	var err error
	if req.Model != "" {
		out, err = s.executor.InferWithModelName(req.Model, req, rctx)
	} else {
		out, err = s.executor.Infer(req, rctx)
	}
	s.observe(start, req.Model, err)

	if err != nil {
		s.logger.Framework.Error("rpc predict failed", "model", req.Model, "error", err)
		return &wire.GrpsMessage{Status: failureOf(err)}, nil
	}
	if out == nil {
		out = &wire.GrpsMessage{}
	}
	out.Status = wire.OK()
	return out, nil
}

// PredictStream is the server-stream response surface handed to user code
// frames; the concrete implementation wraps grpc.ServerStream.
type PredictStream interface {
	Context() context.Context
	Send(*wire.GrpsMessage) error
}

// PredictStreaming runs the pipeline while relaying the context's RPC
// streaming queue to the response stream, frame by frame, in push
// order. The executor terminates the queue on exit, so the relay loop
// always observes a terminator.
func (s *Service) PredictStreaming(req *wire.GrpsMessage, stream PredictStream) error {
	if err := s.workers.Acquire(stream.Context(), 1); err != nil {
		return apperror.ToGRPC(apperror.Wrap(err, apperror.CodeUnavailable, "cancelled waiting for a worker"))
	}
	defer s.workers.Release(1)
	if s.proc != nil {
		defer s.proc.TrackPredict("/" + ServiceName + "/PredictStreaming")()
	}

	rctx := reqctx.New()
	rctx.SetRPCContext(stream.Context())
	rctx.StartRPCStreamingGenerator()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		var err error
		if req.Model != "" {
			_, err = s.executor.InferWithModelName(req.Model, req, rctx)
		} else {
			_, err = s.executor.Infer(req, rctx)
		}
		done <- err
	}()

	// The executor terminates the stream queue on exit, so this relay
	// always drains to the terminator even when user code never pushed a
	// final frame.
	var sendErr error
	for {
		item, ok := rctx.RPCStream().Pop()
		if !ok {
			break
		}
		if sendErr != nil {
			continue // peer is gone; keep draining so the producer finishes
		}
		sendErr = stream.Send(frameToMessage(item))
	}
	err := <-done
	s.observe(start, req.Model, err)

	if err != nil {
		// A streaming failure is delivered as one terminal FAILURE
		// frame, then the stream closes.
		if sendErr == nil {
			sendErr = stream.Send(&wire.GrpsMessage{Status: failureOf(err)})
		}
		s.logger.Framework.Error("rpc streaming predict failed", "model", req.Model, "error", err)
	}
	return sendErr
}

// frameToMessage normalizes what user code pushed through StreamRespond
// into one wire message per frame.
func frameToMessage(item any) *wire.GrpsMessage {
	switch v := item.(type) {
	case *wire.GrpsMessage:
		return v
	case string:
		return &wire.GrpsMessage{StrData: v}
	case []byte:
		return &wire.GrpsMessage{BinData: v}
	default:
		return &wire.GrpsMessage{}
	}
}

// Online flips the readiness latch on.
func (s *Service) Online(_ context.Context, _ *wire.GrpsMessage) (*wire.GrpsMessage, error) {
	s.ready.Online()
	return &wire.GrpsMessage{Status: wire.OK()}, nil
}

// Offline flips the readiness latch off.
func (s *Service) Offline(_ context.Context, _ *wire.GrpsMessage) (*wire.GrpsMessage, error) {
	s.ready.Offline()
	return &wire.GrpsMessage{Status: wire.OK()}, nil
}

// CheckLiveness always succeeds while the process runs.
func (s *Service) CheckLiveness(_ context.Context, _ *wire.GrpsMessage) (*wire.GrpsMessage, error) {
	return &wire.GrpsMessage{Status: wire.OK()}, nil
}

// CheckReadiness gates on the latch: {OK, SUCCESS} when online, else
// {403, "Service Unavailable", FAILURE}.
func (s *Service) CheckReadiness(_ context.Context, _ *wire.GrpsMessage) (*wire.GrpsMessage, error) {
	if s.ready.Ready() {
		return &wire.GrpsMessage{Status: wire.OK()}, nil
	}
	return &wire.GrpsMessage{Status: wire.Fail(403, "Service Unavailable")}, nil
}

// ServerMetadata returns the two configuration texts concatenated
// exactly, matching /metadata/server.
func (s *Service) ServerMetadata(_ context.Context, _ *wire.GrpsMessage) (*wire.GrpsMessage, error) {
	return &wire.GrpsMessage{
		Status:  wire.OK(),
		StrData: s.loaded.InferenceText + s.loaded.ServerText,
	}, nil
}

// ModelMetadata renders one model's descriptor as text, looked up by the
// name carried in str_data.
func (s *Service) ModelMetadata(_ context.Context, req *wire.GrpsMessage) (*wire.GrpsMessage, error) {
	for _, m := range s.loaded.Inference.Models {
		if m.Key() == req.StrData || m.Name == req.StrData {
			out, err := yaml.Marshal(m)
			if err != nil {
				return &wire.GrpsMessage{Status: failureOf(apperror.Wrap(err, apperror.CodeInternal, "render model descriptor"))}, nil
			}
			return &wire.GrpsMessage{Status: wire.OK(), StrData: string(out)}, nil
		}
	}
	return &wire.GrpsMessage{Status: wire.Fail(404, "model not found: "+req.StrData)}, nil
}

type predictStreamingServer struct {
	grpc.ServerStream
}

func (s *predictStreamingServer) Send(m *wire.GrpsMessage) error {
	return s.ServerStream.SendMsg(m)
}
