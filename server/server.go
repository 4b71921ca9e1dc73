// Package server exposes a running engine's counters, block inventory and
// disassembly over connect (HTTP) and gRPC. Messages are CBOR encoded on
// both transports.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/chazu/versa/jit"
)

var log = commonlog.GetLogger("versa.server")

// Server is the introspection server wrapping an engine.
type Server struct {
	service *Service
	worker  *Worker
	mux     *http.ServeMux

	mu         sync.Mutex
	httpServer *http.Server
	grpcServer *grpc.Server
}

// Option configures a Server.
type Option func(*config)

type config struct {
	handlerOptions []connect.HandlerOption
}

// WithHandlerOptions adds options to every connect handler, such as
// interceptors.
func WithHandlerOptions(opts ...connect.HandlerOption) Option {
	return func(c *config) { c.handlerOptions = append(c.handlerOptions, opts...) }
}

// New creates a Server for e. It starts a worker on e's VM; workloads
// that should share it use Worker().Do.
func New(e *jit.Engine, opts ...Option) *Server {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	worker := NewWorker(e.VM())
	s := &Server{
		service: NewService(e, worker),
		worker:  worker,
		mux:     http.NewServeMux(),
	}

	hopts := append([]connect.HandlerOption{connect.WithCodec(Codec{})}, cfg.handlerOptions...)
	s.mux.Handle(GetStatsProcedure, connect.NewUnaryHandler(GetStatsProcedure, unary(s.service.GetStats), hopts...))
	s.mux.Handle(ListBlocksProcedure, connect.NewUnaryHandler(ListBlocksProcedure, unary(s.service.ListBlocks), hopts...))
	s.mux.Handle(DisasmProcedure, connect.NewUnaryHandler(DisasmProcedure, unary(s.service.Disasm), hopts...))
	s.mux.Handle(InvalidateAllProcedure, connect.NewUnaryHandler(InvalidateAllProcedure, unary(s.service.InvalidateAll), hopts...))
	s.mux.Handle(SendProcedure, connect.NewUnaryHandler(SendProcedure, unary(s.service.Send), hopts...))
	return s
}

// unary adapts a service method to a connect handler function.
func unary[Req, Res any](fn func(context.Context, *Req) (*Res, error)) func(context.Context, *connect.Request[Req]) (*connect.Response[Res], error) {
	return func(ctx context.Context, req *connect.Request[Req]) (*connect.Response[Res], error) {
		res, err := fn(ctx, req.Msg)
		if err != nil {
			return nil, err
		}
		return connect.NewResponse(res), nil
	}
}

// Handler returns the HTTP handler serving the connect procedures.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Service returns the service behind both transports.
func (s *Server) Service() *Service {
	return s.service
}

// Worker returns the worker that runs sends.
func (s *Server) Worker() *Worker {
	return s.worker
}

// RegisterGRPC registers the service on g.
func (s *Server) RegisterGRPC(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s.service)
}

// ListenAndServe serves connect requests on addr until Stop.
func (s *Server) ListenAndServe(addr string) error {
	s.mu.Lock()
	s.httpServer = &http.Server{Addr: addr, Handler: s.mux}
	hs := s.httpServer
	s.mu.Unlock()

	log.Noticef("introspection server listening on %s", addr)
	log.Infof("  connect: http://%s%s", addr, GetStatsProcedure)
	if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeGRPC serves gRPC requests on lis until Stop.
func (s *Server) ServeGRPC(lis net.Listener) error {
	g := grpc.NewServer()
	s.RegisterGRPC(g)
	s.mu.Lock()
	s.grpcServer = g
	s.mu.Unlock()

	log.Noticef("gRPC server listening on %s", lis.Addr())
	return g.Serve(lis)
}

// Stop shuts down the listeners and the worker.
func (s *Server) Stop() {
	s.mu.Lock()
	hs, g := s.httpServer, s.grpcServer
	s.mu.Unlock()
	if hs != nil {
		if err := hs.Shutdown(context.Background()); err != nil {
			log.Warningf("http shutdown: %s", err)
		}
	}
	if g != nil {
		g.GracefulStop()
	}
	s.worker.Stop()
}

// ---------------------------------------------------------------------------
// gRPC descriptor
// ---------------------------------------------------------------------------

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*jitService)(nil),
	Methods: []grpc.MethodDesc{
		grpcMethod("GetStats", jitService.GetStats),
		grpcMethod("ListBlocks", jitService.ListBlocks),
		grpcMethod("Disasm", jitService.Disasm),
		grpcMethod("InvalidateAll", jitService.InvalidateAll),
		grpcMethod("Send", jitService.Send),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "versa/v1/jit.cbor",
}

func grpcMethod[Req, Res any](name string, call func(jitService, context.Context, *Req) (*Res, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				res, err := call(srv.(jitService), ctx, req.(*Req))
				if err != nil {
					return nil, grpcError(err)
				}
				return res, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// grpcError converts a connect error to a gRPC status. The two protocols
// share code numbers.
func grpcError(err error) error {
	var cerr *connect.Error
	if errors.As(err, &cerr) {
		return status.Error(codes.Code(cerr.Code()), cerr.Message())
	}
	return status.Error(codes.Internal, err.Error())
}
