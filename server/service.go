package server

import (
	"context"
	"errors"
	"fmt"

	"connectrpc.com/connect"

	"github.com/chazu/versa/jit"
	"github.com/chazu/versa/jit/snapshot"
	"github.com/chazu/versa/vm"
)

// ServiceName is the fully qualified name of the introspection service.
const ServiceName = "versa.v1.JITService"

// Procedure paths, shared by the connect handlers and the gRPC descriptor.
const (
	GetStatsProcedure      = "/" + ServiceName + "/GetStats"
	ListBlocksProcedure    = "/" + ServiceName + "/ListBlocks"
	DisasmProcedure        = "/" + ServiceName + "/Disasm"
	InvalidateAllProcedure = "/" + ServiceName + "/InvalidateAll"
	SendProcedure          = "/" + ServiceName + "/Send"
)

type GetStatsRequest struct{}

type GetStatsResponse struct {
	Snapshot *snapshot.Snapshot `cbor:"snapshot"`
}

// ListBlocksRequest filters the block inventory. Method matches the
// "Class>>selector" name exactly; LiveOnly drops invalidated blocks.
type ListBlocksRequest struct {
	Method   string `cbor:"method,omitempty"`
	LiveOnly bool   `cbor:"live_only,omitempty"`
}

type ListBlocksResponse struct {
	Blocks []jit.BlockInfo `cbor:"blocks"`
}

type DisasmRequest struct {
	Block int `cbor:"block"`
}

type DisasmResponse struct {
	Text string `cbor:"text"`
}

type InvalidateAllRequest struct{}

type InvalidateAllResponse struct {
	// Retired is the number of blocks that were live before the call.
	Retired int `cbor:"retired"`
}

// SendRequest sends Selector to a new instance of Class with small
// integer arguments.
type SendRequest struct {
	Class    string  `cbor:"class"`
	Selector string  `cbor:"selector"`
	Args     []int64 `cbor:"args,omitempty"`
}

// SendResponse carries the printed result, or the runtime error the send
// raised.
type SendResponse struct {
	Result string `cbor:"result,omitempty"`
	Error  string `cbor:"error,omitempty"`
}

// jitService is the handler type of the gRPC descriptor.
type jitService interface {
	GetStats(context.Context, *GetStatsRequest) (*GetStatsResponse, error)
	ListBlocks(context.Context, *ListBlocksRequest) (*ListBlocksResponse, error)
	Disasm(context.Context, *DisasmRequest) (*DisasmResponse, error)
	InvalidateAll(context.Context, *InvalidateAllRequest) (*InvalidateAllResponse, error)
	Send(context.Context, *SendRequest) (*SendResponse, error)
}

// Service answers introspection requests about one engine. Engine
// queries are safe from any goroutine; sends run on the worker.
type Service struct {
	engine *jit.Engine
	worker *Worker
}

var _ jitService = (*Service)(nil)

// NewService creates a Service.
func NewService(engine *jit.Engine, worker *Worker) *Service {
	return &Service{engine: engine, worker: worker}
}

// GetStats returns a snapshot of the engine's counters and blocks.
func (s *Service) GetStats(ctx context.Context, req *GetStatsRequest) (*GetStatsResponse, error) {
	return &GetStatsResponse{Snapshot: snapshot.Capture(s.engine)}, nil
}

// ListBlocks returns the block inventory in compile order.
func (s *Service) ListBlocks(ctx context.Context, req *ListBlocksRequest) (*ListBlocksResponse, error) {
	all := s.engine.Blocks()
	blocks := make([]jit.BlockInfo, 0, len(all))
	for _, b := range all {
		if req.LiveOnly && b.Invalidated {
			continue
		}
		if req.Method != "" && b.Method != req.Method {
			continue
		}
		blocks = append(blocks, b)
	}
	return &ListBlocksResponse{Blocks: blocks}, nil
}

// Disasm lists the code of one block.
func (s *Service) Disasm(ctx context.Context, req *DisasmRequest) (*DisasmResponse, error) {
	if req.Block <= 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("block serial must be positive, got %d", req.Block))
	}
	text, err := s.engine.Disasm(req.Block)
	if errors.Is(err, jit.ErrUnknownBlock) {
		return nil, connect.NewError(connect.CodeNotFound, err)
	}
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return &DisasmResponse{Text: text}, nil
}

// InvalidateAll retires every compiled block.
func (s *Service) InvalidateAll(ctx context.Context, req *InvalidateAllRequest) (*InvalidateAllResponse, error) {
	live := 0
	for _, b := range s.engine.Blocks() {
		if !b.Invalidated {
			live++
		}
	}
	s.engine.InvalidateAll()
	log.Noticef("invalidated %d blocks on request", live)
	return &InvalidateAllResponse{Retired: live}, nil
}

// Send runs a message send on the worker.
func (s *Service) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	if req.Class == "" || req.Selector == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("class and selector are required"))
	}

	result, err := s.worker.Do(func(interp *vm.Interpreter) (any, error) {
		v := interp.VM()
		class := v.Classes.Lookup(req.Class)
		if class == nil {
			return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("no class %q", req.Class))
		}
		args := make([]vm.Value, len(req.Args))
		for i, a := range req.Args {
			arg, ok := vm.TryFromSmallInt(a)
			if !ok {
				return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("argument %d out of range: %d", i, a))
			}
			args[i] = arg
		}
		val, err := interp.Send(v.NewInstance(class), req.Selector, args...)
		if err != nil {
			return &SendResponse{Error: err.Error()}, nil
		}
		return &SendResponse{Result: v.Format(val)}, nil
	})
	if err != nil {
		var cerr *connect.Error
		if errors.As(err, &cerr) {
			return nil, cerr
		}
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return result.(*SendResponse), nil
}
