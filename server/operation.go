package server

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"

	"github.com/andeya/lrcall/codec"
	"github.com/andeya/lrcall/message"
)

// Operation is one entry of the dispatch table: a name, a decoder for the
// serialized argument, the handler, and an encoder for its result.
type Operation struct {
	Name   string
	Decode func(payload []byte) (any, error)
	Handle func(ctx context.Context, arg any) (any, error)
	Encode func(result any) ([]byte, error)
}

// ErrDuplicateOperation is returned when an operation name is registered twice.
var ErrDuplicateOperation = errors.New("server: operation already registered")

// Register adds the typed operation name to s. Arguments and results are
// serialized with the server's payload codec (see WithPayloadCodec).
//
//	server.Register(s, "Arith.Add", func(ctx context.Context, args *Args) (*Reply, error) {
//		return &Reply{Result: args.A + args.B}, nil
//	})
func Register[Req, Resp any](s *Server, name string, h func(ctx context.Context, req Req) (Resp, error)) error {
	cdc := s.opts.payloadCodec
	return s.AddOperation(&Operation{
		Name: name,
		Decode: func(payload []byte) (any, error) {
			req, err := codec.Unmarshal[Req](cdc, payload)
			return req, err
		},
		Handle: func(ctx context.Context, arg any) (any, error) {
			return h(ctx, arg.(Req))
		},
		Encode: func(result any) ([]byte, error) {
			return cdc.Encode(result.(Resp))
		},
	})
}

// AddOperation adds op to the dispatch table.
func (s *Server) AddOperation(op *Operation) error {
	if op.Name == "" || op.Decode == nil || op.Handle == nil || op.Encode == nil {
		return errors.Errorf("server: incomplete operation %q", op.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[op.Name]; ok {
		return errors.Wrapf(ErrDuplicateOperation, "%q", op.Name)
	}
	s.ops[op.Name] = op
	return nil
}

// Services returns the service names of the registered operations, the
// part of each name before the first dot.
func (s *Server) Services() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var names []string
	for name := range s.ops {
		svc, _, _ := strings.Cut(name, ".")
		if !seen[svc] {
			seen[svc] = true
			names = append(names, svc)
		}
	}
	return names
}

// invoke is the innermost handler: look up the operation, decode, run,
// encode.
func (s *Server) invoke(ctx context.Context, req *message.Request) *message.Response {
	s.mu.RLock()
	op, ok := s.ops[req.Method]
	s.mu.RUnlock()
	if !ok {
		return message.ErrorResponse(req.ID, message.Errorf(codes.Unimplemented, "unknown operation %q", req.Method))
	}

	arg, err := op.Decode(req.Payload)
	if err != nil {
		return message.ErrorResponse(req.ID, message.Errorf(codes.InvalidArgument, "%s: decode argument: %v", req.Method, err))
	}
	result, err := op.Handle(ctx, arg)
	if err != nil {
		return message.ErrorResponse(req.ID, message.AsServerError(err))
	}
	payload, err := op.Encode(result)
	if err != nil {
		return message.ErrorResponse(req.ID, message.Errorf(codes.Internal, "%s: encode result: %v", req.Method, err))
	}
	return &message.Response{ID: req.ID, Payload: payload}
}
