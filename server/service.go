package server

import (
	"context"
	"reflect"

	"github.com/pkg/errors"

	"github.com/andeya/lrcall/codec"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// RegisterService registers every exported method of rcvr that has one of
// the shapes
//
//	func (t *T) Method(ctx context.Context, args *A) (*R, error)
//	func (t *T) Method(args *A, reply *R) error
//
// as the operation "T.Method". Other methods are ignored.
func (s *Server) RegisterService(rcvr any) error {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Pointer || typ.Elem().Kind() != reflect.Struct {
		return errors.Errorf("server: receiver must be a pointer to a struct, got %T", rcvr)
	}
	return s.RegisterServiceName(typ.Elem().Name(), rcvr)
}

// RegisterServiceName is RegisterService with an explicit service name.
func (s *Server) RegisterServiceName(name string, rcvr any) error {
	rv := reflect.ValueOf(rcvr)
	typ := rv.Type()

	var ops []*Operation
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		if op := s.methodOperation(name, rv, m); op != nil {
			ops = append(ops, op)
		}
	}
	if len(ops) == 0 {
		return errors.Errorf("server: type %s has no exported methods of a suitable shape", typ)
	}
	for _, op := range ops {
		if err := s.AddOperation(op); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) methodOperation(service string, rcvr reflect.Value, m reflect.Method) *Operation {
	mt := m.Type
	fn := m.Func
	cdc := s.opts.payloadCodec
	name := service + "." + m.Name

	switch {
	// func (t *T) M(ctx, *A) (*R, error)
	case mt.NumIn() == 3 && mt.NumOut() == 2 && mt.In(1) == contextType &&
		mt.In(2).Kind() == reflect.Pointer && mt.Out(1) == errorType:
		argType := mt.In(2).Elem()
		return &Operation{
			Name:   name,
			Decode: decodeInto(cdc, argType),
			Handle: func(ctx context.Context, arg any) (any, error) {
				out := fn.Call([]reflect.Value{rcvr, reflect.ValueOf(ctx), reflect.ValueOf(arg)})
				if err, _ := out[1].Interface().(error); err != nil {
					return nil, err
				}
				return out[0].Interface(), nil
			},
			Encode: cdc.Encode,
		}

	// func (t *T) M(*A, *R) error
	case mt.NumIn() == 3 && mt.NumOut() == 1 && mt.Out(0) == errorType &&
		mt.In(1).Kind() == reflect.Pointer && mt.In(2).Kind() == reflect.Pointer:
		argType, replyType := mt.In(1).Elem(), mt.In(2).Elem()
		return &Operation{
			Name:   name,
			Decode: decodeInto(cdc, argType),
			Handle: func(_ context.Context, arg any) (any, error) {
				replyv := reflect.New(replyType)
				out := fn.Call([]reflect.Value{rcvr, reflect.ValueOf(arg), replyv})
				if err, _ := out[0].Interface().(error); err != nil {
					return nil, err
				}
				return replyv.Interface(), nil
			},
			Encode: cdc.Encode,
		}
	}
	return nil
}

func decodeInto(cdc codec.Codec, typ reflect.Type) func([]byte) (any, error) {
	return func(payload []byte) (any, error) {
		argv := reflect.New(typ)
		if err := cdc.Decode(payload, argv.Interface()); err != nil {
			return nil, err
		}
		return argv.Interface(), nil
	}
}
