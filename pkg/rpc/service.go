package rpc

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"unicode"
	"unicode/utf8"

	"github.com/morezero/sockr/pkg/commsutil"
)

// MethodFunc is the normalized form every service method is invoked through.
type MethodFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Methods is a handler made of explicit method functions, keyed by wire name.
type Methods map[string]MethodFunc

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Service is a registered handler with its method set and hooks.
type Service struct {
	HookRegistry

	name    string
	handler any
	names   []string
	methods map[string]MethodFunc
}

// Name returns the registration name.
func (s *Service) Name() string { return s.name }

// Handler returns the exact value passed to Use.
func (s *Service) Handler() any { return s.handler }

// Methods returns the method names in registration order.
func (s *Service) Methods() []string {
	return append([]string(nil), s.names...)
}

// Has reports whether method is part of the service.
func (s *Service) Has(method string) bool {
	_, ok := s.methods[method]
	return ok
}

func (s *Service) invoke(ctx context.Context, method string, params json.RawMessage) (any, error) {
	return s.methods[method](ctx, params)
}

// Call invokes method directly with params, bypassing hooks. params may be
// nil, a json.RawMessage or any value that encodes to JSON.
func (s *Service) Call(ctx context.Context, method string, params any) (any, error) {
	if !s.Has(method) {
		return nil, NewError(NameMethodNotFound, 404, "Method %s not found in service %s", method, s.name)
	}
	var raw json.RawMessage
	switch p := params.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		data, err := commsutil.EncodePayload(p)
		if err != nil {
			return nil, validationError("Invalid params for method " + method + ".")
		}
		raw = data
	}
	return s.invoke(ctx, method, raw)
}

// newService validates handler against the method list and builds invokers.
func newService(name string, handler any, methods []string) (*Service, error) {
	if name == "" {
		return nil, registrationError("A service name is required.")
	}
	if handler == nil {
		return nil, registrationError("The service %s has no handler.", name)
	}
	if len(methods) == 0 {
		return nil, registrationError("No instance methods found.")
	}

	svc := &Service{
		name:    name,
		handler: handler,
		methods: make(map[string]MethodFunc, len(methods)),
	}

	explicit, isMethods := handler.(Methods)
	hv := reflect.ValueOf(handler)
	for _, m := range methods {
		if _, dup := svc.methods[m]; dup {
			continue
		}
		var fn MethodFunc
		if isMethods {
			fn = explicit[m]
		} else if mv := hv.MethodByName(exportName(m)); mv.IsValid() {
			var ok bool
			fn, ok = buildInvoker(m, mv)
			if !ok {
				return nil, registrationError("The service method %s has an unsupported signature.", m)
			}
		}
		if fn == nil {
			return nil, registrationError("The service does not contain a %s method.", m)
		}
		svc.methods[m] = fn
		svc.names = append(svc.names, m)
	}
	return svc, nil
}

// DiscoverMethods lists the wire names of handler methods with a supported
// signature, sorted. It does not register anything.
func DiscoverMethods(handler any) []string {
	var out []string
	if explicit, ok := handler.(Methods); ok {
		for name, fn := range explicit {
			if fn != nil {
				out = append(out, name)
			}
		}
		sort.Strings(out)
		return out
	}
	if handler == nil {
		return nil
	}
	hv := reflect.ValueOf(handler)
	ht := hv.Type()
	for i := 0; i < ht.NumMethod(); i++ {
		name := ht.Method(i).Name
		if _, ok := buildInvoker(name, hv.Method(i)); ok {
			out = append(out, wireName(name))
		}
	}
	sort.Strings(out)
	return out
}

// buildInvoker adapts a method of shape func(ctx[, P]) (R, error) or
// func(ctx[, P]) error.
func buildInvoker(method string, mv reflect.Value) (MethodFunc, bool) {
	t := mv.Type()
	if t.NumIn() < 1 || t.NumIn() > 2 || t.In(0) != contextType || t.IsVariadic() {
		return nil, false
	}
	switch t.NumOut() {
	case 1:
		if t.Out(0) != errorType {
			return nil, false
		}
	case 2:
		if t.Out(1) != errorType {
			return nil, false
		}
	default:
		return nil, false
	}

	var paramType reflect.Type
	if t.NumIn() == 2 {
		paramType = t.In(1)
	}

	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		args := []reflect.Value{reflect.ValueOf(ctx)}
		if paramType != nil {
			pv := reflect.New(paramType)
			if len(raw) > 0 && string(raw) != "null" {
				if err := commsutil.DecodePayload(raw, pv.Interface()); err != nil {
					return nil, &Error{Name: NameValidation, Code: 400, Message: "Invalid params for method " + method + ".", Err: err}
				}
			}
			args = append(args, pv.Elem())
		}

		out := mv.Call(args)
		if errv := out[len(out)-1]; !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
		if len(out) == 1 {
			return nil, nil
		}
		return resultValue(out[0]), nil
	}, true
}

// resultValue maps nil pointers and interfaces to "no data". A nil slice is
// still data and is sent as an empty array.
func resultValue(v reflect.Value) any {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Func, reflect.Chan:
		if v.IsNil() {
			return nil
		}
	case reflect.Slice:
		if v.IsNil() {
			return reflect.MakeSlice(v.Type(), 0, 0).Interface()
		}
	}
	return v.Interface()
}

func exportName(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[n:]
}

func wireName(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToLower(r)) + s[n:]
}
