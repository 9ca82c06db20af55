package messaging

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

// Handler processes the body of one delivery and returns the reply body
type Handler interface {
	Handle(ctx context.Context, body []byte) ([]byte, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, body []byte) ([]byte, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, body []byte) ([]byte, error) {
	return f(ctx, body)
}

// TextHandlerFunc adapts a string-to-string function to Handler
type TextHandlerFunc func(ctx context.Context, body string) (string, error)

// Handle implements Handler
func (f TextHandlerFunc) Handle(ctx context.Context, body []byte) ([]byte, error) {
	result, err := f(ctx, string(body))
	if err != nil {
		return nil, err
	}
	return []byte(result), nil
}

type namedHandler struct {
	Handler
	name string
}

func (h namedHandler) Name() string {
	return h.name
}

// Named attaches a name to a handler for logs and metrics
func Named(name string, handler Handler) Handler {
	return namedHandler{Handler: handler, name: name}
}

// HandlerName returns the identity used when logging handler failures
func HandlerName(handler Handler) string {
	if named, ok := handler.(interface{ Name() string }); ok {
		return named.Name()
	}

	v := reflect.ValueOf(handler)
	if v.Kind() == reflect.Func && !v.IsNil() {
		if fn := runtime.FuncForPC(v.Pointer()); fn != nil {
			name := fn.Name()
			if i := strings.LastIndex(name, "/"); i >= 0 {
				name = name[i+1:]
			}
			return name
		}
	}

	return fmt.Sprintf("%T", handler)
}

// invokeHandler runs the handler, turning a panic into an error so that one
// bad message cannot bring the consume loop down
func invokeHandler(ctx context.Context, handler Handler, body []byte) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler.Handle(ctx, body)
}
