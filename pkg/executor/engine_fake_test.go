package executor_test

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/casys-ai/pml/pkg/executor/engine"
)

// fakeRunContext is a minimal engine.RunContext double for exercising the
// interrupt.Controller signal plumbing without a real engine backend.
type fakeRunContext struct {
	chans map[string]*fakeSignalChan
}

func newFakeRunContext() *fakeRunContext {
	return &fakeRunContext{chans: map[string]*fakeSignalChan{}}
}

func (f *fakeRunContext) signal(payload any, name string) {
	f.SignalChannel(name).(*fakeSignalChan).ch <- payload
}

func (f *fakeRunContext) Context() context.Context { return context.Background() }
func (f *fakeRunContext) RunID() string            { return "fake-run" }
func (f *fakeRunContext) Now() time.Time           { return time.Now() }

func (f *fakeRunContext) ExecuteActivity(ctx context.Context, req engine.ActivityRequest, result any) error {
	return errors.New("not implemented in fake")
}

func (f *fakeRunContext) ExecuteActivityAsync(ctx context.Context, req engine.ActivityRequest) (engine.Future, error) {
	return nil, errors.New("not implemented in fake")
}

func (f *fakeRunContext) SignalChannel(name string) engine.SignalChannel {
	ch, ok := f.chans[name]
	if !ok {
		ch = &fakeSignalChan{ch: make(chan any, 4)}
		f.chans[name] = ch
	}
	return ch
}

type fakeSignalChan struct{ ch chan any }

func (s *fakeSignalChan) Receive(ctx context.Context, dest any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case v := <-s.ch:
		assign(dest, v)
		return nil
	}
}

func (s *fakeSignalChan) ReceiveAsync(dest any) bool {
	select {
	case v := <-s.ch:
		assign(dest, v)
		return true
	default:
		return false
	}
}

// assign mirrors the inmem engine's reflect-based result plumbing: every
// fake signal channel carries `any`, and the interrupt.Controller's typed
// Receive calls need the concrete payload copied into their destination
// pointer.
func assign(dest, v any) {
	if dest == nil || v == nil {
		return
	}
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Ptr || dv.IsNil() {
		return
	}
	sv := reflect.ValueOf(v)
	if sv.Type().AssignableTo(dv.Elem().Type()) {
		dv.Elem().Set(sv)
	}
}
