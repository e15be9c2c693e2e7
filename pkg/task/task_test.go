package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/torscan/pkg/directory"
	"github.com/opd-ai/torscan/pkg/logger"
	"github.com/opd-ai/torscan/pkg/socks"
)

func testLogger() *logger.Logger {
	return logger.New(slog.LevelDebug, io.Discard)
}

type fakeTask struct {
	name    string
	probeFn func(ctx context.Context, exit *directory.ExitCandidate, scope *socks.Scope) error
}

func (f *fakeTask) Name() string                                { return f.name }
func (f *fakeTask) Destinations() []directory.Destination        { return nil }
func (f *fakeTask) Probe(ctx context.Context, exit *directory.ExitCandidate, scope *socks.Scope) error {
	return f.probeFn(ctx, exit, scope)
}

func testExit() *directory.ExitCandidate {
	return &directory.ExitCandidate{Fingerprint: "AAAA", IP: net.ParseIP("1.2.3.4")}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register("noop", func() Task { return &fakeTask{name: "noop"} })

	factory, ok := r.Get("noop")
	if !ok {
		t.Fatal("Get() did not find registered task")
	}
	if factory().Name() != "noop" {
		t.Error("factory did not construct the expected task")
	}

	if _, ok := r.Get("missing"); ok {
		t.Error("Get() should fail for an unregistered name")
	}
}

func TestRegistryDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register("dup", func() Task { return &fakeTask{name: "dup"} })

	defer func() {
		if recover() == nil {
			t.Error("expected a panic on duplicate registration")
		}
	}()
	r.Register("dup", func() Task { return &fakeTask{name: "dup"} })
}

func TestRegistryNames(t *testing.T) {
	r := NewRegistry()
	r.Register("a", func() Task { return &fakeTask{name: "a"} })
	r.Register("b", func() Task { return &fakeTask{name: "b"} })

	names := r.Names()
	if len(names) != 2 {
		t.Fatalf("Names() returned %d entries, want 2", len(names))
	}
}

func TestRunSuccessDoesNotPanic(t *testing.T) {
	ft := &fakeTask{name: "ok", probeFn: func(context.Context, *directory.ExitCandidate, *socks.Scope) error {
		return nil
	}}
	Run(context.Background(), ft, testExit(), nil, time.Second, testLogger())
}

func TestRunErrorIsSwallowed(t *testing.T) {
	ft := &fakeTask{name: "fails", probeFn: func(context.Context, *directory.ExitCandidate, *socks.Scope) error {
		return errors.New("boom")
	}}
	Run(context.Background(), ft, testExit(), nil, time.Second, testLogger())
}

func TestRunPanicIsRecovered(t *testing.T) {
	ft := &fakeTask{name: "panics", probeFn: func(context.Context, *directory.ExitCandidate, *socks.Scope) error {
		panic("kaboom")
	}}
	Run(context.Background(), ft, testExit(), nil, time.Second, testLogger())
}

func TestRunRespectsDeadline(t *testing.T) {
	started := make(chan struct{})
	ft := &fakeTask{name: "slow", probeFn: func(ctx context.Context, exit *directory.ExitCandidate, scope *socks.Scope) error {
		close(started)
		<-ctx.Done()
		return fmt.Errorf("cancelled: %w", ctx.Err())
	}}

	done := make(chan struct{})
	go func() {
		Run(context.Background(), ft, testExit(), nil, 20*time.Millisecond, testLogger())
		close(done)
	}()

	<-started
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the task's deadline elapsed")
	}
}
