package transport

import (
	"errors"
	"testing"

	"github.com/hongjun500/mesh-go/internal/protocol"
)

func TestMiddlewareLatestRunsFirst(t *testing.T) {
	m := NewMiddlewareManager()
	var order []string
	for _, name := range []string{"A", "B", "C"} {
		name := name
		m.UseFunc(func(e *protocol.Envelope, next Next) error {
			order = append(order, name)
			return next()
		})
	}

	if err := m.Execute(protocol.NewNotification("x")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	// 后注册先执行
	if len(order) != 3 || order[0] != "C" || order[1] != "B" || order[2] != "A" {
		t.Fatalf("order = %v, want [C B A]", order)
	}
}

func TestMiddlewareGuards(t *testing.T) {
	m := NewMiddlewareManager()
	var hit []string

	// 守卫不命中时信封直接流向下一级
	m.Use(Interceptor{
		Match:  func(e *protocol.Envelope) bool { return e.IsRequest() },
		Handle: func(e *protocol.Envelope, next Next) error { hit = append(hit, "req"); return next() },
	})
	m.Use(Interceptor{
		Ignore: func(e *protocol.Envelope) bool { return e.Action == "skip" },
		Handle: func(e *protocol.Envelope, next Next) error { hit = append(hit, "any"); return next() },
	})

	if err := m.Execute(protocol.NewNotification("skip")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(hit) != 0 {
		t.Fatalf("guarded stages ran: %v", hit)
	}

	hit = nil
	if err := m.Execute(protocol.NewRequest("go")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(hit) != 2 || hit[0] != "any" || hit[1] != "req" {
		t.Fatalf("hit = %v", hit)
	}
}

func TestMiddlewareShortCircuit(t *testing.T) {
	m := NewMiddlewareManager()
	reached := false
	m.UseFunc(func(e *protocol.Envelope, next Next) error {
		reached = true
		return next()
	})
	m.UseFunc(func(e *protocol.Envelope, next Next) error {
		return errors.New("halt") // 不调 next，短路
	})

	if err := m.Execute(protocol.NewRequest("x")); err == nil {
		t.Fatalf("error must propagate out of the pipeline")
	}
	if reached {
		t.Fatalf("short-circuited stage must not run")
	}
}

func TestMiddlewareEmptyPipeline(t *testing.T) {
	m := NewMiddlewareManager()
	if err := m.Execute(protocol.NewRequest("x")); err != nil {
		t.Fatalf("empty pipeline must resolve: %v", err)
	}
}

func TestMiddlewareNilHandleIgnored(t *testing.T) {
	m := NewMiddlewareManager()
	m.Use(Interceptor{})
	if err := m.Execute(protocol.NewRequest("x")); err != nil {
		t.Fatalf("nil-handle interceptor must not register: %v", err)
	}
}
