package subscriber

import (
	"sort"
	"testing"
	"time"

	"github.com/hongjun500/mesh-go/internal/protocol"
)

func TestHubSubscribeEmit(t *testing.T) {
	h := NewHub()
	got := make(chan string, 4)
	h.Subscribe("news", func(e *protocol.Envelope) {
		got <- e.StringParam(0)
	})
	h.Subscribe("news", func(e *protocol.Envelope) {
		got <- e.StringParam(0)
	})

	h.Emit(protocol.NewPublish("news", "hello"))
	for i := 0; i < 2; i++ {
		select {
		case v := <-got:
			if v != "hello" {
				t.Fatalf("listener got %q", v)
			}
		case <-time.After(time.Second):
			t.Fatalf("listener %d never fired", i)
		}
	}

	// 无人订阅的主题静默丢弃
	h.Emit(protocol.NewPublish("other", "x"))
	select {
	case v := <-got:
		t.Fatalf("unexpected delivery: %q", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubCancel(t *testing.T) {
	h := NewHub()
	got := make(chan int, 4)
	cancel := h.Subscribe("t", func(e *protocol.Envelope) { got <- 1 })
	h.Subscribe("t", func(e *protocol.Envelope) { got <- 2 })

	cancel()
	cancel() // 重复取消为空操作

	h.Emit(protocol.NewNotification("t"))
	select {
	case v := <-got:
		if v != 2 {
			t.Fatalf("cancelled listener fired")
		}
	case <-time.After(time.Second):
		t.Fatalf("surviving listener never fired")
	}
	select {
	case <-got:
		t.Fatalf("cancelled listener fired late")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubTopics(t *testing.T) {
	h := NewHub()
	h.Subscribe("a", func(e *protocol.Envelope) {})
	cancel := h.Subscribe("b", func(e *protocol.Envelope) {})

	topics := h.Topics()
	sort.Strings(topics)
	if len(topics) != 2 || topics[0] != "a" || topics[1] != "b" {
		t.Fatalf("topics = %v", topics)
	}

	// 最后一个监听器取消后主题消失
	cancel()
	topics = h.Topics()
	if len(topics) != 1 || topics[0] != "a" {
		t.Fatalf("topics after cancel = %v", topics)
	}
}

func TestHubListenerPanicIsolated(t *testing.T) {
	h := NewHub()
	got := make(chan struct{}, 1)
	h.Subscribe("t", func(e *protocol.Envelope) { panic("bad listener") })
	h.Subscribe("t", func(e *protocol.Envelope) { got <- struct{}{} })

	h.Emit(protocol.NewNotification("t"))
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatalf("panicking listener must not block others")
	}
}
