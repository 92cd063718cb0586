package mesh

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hongjun500/mesh-go/internal/protocol"
	"github.com/hongjun500/mesh-go/internal/transport"
)

const testToken = "unit-secret"

// startMaster 在回环地址起一个主节点，关停挂到 t.Cleanup
func startMaster(t *testing.T) *Master {
	t.Helper()
	m := NewMaster(MasterOptions{Addr: "127.0.0.1:0", Token: testToken})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = m.Start(ctx) }()
	t.Cleanup(func() { m.Close(); cancel() })

	waitFor(t, "master listening", func() bool { return m.ListenAddr() != "" })
	return m
}

// dialBranch 拨号并等待绑定完成
func dialBranch(t *testing.T, b *Branch) {
	t.Helper()
	if err := b.Dial(context.Background()); err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(b.Close)
	waitFor(t, "branch online", func() bool {
		return b.Status() == transport.StatusOnline
	})
}

func waitFor(t *testing.T, what string, ok func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ok() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMeshBranchCallsMaster(t *testing.T) {
	m := startMaster(t)
	m.Handle("add", func(params []any) (any, error) {
		// JSON 数字落地为 float64
		a, _ := params[0].(float64)
		b, _ := params[1].(float64)
		return a + b, nil
	})

	b := NewBranch(BranchOptions{
		MasterAddr: m.ListenAddr(), Name: "calc-client", Token: testToken,
	})
	dialBranch(t, b)

	got, err := b.Call("add", time.Second, 2, 3)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if v, _ := got.(float64); v != 5 {
		t.Fatalf("add(2,3) = %v", got)
	}
	if b.ConnID() == "" {
		t.Fatalf("bind must assign a connection id")
	}
}

func TestMeshMasterCallsBranchByName(t *testing.T) {
	m := startMaster(t)

	b := NewBranch(BranchOptions{
		MasterAddr: m.ListenAddr(), Name: "echoer", Token: testToken,
	})
	b.Handle("echo", func(params []any) (any, error) {
		return params[0], nil
	})
	dialBranch(t, b)

	got, err := m.Call("echoer", "echo", time.Second, "ping")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got != "ping" {
		t.Fatalf("echo = %v", got)
	}

	// 未知逻辑名直接拒绝
	if _, err := m.Call("nobody", "echo", time.Second); !errors.Is(err, transport.ErrSocketNotActive) {
		t.Fatalf("want socket-not-active, got %v", err)
	}
}

func TestMeshActionNotExist(t *testing.T) {
	m := startMaster(t)
	b := NewBranch(BranchOptions{
		MasterAddr: m.ListenAddr(), Name: "lost", Token: testToken,
	})
	dialBranch(t, b)

	_, err := b.Call("no.such.action", time.Second)
	if err == nil {
		t.Fatalf("unknown action must fail")
	}
	if protocol.CodeOf(err) != protocol.CodeActionNotExist {
		t.Fatalf("code = %d, want action-not-exist", protocol.CodeOf(err))
	}
}

func TestMeshPublishFanout(t *testing.T) {
	m := startMaster(t)

	newSub := func(name string) (*Branch, chan string) {
		got := make(chan string, 4)
		b := NewBranch(BranchOptions{
			MasterAddr: m.ListenAddr(), Name: name, Token: testToken,
		})
		b.Subscribe("room.chat", func(e *protocol.Envelope) {
			got <- e.StringParam(0)
		})
		return b, got
	}

	pub, pubGot := newSub("publisher")
	sub1, got1 := newSub("listener-1")
	sub2, got2 := newSub("listener-2")
	outsider := NewBranch(BranchOptions{
		MasterAddr: m.ListenAddr(), Name: "outsider", Token: testToken,
	})
	outGot := make(chan string, 4)
	outsider.Subscribe("room.other", func(e *protocol.Envelope) {
		outGot <- e.StringParam(0)
	})

	for _, b := range []*Branch{pub, sub1, sub2, outsider} {
		dialBranch(t, b)
	}

	pub.Publish("room.chat", "hello room")

	for i, got := range []chan string{got1, got2} {
		select {
		case msg := <-got:
			if msg != "hello room" {
				t.Fatalf("listener %d got %q", i, msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("listener %d never received the publish", i)
		}
	}
	// 发起方与未订阅者都不应收到
	select {
	case msg := <-pubGot:
		t.Fatalf("publisher received its own publish: %q", msg)
	case msg := <-outGot:
		t.Fatalf("outsider received off-topic publish: %q", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMeshBranchToBranchForwarding(t *testing.T) {
	m := startMaster(t)

	worker := NewBranch(BranchOptions{
		MasterAddr: m.ListenAddr(), Name: "worker", Token: testToken,
	})
	worker.Handle("mul", func(params []any) (any, error) {
		a, _ := params[0].(float64)
		b, _ := params[1].(float64)
		return a * b, nil
	})
	dialBranch(t, worker)

	// worker 的动作登记为远端指针后才可被转发调用
	waitFor(t, "remote handler adopted", func() bool {
		reg, ok := m.responder.Handler("mul")
		return ok && !reg.IsLocal()
	})

	caller := NewBranch(BranchOptions{
		MasterAddr: m.ListenAddr(), Name: "caller", Token: testToken,
	})
	dialBranch(t, caller)

	got, err := caller.Call("mul", 2*time.Second, 6, 7)
	if err != nil {
		t.Fatalf("forwarded call: %v", err)
	}
	if v, _ := got.(float64); v != 42 {
		t.Fatalf("mul(6,7) = %v", got)
	}
}

func TestMeshRequestTimeoutResolvesOnce(t *testing.T) {
	m := startMaster(t)
	release := make(chan struct{})
	m.Handle("slow", func(params []any) (any, error) {
		<-release
		return "late", nil
	})

	b := NewBranch(BranchOptions{
		MasterAddr: m.ListenAddr(), Name: "impatient", Token: testToken,
	})
	dialBranch(t, b)

	var calls atomic.Int32
	errCh := make(chan *protocol.WireError, 2)
	if err := b.CallAsync("slow", 50*time.Millisecond, func(werr *protocol.WireError, body any) {
		calls.Add(1)
		errCh <- werr
	}); err != nil {
		t.Fatalf("call async: %v", err)
	}

	select {
	case werr := <-errCh:
		if werr == nil || werr.Code != protocol.CodeRequestTimeout {
			t.Fatalf("want request timeout, got %+v", werr)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout never fired")
	}

	// 迟到的应答不得二次结算
	close(release)
	time.Sleep(200 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("callback fired %d times, want exactly once", n)
	}
}

func TestMeshCallReturnsWhenLinkTornDown(t *testing.T) {
	m := startMaster(t)
	release := make(chan struct{})
	defer close(release)
	m.Handle("hold", func(params []any) (any, error) {
		<-release
		return nil, nil
	})

	b := NewBranch(BranchOptions{
		MasterAddr: m.ListenAddr(), Name: "hangup", Token: testToken,
	})
	dialBranch(t, b)

	// 调用在途时关闭分支，同步 Call 必须以错误返回而非永久阻塞
	go func() {
		time.Sleep(100 * time.Millisecond)
		b.Close()
	}()

	done := make(chan error, 1)
	go func() {
		_, err := b.Call("hold", 30*time.Second)
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("torn-down call must fail")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Call never returned after teardown")
	}
}

func TestMeshWrongTokenRejected(t *testing.T) {
	m := startMaster(t)
	b := NewBranch(BranchOptions{
		MasterAddr: m.ListenAddr(), Name: "intruder", Token: "wrong",
	})
	if err := b.Dial(context.Background()); err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(b.Close)

	// 鉴权失败后主节点拆链，分支侧落入 offline
	waitFor(t, "rejected branch offline", func() bool {
		return b.Status() == transport.StatusOffline
	})
	if b.ConnID() != "" {
		t.Fatalf("rejected branch must not get a connection id")
	}
	if len(m.Peers()) != 0 {
		t.Fatalf("rejected branch must not be registered: %v", m.Peers())
	}
}

func TestMeshRegisterAfterBind(t *testing.T) {
	m := startMaster(t)
	b := NewBranch(BranchOptions{
		MasterAddr: m.ListenAddr(), Name: "late-reg", Token: testToken,
	})
	dialBranch(t, b)

	// 绑定后新增的处理器通过 register 通知补充通告
	b.Handle("added.later", func(params []any) (any, error) { return "here", nil })
	waitFor(t, "late handler adopted", func() bool {
		_, ok := m.responder.Handler("added.later")
		return ok
	})

	got, err := m.Call("late-reg", "added.later", time.Second)
	if err != nil || got != "here" {
		t.Fatalf("late-registered action: got=%v err=%v", got, err)
	}
}

func TestMeshMasterBroadcast(t *testing.T) {
	m := startMaster(t)

	newListener := func(name string) (*Branch, chan struct{}) {
		got := make(chan struct{}, 2)
		b := NewBranch(BranchOptions{
			MasterAddr: m.ListenAddr(), Name: name, Token: testToken,
		})
		b.Subscribe("sys.notice", func(e *protocol.Envelope) {
			got <- struct{}{}
		})
		return b, got
	}
	b1, got1 := newListener("n1")
	b2, got2 := newListener("n2")
	dialBranch(t, b1)
	dialBranch(t, b2)

	if n := m.Broadcast("sys.notice", "maintenance"); n != 2 {
		t.Fatalf("broadcast reached %d peers, want 2", n)
	}
	for i, got := range []chan struct{}{got1, got2} {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatalf("peer %d never received the broadcast", i)
		}
	}
}
