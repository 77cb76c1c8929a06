package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSetFiresOnlyOnChange(t *testing.T) {
	m := NewMonitor(false, zap.NewNop().Sugar())

	var got []bool
	unsubscribe := m.OnTransition(func(online bool) { got = append(got, online) })

	m.Set(false)
	m.Set(true)
	m.Set(true)
	m.Set(false)

	if len(got) != 2 || got[0] != true || got[1] != false {
		t.Errorf("Expected [true false], got %v", got)
	}

	unsubscribe()
	unsubscribe()
	m.Set(true)
	if len(got) != 2 {
		t.Errorf("Listener should not fire after unsubscribe, got %v", got)
	}
	if !m.Online() {
		t.Error("Expected monitor to be online")
	}
}

type fakePinger struct {
	mu  sync.Mutex
	err error
	n   int
}

func (p *fakePinger) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	return p.err
}

func (p *fakePinger) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func TestProbe(t *testing.T) {
	m := NewMonitor(true, zap.NewNop().Sugar())
	p := &fakePinger{err: errors.New("connection refused")}

	transitions := make(chan bool, 4)
	m.OnTransition(func(online bool) { transitions <- online })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Probe(ctx, p, 10*time.Millisecond)
		close(done)
	}()

	select {
	case online := <-transitions:
		if online {
			t.Fatal("Expected offline transition first")
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for offline transition")
	}

	p.setErr(nil)
	select {
	case online := <-transitions:
		if !online {
			t.Fatal("Expected online transition")
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for online transition")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Probe did not stop on cancel")
	}
}
