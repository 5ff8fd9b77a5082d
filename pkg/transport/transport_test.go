package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recorder struct {
	mu          sync.Mutex
	frames      []string
	errs        []error
	disconnects atomic.Int32
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnMessage: func(f []byte) {
			r.mu.Lock()
			r.frames = append(r.frames, string(f))
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnDisconnect: func() { r.disconnects.Add(1) },
	}
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

func TestPipeDeliversInOrder(t *testing.T) {
	a, b := Pipe(zaptest.NewLogger(t))
	defer a.Close()
	defer b.Close()

	var rb recorder
	a.Start(Handlers{})
	b.Start(rb.handlers())

	want := make([]string, 200)
	for i := range want {
		want[i] = fmt.Sprintf("msg-%03d", i)
		require.NoError(t, a.Send([]byte(want[i])))
	}

	require.Eventually(t, func() bool { return len(rb.got()) == len(want) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, rb.got())
}

func TestCloseFiresDisconnectOnceOnBothSides(t *testing.T) {
	a, b := Pipe(zaptest.NewLogger(t))
	var ra, rb recorder
	a.Start(ra.handlers())
	b.Start(rb.handlers())

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	require.Eventually(t, func() bool { return rb.disconnects.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), ra.disconnects.Load())
	assert.Empty(t, rb.errs, "EOF is not an error")

	assert.ErrorIs(t, a.Send([]byte("late")), ErrClosed)
}

func TestStartAfterCloseStillReportsDisconnect(t *testing.T) {
	a, b := Pipe(nil)
	defer b.Close()
	require.NoError(t, a.Close())

	var ra recorder
	a.Start(ra.handlers())
	assert.Equal(t, int32(1), ra.disconnects.Load())
}

func TestSendRejectsOversizedFrame(t *testing.T) {
	a, b := Pipe(nil)
	defer a.Close()
	defer b.Close()
	require.Error(t, a.Send(make([]byte, 70000)))
}

func TestTCPDialAndListen(t *testing.T) {
	log := zaptest.NewLogger(t)
	tcp := NewTCP(log)

	ln, err := tcp.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var server recorder
	accepted := make(chan Conn, 1)
	go ln.Serve(func(c Conn) {
		c.Start(server.handlers())
		accepted <- c
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := tcp.Dial(ctx, ln.Addr())
	require.NoError(t, err)
	client.Start(Handlers{})

	require.NoError(t, client.Send([]byte("hello")))
	require.Eventually(t, func() bool { return len(server.got()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"hello"}, server.got())

	sc := <-accepted
	assert.NotEqual(t, client.ID(), sc.ID())

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool { return server.disconnects.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestDialFailure(t *testing.T) {
	tcp := NewTCP(nil)
	ln, err := tcp.Listen("127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr()
	require.NoError(t, ln.Close())

	_, err = tcp.Dial(context.Background(), addr)
	require.Error(t, err)
}

func TestProperties(t *testing.T) {
	var p Properties
	_, ok := p.Get("k")
	assert.False(t, ok)

	calls := 0
	mk := func() any { calls++; return calls }
	assert.Equal(t, 1, p.LoadOrStore("k", mk))
	assert.Equal(t, 1, p.LoadOrStore("k", mk))
	assert.Equal(t, 1, calls)

	p.Set("k", "v")
	v, ok := p.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	p.Delete("k")
	_, ok = p.Get("k")
	assert.False(t, ok)
}
