package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultDialTimeout bounds TCP.Dial when the context has no deadline.
const DefaultDialTimeout = 5 * time.Second

// TCP is a Connector over plain TCP.
type TCP struct {
	Log         *zap.Logger
	DialTimeout time.Duration
	SendQueue   int
}

// NewTCP returns a TCP connector with default settings.
func NewTCP(log *zap.Logger) *TCP {
	if log == nil {
		log = zap.NewNop()
	}
	return &TCP{Log: log.Named("transport"), DialTimeout: DefaultDialTimeout, SendQueue: DefaultSendQueue}
}

func (t *TCP) Dial(ctx context.Context, addr string) (Conn, error) {
	d := net.Dialer{Timeout: t.DialTimeout, KeepAlive: 30 * time.Second}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport dial %s: %w", addr, err)
	}
	return NewStreamConn(c, t.Log, t.SendQueue), nil
}

func (t *TCP) Listen(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport listen: %w", err)
	}
	return &tcpListener{ln: ln, log: t.Log, queue: t.SendQueue}, nil
}

type tcpListener struct {
	ln    net.Listener
	log   *zap.Logger
	queue int

	mu     sync.Mutex
	closed bool
}

func (l *tcpListener) Addr() string { return l.ln.Addr().String() }

func (l *tcpListener) Serve(handle func(Conn)) error {
	for {
		c, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				l.log.Warn("accept timeout", zap.Error(err))
				continue
			}
			return fmt.Errorf("transport accept: %w", err)
		}
		if l.isClosed() {
			c.Close()
			return nil
		}
		handle(NewStreamConn(c, l.log, l.queue))
	}
}

func (l *tcpListener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close stops accepting. Accepted connections stay open.
func (l *tcpListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.ln.Close()
}
