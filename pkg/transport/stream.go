package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

const (
	// DefaultSendQueue is the number of frames buffered per connection before Send fails.
	DefaultSendQueue = 4096

	readBufferSize = 64 << 10
	maxBatchBytes  = 256 << 10
	writeTimeout   = 10 * time.Second
)

// streamConn frames messages over any net.Conn.
//
// One writer goroutine owns conn writes and coalesces queued frames into a
// single Write. One reader goroutine, started by Start, decodes frames and
// runs the handlers.
type streamConn struct {
	id   string
	conn net.Conn
	log  *zap.Logger

	props  Properties
	sendCh chan []byte
	done   chan struct{}

	mu       sync.Mutex
	handlers Handlers
	started  bool
	closed   bool
}

// NewStreamConn wraps c. queue <= 0 selects DefaultSendQueue.
func NewStreamConn(c net.Conn, log *zap.Logger, queue int) Conn {
	if log == nil {
		log = zap.NewNop()
	}
	if queue <= 0 {
		queue = DefaultSendQueue
	}
	s := &streamConn{
		id:     uuid.NewString(),
		conn:   c,
		sendCh: make(chan []byte, queue),
		done:   make(chan struct{}),
	}
	s.log = log.With(zap.String("conn", s.id), zap.String("remote", s.RemoteAddr()))
	go s.writeLoop()
	return s
}

func (s *streamConn) ID() string { return s.id }

func (s *streamConn) RemoteAddr() string {
	if a := s.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

func (s *streamConn) Properties() *Properties { return &s.props }

func (s *streamConn) String() string { return s.id + "@" + s.RemoteAddr() }

func (s *streamConn) Start(h Handlers) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.handlers = h.withDefaults()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		s.handlers.OnDisconnect()
		return
	}
	go s.readLoop()
}

func (s *streamConn) Send(frame []byte) error {
	buf, err := wire.AppendFrame(make([]byte, 0, 2+len(frame)), frame)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.sendCh <- buf:
		return nil
	case <-s.done:
		return ErrClosed
	default:
		// the peer is not draining; drop it rather than grow without bound
		s.log.Warn("send queue full, closing connection")
		s.Close()
		return ErrSendQueueFull
	}
}

func (s *streamConn) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	h := s.handlers
	s.mu.Unlock()

	close(s.done)
	err := s.conn.Close()
	if started {
		h.OnDisconnect()
	}
	return err
}

func (s *streamConn) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fail reports err unless the connection is already going away, then closes.
func (s *streamConn) fail(err error) {
	if !s.isClosed() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		s.mu.Lock()
		h := s.handlers
		started := s.started
		s.mu.Unlock()
		if started {
			h.OnError(err)
		} else {
			s.log.Warn("connection error before start", zap.Error(err))
		}
	}
	s.Close()
}

func (s *streamConn) readLoop() {
	buf := make([]byte, readBufferSize)
	var dec wire.Decoder
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			dec.Write(buf[:n])
			for {
				frame, ok := dec.Next()
				if !ok {
					break
				}
				s.handlers.OnMessage(frame)
			}
		}
		if err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *streamConn) writeLoop() {
	batch := make([]byte, 0, 4096)
	for {
		select {
		case <-s.done:
			return
		case buf := <-s.sendCh:
			batch = append(batch[:0], buf...)
		drain:
			for len(batch) < maxBatchBytes {
				select {
				case more := <-s.sendCh:
					batch = append(batch, more...)
				default:
					break drain
				}
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := s.conn.Write(batch); err != nil {
				s.fail(err)
				return
			}
		}
	}
}
