package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"github.com/manpreetbhatti/presence/internal/logging"
	"github.com/manpreetbhatti/presence/internal/metrics"
	"github.com/manpreetbhatti/presence/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

var ErrSendBufferFull = errors.New("send buffer full")

// How long a closing session waits for the server to answer its close frame
var closeWait = writeWait

type SessionConfig struct {
	// Websocket endpoint, e.g. ws://localhost:8080/parties/default
	URL string

	// Handshake token, sent as the "from" query parameter
	Token string

	// Format the server broadcasts in
	Inbound protocol.Format

	// Format used for our own updates
	Outbound protocol.Format

	Store   StoreConfig
	Dialer  *websocket.Dialer
	Logger  hclog.Logger
	Metrics *metrics.Metrics
}

// Session drives a Store over one websocket connection.
type Session struct {
	conn  *websocket.Conn
	in    protocol.Codec
	out   protocol.Codec
	store *Store
	log   hclog.Logger

	send      chan protocol.Frame
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func Dial(ctx context.Context, cfg SessionConfig) (*Session, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if cfg.Token != "" {
		q := u.Query()
		q.Set("from", cfg.Token)
		u.RawQuery = q.Encode()
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}

	log := logging.OrNull(cfg.Logger)
	s := &Session{
		conn: conn,
		in:   protocol.NewCodec(cfg.Inbound),
		out:  protocol.NewCodec(cfg.Outbound),
		log:  log,
		send: make(chan protocol.Frame, sendBuffer),
		done: make(chan struct{}),
	}

	storeCfg := cfg.Store
	if storeCfg.Logger == nil {
		storeCfg.Logger = log
	}
	if storeCfg.Metrics == nil {
		storeCfg.Metrics = cfg.Metrics
	}
	s.store = NewStore(s.enqueue, storeCfg)

	go s.writeLoop()
	go s.readLoop()
	return s, nil
}

func (s *Session) Store() *Store {
	return s.store
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session ended, or nil while it is running or after
// a local Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *Session) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.store.Close()
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.conn.SetReadDeadline(time.Now().Add(closeWait))
		close(s.done)
	})
}

func (s *Session) enqueue(u protocol.Update) error {
	frame, err := s.out.EncodeUpdate(u)
	if err != nil {
		return err
	}
	select {
	case s.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (s *Session) readLoop() {
	defer s.conn.Close()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Warn("connection lost", "error", err)
			}
			s.shutdown(err)
			return
		}

		msg, err := s.in.DecodeServer(protocol.Frame{
			Binary: messageType == websocket.BinaryMessage,
			Data:   data,
		})
		if err != nil {
			s.log.Debug("ignoring undecodable message", "error", err)
			continue
		}
		s.store.Handle(msg)
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			messageType := websocket.TextMessage
			if frame.Binary {
				messageType = websocket.BinaryMessage
			}
			if err := s.conn.WriteMessage(messageType, frame.Data); err != nil {
				s.shutdown(err)
				s.conn.Close()
				return
			}

		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
