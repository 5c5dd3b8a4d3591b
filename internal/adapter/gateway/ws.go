package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/liuyngchng/my-mcp/internal/domain"
)

const (
	wsSendBuffer   = 64
	wsWriteTimeout = 5 * time.Second
	wsReadLimit    = 1 << 20
)

// clientConn tracks a single WebSocket connection.
type clientConn struct {
	ws        *websocket.Conn
	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	unsubs []func()
}

func (cc *clientConn) shutdown(reason string) {
	cc.closeOnce.Do(func() {
		close(cc.done)
		cc.mu.Lock()
		for _, u := range cc.unsubs {
			u()
		}
		cc.unsubs = nil
		cc.mu.Unlock()
		cc.ws.Close(websocket.StatusGoingAway, reason)
	})
}

// send queues f, waiting while the queue is full. It reports false once
// the connection is gone.
func (cc *clientConn) send(f Frame) bool {
	select {
	case cc.sendCh <- f:
		return true
	case <-cc.done:
		return false
	}
}

// trySend queues f unless the client is too slow to keep up.
func (cc *clientConn) trySend(f Frame) bool {
	select {
	case cc.sendCh <- f:
		return true
	default:
		return false
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	origins := append([]string{
		"localhost", "localhost:*",
		"127.0.0.1", "127.0.0.1:*",
		"[::1]", "[::1]:*",
	}, s.cfg.AllowedOrigins...)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: origins})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(wsReadLimit)

	connID := s.nextID.Add(1)
	cc := &clientConn{
		ws:     ws,
		sendCh: make(chan Frame, wsSendBuffer),
		done:   make(chan struct{}),
	}
	s.clients.Store(connID, cc)
	s.logger.Info("gateway client connected", "conn_id", connID, "remote", r.RemoteAddr)

	// Runs started by this connection outlive the upgrade request but not
	// the connection.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	go func() {
		<-cc.done
		cancel()
	}()

	go s.writeLoop(cc)
	s.readLoop(ctx, cc)

	cc.shutdown("")
	s.clients.Delete(connID)
	s.logger.Info("gateway client disconnected", "conn_id", connID)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		_, data, err := cc.ws.Read(ctx)
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			cc.send(Frame{
				Type:  FrameTypeError,
				Error: fmt.Sprintf("%v: %v", domain.ErrRPCInvalidPayload, err),
				Code:  domain.CodeRPCInvalidPayload,
			})
			continue
		}

		switch frame.kind() {
		case FrameTypeAsk:
			go s.serveAsk(ctx, cc, frame)
		case FrameTypeObserve:
			s.serveObserve(cc, frame)
		default:
			cc.send(Frame{
				Type:  FrameTypeError,
				ID:    frame.ID,
				Error: domain.ErrRPCMethodNotFound.Error(),
				Code:  domain.CodeRPCMethodNotFound,
			})
		}
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				cc.shutdown("write failed")
				return
			}
		}
	}
}

// serveAsk streams the events of a new run back to the asking client.
func (s *Server) serveAsk(ctx context.Context, cc *clientConn, req Frame) {
	if req.Question == "" {
		cc.send(Frame{Type: FrameTypeError, ID: req.ID, Error: "missing question", Code: domain.CodeInvalidInput})
		return
	}
	for ev := range s.deps.Runner.Stream(ctx, req.Question) {
		if !cc.send(Frame{Type: FrameTypeStream, ID: req.ID, RunID: ev.RunID, Event: &ev}) {
			return
		}
	}
	cc.send(Frame{Type: FrameTypeDone, ID: req.ID})
}

// serveObserve forwards bus events of one run until it completes or fails.
// Observers that fall behind lose events rather than stall the run.
func (s *Server) serveObserve(cc *clientConn, req Frame) {
	if s.deps.Observer == nil || req.RunID == "" {
		cc.send(Frame{Type: FrameTypeError, ID: req.ID, Error: "observe needs run_id", Code: domain.CodeInvalidInput})
		return
	}

	var (
		once  sync.Once
		unsub func()
		ready = make(chan struct{})
	)
	finish := func() {
		once.Do(func() {
			<-ready
			unsub()
			cc.trySend(Frame{Type: FrameTypeDone, ID: req.ID, RunID: req.RunID})
		})
	}

	unsub = s.deps.Observer.SubscribeRun(req.RunID, func(_ context.Context, e domain.Event) {
		if !cc.trySend(Frame{Type: FrameTypeRunEvent, ID: req.ID, RunID: e.RunID, RunEvent: &e}) {
			s.logger.Warn("gateway: dropped event for slow observer", "run_id", e.RunID)
		}
		if e.Type == domain.EventRunCompleted || e.Type == domain.EventRunFailed {
			finish()
		}
	})
	close(ready)

	cc.mu.Lock()
	defer cc.mu.Unlock()
	select {
	case <-cc.done:
		unsub()
	default:
		cc.unsubs = append(cc.unsubs, unsub)
	}
}
