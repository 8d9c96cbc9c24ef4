// Package connhandler implements the Connection/Protocol Handler,
// §4.F: a websocket duplex server that speaks binary frames only,
// dispatches every inbound frame to the Admission Engine, and carries
// a write-only, concurrency-safe reply handle back to each connection.
package connhandler

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/gorilla/websocket"

	"github.com/eth2030/proofgateway/batchqueue"
	"github.com/eth2030/proofgateway/internal/logging"
	"github.com/eth2030/proofgateway/types"
)

// ProtocolVersion is the version this server speaks; §4.F requires it
// be emitted first, unconditionally, on every new connection.
const ProtocolVersion uint32 = 1

const (
	sendBufferSize = 256
	writeTimeout   = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Admitter is the collaborator every inbound frame is dispatched to.
// admission.Engine satisfies this.
type Admitter interface {
	Admit(ctx context.Context, raw []byte, reply batchqueue.ReplyHandle) (*types.Reply, error)
}

// Conn is one client connection's outbound half: a buffered send
// channel plus a closed flag, grounded on rpc/websocket_handler.go's
// WSConn.sendCh/closeCh pair. It satisfies batchqueue.ReplyHandle, so
// a queued entry can hold a Conn directly as its Reply field.
type Conn struct {
	id     uint64
	ws     *websocket.Conn
	sendCh chan []byte
	closed atomic.Bool
	log    *logging.Logger
}

// Send encodes reply with the canonical wire codec and enqueues it for
// delivery. Per §4.F, sending on an already-closed connection is
// silently tolerated; any other failure to enqueue (a full buffer) is
// logged and otherwise swallowed — the caller (admission or the
// finalizer) must keep going for every other entry.
func (c *Conn) Send(reply types.Reply) error {
	if c.closed.Load() {
		return nil
	}
	data, err := types.EncodeReply(reply)
	if err != nil {
		c.log.Error("encode reply", "conn", c.id, "err", err)
		return nil
	}
	select {
	case c.sendCh <- data:
		return nil
	default:
		c.log.Error("send buffer full, dropping reply", "conn", c.id)
		return nil
	}
}

// Closed reports whether the connection's outbound half has stopped
// accepting writes.
func (c *Conn) Closed() bool { return c.closed.Load() }

// Close tears down the connection: it stops the write loop and closes
// the underlying websocket, unblocking the read loop's pending read.
// Idempotent. Satisfies batchqueue.ReplyHandle, so the admission engine
// can close a superseded entry's stale connection on replacement, §4.D.1.
func (c *Conn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		close(c.sendCh)
		if c.ws != nil {
			return c.ws.Close()
		}
	}
	return nil
}

// Server is the websocket duplex server, one reader goroutine per
// connection, grounded on rpc/websocket_handler.go's WSHandler
// connection registry.
type Server struct {
	engine Admitter
	log    *logging.Logger

	mu          sync.Mutex
	connections map[uint64]*Conn
	nextID      atomic.Uint64
}

// New constructs a Server dispatching admitted frames to engine.
func New(engine Admitter) *Server {
	return &Server{
		engine:      engine,
		log:         logging.Default().Module("connhandler"),
		connections: make(map[uint64]*Conn),
	}
}

// ServeHTTP upgrades the request to a websocket connection and runs
// its reader/writer goroutines until the connection closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("upgrade", "err", err)
		return
	}

	id := s.nextID.Add(1)
	conn := &Conn{
		id:     id,
		ws:     ws,
		sendCh: make(chan []byte, sendBufferSize),
		log:    s.log,
	}

	s.mu.Lock()
	s.connections[id] = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.connections, id)
		s.mu.Unlock()
		conn.Close()
	}()

	versionFrame, err := rlp.EncodeToBytes(ProtocolVersion)
	if err != nil {
		s.log.Error("encode protocol version", "err", err)
		return
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, versionFrame); err != nil {
		s.log.Error("send protocol version", "conn", id, "err", err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(conn)
	}()

	s.readLoop(r.Context(), conn)
	conn.Close()
	wg.Wait()
}

// readLoop dispatches each inbound binary frame to the Admission
// Engine and enqueues whatever reply it produces.
func (s *Server) readLoop(ctx context.Context, conn *Conn) {
	for {
		msgType, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue // §4.F: binary frames only
		}

		reply, err := s.engine.Admit(ctx, data, conn)
		if err != nil {
			// Malformed frame: §4.D step 1, drop silently.
			continue
		}
		conn.Send(*reply)
	}
}

// writeLoop drains conn's send channel onto the underlying websocket
// connection until it is closed.
func (s *Server) writeLoop(conn *Conn) {
	for data := range conn.sendCh {
		conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
			s.log.Error("write message", "conn", conn.id, "err", err)
			return
		}
	}
}

// ConnectionCount returns the number of currently open connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}
