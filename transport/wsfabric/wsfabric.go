// Package wsfabric provides the inter-process transport fabric: a full mesh
// of websocket connections over which peers exchange binary frames. Every
// peer listens on its own address and dials every higher-ranked peer, so
// each pair shares exactly one connection with a reader and a writer pump.
package wsfabric

import (
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/featherml/feather/transport"
)

// frame header: channel u8, kind u8, tag i32, from i32, payload bytes.
const headerLen = 10

// Config carries the options for joining the mesh.
type Config struct {
	// Rank of this peer.
	Rank int

	// Peers lists one listen address per rank, identical on every peer.
	Peers []string

	// DialTimeout bounds how long connection establishment may take.
	// Defaults to one minute.
	DialTimeout time.Duration

	// Logger for fabric events. A null logger is used if not specified.
	Logger *logrus.Entry
}

// Validate the config options, filling in defaults.
func (cfg *Config) Validate() error {
	var err error
	if len(cfg.Peers) == 0 {
		err = multierror.Append(err, xerrors.New("peer list not specified"))
	}
	if cfg.Rank < 0 || cfg.Rank >= len(cfg.Peers) {
		err = multierror.Append(err, xerrors.Errorf("rank %d outside peer list of %d", cfg.Rank, len(cfg.Peers)))
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: io.Discard})
	}
	return err
}

// Fabric is one peer's endpoint into the websocket mesh.
type Fabric struct {
	cfg    Config
	server *http.Server
	boxes  []*transport.Mailbox // [channel]

	mu         sync.Mutex
	conns      map[int]*peerConn
	joined     chan struct{} // closed once all peers are connected
	joinedOnce sync.Once
	closed     bool
}

var _ transport.Fabric = (*Fabric)(nil)

// peerConn is one mesh connection with its writer pump.
type peerConn struct {
	ws     *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
}

// Connect joins the mesh: it starts listening on the peer's own address,
// dials every higher-ranked peer and blocks until all pairwise connections
// are up or the dial timeout expires.
func Connect(ctx context.Context, cfg Config) (*Fabric, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Errorf("wsfabric config validation failed: %w", err)
	}
	f := &Fabric{
		cfg: cfg,
		boxes: []*transport.Mailbox{
			transport.NewMailbox(),
			transport.NewMailbox(),
			transport.NewMailbox(),
		},
		conns:  make(map[int]*peerConn),
		joined: make(chan struct{}),
	}
	if len(cfg.Peers) == 1 {
		f.joinedOnce.Do(func() { close(f.joined) })
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/fabric", f.handleJoin)
	f.server = &http.Server{Addr: cfg.Peers[cfg.Rank], Handler: mux}
	go func() {
		if err := f.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			cfg.Logger.WithError(err).Error("fabric listener failed")
		}
	}()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	for peer := cfg.Rank + 1; peer < len(cfg.Peers); peer++ {
		if err := f.dialPeer(dialCtx, peer); err != nil {
			_ = f.Close()
			return nil, xerrors.Errorf("dialing peer %d: %w", peer, err)
		}
	}

	select {
	case <-f.joined:
	case <-dialCtx.Done():
		_ = f.Close()
		return nil, xerrors.Errorf("mesh incomplete: %w", dialCtx.Err())
	}
	cfg.Logger.WithField("peers", len(cfg.Peers)).Info("fabric mesh established")
	return f, nil
}

// dialPeer keeps retrying until the peer's listener accepts the join.
func (f *Fabric) dialPeer(ctx context.Context, peer int) error {
	hello := make([]byte, 4)
	binary.LittleEndian.PutUint32(hello, uint32(f.cfg.Rank))
	for {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+f.cfg.Peers[peer]+"/fabric", nil)
		if err == nil {
			if err = ws.WriteMessage(websocket.BinaryMessage, hello); err != nil {
				return err
			}
			f.addConn(peer, ws)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
}

// handleJoin accepts a lower-ranked peer's connection. The first frame
// carries the dialer's rank.
func (f *Fabric) handleJoin(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.cfg.Logger.WithError(err).Error("join upgrade failed")
		return
	}
	_, hello, err := ws.ReadMessage()
	if err != nil || len(hello) != 4 {
		f.cfg.Logger.WithError(err).Error("join handshake failed")
		_ = ws.Close()
		return
	}
	f.addConn(int(binary.LittleEndian.Uint32(hello)), ws)
}

func (f *Fabric) addConn(peer int, ws *websocket.Conn) {
	pc := &peerConn{
		ws:     ws,
		sendCh: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	go f.writePump(pc)
	go f.readPump(peer, pc)

	f.mu.Lock()
	f.conns[peer] = pc
	if len(f.conns) == len(f.cfg.Peers)-1 {
		f.joinedOnce.Do(func() { close(f.joined) })
	}
	f.mu.Unlock()
}

// writePump drains the connection's send queue.
func (f *Fabric) writePump(pc *peerConn) {
	for {
		select {
		case frame := <-pc.sendCh:
			if err := pc.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				f.cfg.Logger.WithError(err).Error("fabric write failed")
				return
			}
		case <-pc.done:
			return
		}
	}
}

// readPump routes inbound frames into the channel mailboxes.
func (f *Fabric) readPump(peer int, pc *peerConn) {
	for {
		_, frame, err := pc.ws.ReadMessage()
		if err != nil {
			select {
			case <-pc.done: // closing; expected
			default:
				f.cfg.Logger.WithError(err).WithField("peer", peer).Error("fabric read failed")
			}
			return
		}
		if len(frame) < headerLen {
			f.cfg.Logger.WithField("peer", peer).Error("fabric frame too short")
			return
		}
		ch := transport.Channel(frame[0])
		env := transport.Envelope{
			Kind:    transport.ElemKind(frame[1]),
			Tag:     transport.Tag(int32(binary.LittleEndian.Uint32(frame[2:]))),
			From:    int(int32(binary.LittleEndian.Uint32(frame[6:]))),
			Payload: frame[headerLen:],
		}
		if err := f.boxes[ch].Put(env); err != nil {
			return
		}
	}
}

// Rank returns the peer's rank within the group.
func (f *Fabric) Rank() int { return f.cfg.Rank }

// Size returns the size of the peer group.
func (f *Fabric) Size() int { return len(f.cfg.Peers) }

// Send queues env for delivery to the destination peer on ch.
func (f *Fabric) Send(ctx context.Context, to int, ch transport.Channel, env transport.Envelope) error {
	f.mu.Lock()
	pc := f.conns[to]
	closed := f.closed
	f.mu.Unlock()
	if closed || pc == nil {
		return transport.ErrClosed
	}

	frame := make([]byte, headerLen+len(env.Payload))
	frame[0] = byte(ch)
	frame[1] = byte(env.Kind)
	binary.LittleEndian.PutUint32(frame[2:], uint32(int32(env.Tag)))
	binary.LittleEndian.PutUint32(frame[6:], uint32(int32(env.From)))
	copy(frame[headerLen:], env.Payload)

	select {
	case pc.sendCh <- frame:
		return nil
	case <-pc.done:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv blocks until a frame matching (from, tag) arrives on ch.
func (f *Fabric) Recv(ctx context.Context, from int, ch transport.Channel, tag transport.Tag) (transport.Envelope, error) {
	return f.boxes[ch].Take(ctx, from, tag)
}

// Close tears the mesh down: pending Recvs fail, connections close and the
// listener shuts down.
func (f *Fabric) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	conns := f.conns
	f.conns = make(map[int]*peerConn)
	f.mu.Unlock()

	var err error
	for _, pc := range conns {
		close(pc.done)
		if cErr := pc.ws.Close(); cErr != nil {
			err = multierror.Append(err, cErr)
		}
	}
	for _, box := range f.boxes {
		box.Close()
	}
	if sErr := f.server.Shutdown(context.Background()); sErr != nil {
		err = multierror.Append(err, sErr)
	}
	return err
}
