// Package relay implements the optional Internet relay fallback
// transport (spec.md §1.2, §4.5): a websocket hub that peers dial into
// and exchange framed mesh packets through when no direct BLE link is
// available. Grounded on the teacher's relaydns/e2ee_websocket.go and
// its wsstream.WsStream adapter — each websocket message already
// preserves frame boundaries, so (unlike the teacher's length-prefixed
// stream framing for a raw net.Conn) one gorilla/websocket binary
// message carries exactly one wire.Encode'd packet — and on the
// teacher's chi-routed HTTP servers (cmd/server/main.go,
// cmd/relay-server) for the upgrade endpoint.
package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/permissionlesstech/bitchat-core/internal/transport"
	"github.com/permissionlesstech/bitchat-core/internal/wire"
)

// ErrNotConnected names the error for using a relay transport that is
// not connected; no function in this package returns it.
var ErrNotConnected = errors.New("relay: not connected")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub is the relay server side: an HTTP handler (mountable on a
// chi.Router) that upgrades peers to websockets and relays framed
// packets between them by destination PeerID. It implements no mesh
// logic of its own — forwarding, TTL and dedup remain the mesh
// package's job; the hub is a dumb unicast/broadcast switchboard, the
// same role the teacher's RelayClient/RelayServer pair plays for
// connection-oriented streams.
type Hub struct {
	mu    sync.Mutex
	peers map[wire.PeerID]*hubPeer
}

type hubPeer struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub constructs an empty relay Hub.
func NewHub() *Hub {
	return &Hub{peers: make(map[wire.PeerID]*hubPeer)}
}

// Mount registers the hub's websocket upgrade route and a liveness
// endpoint on r, mirroring the teacher's admin-HTTP pattern.
func (h *Hub) Mount(r chi.Router) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/relay/{peerID}", h.handleUpgrade)
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "peerID")
	peerID, err := wire.ParsePeerID(idStr)
	if err != nil {
		http.Error(w, "invalid peer id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("relay: websocket upgrade failed")
		return
	}

	hp := &hubPeer{conn: conn, send: make(chan []byte, 64)}
	h.mu.Lock()
	if old, ok := h.peers[peerID]; ok {
		close(old.send)
		old.conn.Close()
	}
	h.peers[peerID] = hp
	h.mu.Unlock()

	log.Debug().Str("peer", peerID.String()).Msg("relay: peer connected to hub")

	go h.writePump(peerID, hp)
	h.readPump(peerID, hp)
}

func (h *Hub) writePump(peerID wire.PeerID, hp *hubPeer) {
	for raw := range hp.send {
		if err := hp.conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
			log.Debug().Err(err).Str("peer", peerID.String()).Msg("relay: write failed, dropping peer")
			return
		}
	}
}

func (h *Hub) readPump(peerID wire.PeerID, hp *hubPeer) {
	defer func() {
		h.mu.Lock()
		if h.peers[peerID] == hp {
			delete(h.peers, peerID)
			close(hp.send)
		}
		h.mu.Unlock()
		hp.conn.Close()
		log.Debug().Str("peer", peerID.String()).Msg("relay: peer disconnected from hub")
	}()

	for {
		_, raw, err := hp.conn.ReadMessage()
		if err != nil {
			return
		}
		pkt, err := wire.Decode(raw)
		if err != nil {
			log.Debug().Err(err).Msg("relay: dropping malformed relayed packet")
			continue
		}
		if pkt.HasRecipient {
			h.deliver(pkt.RecipientID, raw)
		} else {
			h.broadcastExcept(peerID, raw)
		}
	}
}

func (h *Hub) deliver(to wire.PeerID, raw []byte) {
	h.mu.Lock()
	hp, ok := h.peers[to]
	h.mu.Unlock()
	if !ok {
		return
	}
	select {
	case hp.send <- raw:
	default:
		log.Debug().Str("peer", to.String()).Msg("relay: peer send buffer full, dropping unicast frame")
	}
}

func (h *Hub) broadcastExcept(from wire.PeerID, raw []byte) {
	h.mu.Lock()
	targets := make([]*hubPeer, 0, len(h.peers))
	for id, hp := range h.peers {
		if id != from {
			targets = append(targets, hp)
		}
	}
	h.mu.Unlock()
	for _, hp := range targets {
		select {
		case hp.send <- raw:
		default:
		}
	}
}

// Client is the relay-transport client side implementing
// transport.Transport over a single websocket connection to a Hub. It
// relies on the hub to know who else is online and never reports any
// peer, or the hub itself, as Connected; a peer becomes Reachable via
// this transport once a packet from it has been observed or
// MarkReachable is called, since the relay provides no peer-presence signal
// beyond delivery success/failure (spec.md §6 glossary: "Reachable ...
// additionally covers relay/retention windows").
type Client struct {
	local wire.PeerID

	mu        sync.Mutex
	conn      *websocket.Conn
	reachable map[wire.PeerID]bool

	events chan transport.Event
	closed chan struct{}
}

var _ transport.Transport = (*Client)(nil)

// Dial connects to a relay Hub at url (e.g. "ws://host:port/relay/<peerID>").
func Dial(ctx context.Context, url string, local wire.PeerID) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		local:     local,
		conn:      conn,
		reachable: make(map[wire.PeerID]bool),
		events:    make(chan transport.Event, 256),
		closed:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		pkt, err := wire.Decode(raw)
		if err != nil {
			log.Debug().Err(err).Msg("relay: client dropping malformed packet")
			continue
		}
		c.mu.Lock()
		c.reachable[pkt.SenderID] = true
		c.mu.Unlock()
		select {
		case c.events <- transport.Event{Kind: transport.EventPacketReceived, Peer: pkt.SenderID, Packet: raw}:
		case <-c.closed:
			return
		}
	}
}

func (c *Client) LocalID() wire.PeerID { return c.local }

// Connected is always empty: the relay never reports a peer as holding
// a live direct link, only as Reachable through the hub.
func (c *Client) Connected() []wire.PeerID { return nil }

func (c *Client) Reachable() []wire.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.PeerID, 0, len(c.reachable))
	for p := range c.reachable {
		out = append(out, p)
	}
	return out
}

// MarkReachable records a peer as relay-reachable ahead of first
// contact, e.g. from an out-of-band favorites/directory exchange.
func (c *Client) MarkReachable(peer wire.PeerID) {
	c.mu.Lock()
	c.reachable[peer] = true
	c.mu.Unlock()
}

func (c *Client) SendPacket(to wire.PeerID, raw []byte) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}
	if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return false
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		log.Debug().Err(err).Str("peer", to.String()).Msg("relay: send failed")
		return false
	}
	return true
}

func (c *Client) Events() <-chan transport.Event { return c.events }

func (c *Client) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
		close(c.closed)
	}
	return c.conn.Close()
}
