// Package core wires together the session, mesh, and message-router
// layers into the single data-flow pipeline spec.md §2 describes:
// Application -> MessageRouter -> SessionManager (encrypt) ->
// PacketRouter (frame, dedup, fragment) -> Transport, and the
// symmetric inbound path. It is the owned-graph root the Design Notes
// call for (spec.md §9: "Cyclic references ... become owned graphs
// rooted at the MessageRouter. Peers and sessions live in maps keyed
// by PeerID; no back-pointers").
package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/permissionlesstech/bitchat-core/internal/config"
	"github.com/permissionlesstech/bitchat-core/internal/identity"
	"github.com/permissionlesstech/bitchat-core/internal/mesh"
	"github.com/permissionlesstech/bitchat-core/internal/payload"
	"github.com/permissionlesstech/bitchat-core/internal/router"
	"github.com/permissionlesstech/bitchat-core/internal/session"
	"github.com/permissionlesstech/bitchat-core/internal/transport"
	"github.com/permissionlesstech/bitchat-core/internal/wire"
)

// Sink receives fully-decoded, decrypted application events: delivered
// private messages, incoming files, ping/pong round trips. Embedding
// applications implement this; it is the "Application sink" at the end
// of spec.md §2's inbound pipeline.
type Sink interface {
	OnPrivateMessage(from wire.PeerID, msg *payload.PrivateMessage)
	OnFilePacket(from wire.PeerID, file *payload.FilePacket)
	OnBinaryTransferMetadata(from wire.PeerID, meta *payload.BinaryTransferMetadata)
	OnBinaryTransferChunk(from wire.PeerID, chunk *payload.BinaryTransferChunk)
	OnReadReceipt(from wire.PeerID, receipt *payload.ReadReceipt)
	OnFavoriteNotification(from wire.PeerID, note *payload.FavoriteNotification)
	OnPong(from wire.PeerID, pong *payload.Pong)
	OnPeerUnreachable(peer wire.PeerID)
}

// Core is the assembled BitChat node: one local identity, one session
// registry, one mesh router, one message router/outbox, and whatever
// transports the embedding application registers.
type Core struct {
	cfg      config.Config
	local    wire.PeerID
	identity *identity.IdentityKey

	sessions *session.Manager
	mesh     *mesh.Router
	messages *router.MessageRouter

	sink Sink

	// fragGroupsMu guards fragGroups, which maps a (peer, messageID) key
	// for a message that had to be split into multiple TypeFragment
	// carriers (spec.md §4.4) to the synthetic per-fragment outbox
	// message IDs it was queued under, so a single delivery
	// confirmation for the original messageID can clear every fragment
	// entry it produced.
	fragGroupsMu sync.Mutex
	fragGroups   map[string][]string
}

func fragGroupKey(peer wire.PeerID, messageID string) string {
	return peer.String() + "/" + messageID
}

// New assembles a Core from its persistence collaborators and sink.
func New(cfg config.Config, id *identity.IdentityKey, outbox router.Outbox, favorites router.Favorites, sink Sink) (*Core, error) {
	local, err := wire.NewRandomPeerID()
	if err != nil {
		return nil, err
	}

	sessions := session.NewManager(id)

	messages := router.NewMessageRouter(outbox, favorites)
	messages.SetResendCooldown(cfg.ResendCooldown())

	c := &Core{
		cfg:        cfg,
		local:      local,
		identity:   id,
		sessions:   sessions,
		messages:   messages,
		sink:       sink,
		fragGroups: make(map[string][]string),
	}

	meshCfg := mesh.Config{
		RelayEnabled:      cfg.RelayEnabled,
		MaxFragmentSize:   cfg.MaxFragmentSize,
		DedupCapacity:     cfg.DedupCapacity,
		DedupWindow:       cfg.DedupWindow(),
		ReassemblyTimeout: cfg.ReassemblyTimeout(),
	}
	meshRouter, err := mesh.NewRouter(local, meshCfg, c)
	if err != nil {
		return nil, err
	}
	c.mesh = meshRouter

	sessions.OnPeerUnreachable = sink.OnPeerUnreachable

	return c, nil
}

// LocalID returns this process's ephemeral mesh address.
func (c *Core) LocalID() wire.PeerID { return c.local }

// RegisterTransport attaches a transport, wiring its inbound events
// into the mesh router and its send path into both the mesh router's
// forwarding set and the message router's transport-selection set.
func (c *Core) RegisterTransport(t transport.Transport) {
	c.mesh.RegisterTransport(t)
	c.messages.RegisterTransport(t)

	go func() {
		for ev := range t.Events() {
			switch ev.Kind {
			case transport.EventPacketReceived:
				c.mesh.HandleInbound(t, ev.Packet)
			case transport.EventPeerConnected:
				c.messages.ResetSendState(ev.Peer)
				c.messages.FlushPeer(ev.Peer)
			case transport.EventDeliveryConfirmed:
				c.confirmDelivery(ev.Peer, ev.MessageID)
			case transport.EventReadReceiptReceived:
				c.confirmDelivery(ev.Peer, ev.MessageID)
			}
		}
	}()
}

// HandleLocal implements mesh.Dispatcher: it is invoked by the mesh
// router for every packet addressed to the local peer or broadcast,
// after TTL/dedup/reassembly have already run.
func (c *Core) HandleLocal(fromTransport transport.Transport, pkt *wire.Packet) {
	switch pkt.Type {
	case wire.TypeNoiseHandshake:
		c.handleHandshake(fromTransport, pkt)
	case wire.TypeNoiseEncrypted:
		c.handleEncrypted(fromTransport, pkt)
	default:
		log.Debug().Uint8("type", pkt.Type).Msg("core: dropping packet of unexpected un-encrypted type")
	}
}

func (c *Core) handleHandshake(fromTransport transport.Transport, pkt *wire.Packet) {
	peer := pkt.SenderID

	// An in-progress outbound handshake sees its own replies arrive
	// here too; CompleteOutboundHandshake and HandleIncomingHandshake
	// both route into the same per-peer noiseproto.Session, so try the
	// outbound completion path first and fall back to treating this as
	// a fresh inbound handshake message.
	reply, established, err := c.sessions.CompleteOutboundHandshake(peer, pkt.Payload)
	if err != nil {
		reply, established, err = c.sessions.HandleIncomingHandshake(peer, pkt.Payload)
	}
	if err != nil {
		log.Debug().Str("peer", peer.String()).Err(err).Msg("core: handshake message rejected")
		return
	}
	if reply != nil {
		c.sendRaw(peer, wire.TypeNoiseHandshake, reply)
	}
	if established {
		c.messages.ResetSendState(peer)
		c.messages.FlushPeer(peer)
	}
}

func (c *Core) handleEncrypted(fromTransport transport.Transport, pkt *wire.Packet) {
	peer := pkt.SenderID
	plaintext, err := c.sessions.Decrypt(peer, pkt.Payload)
	if err != nil {
		log.Warn().Str("peer", peer.String()).Err(err).Msg("core: decrypt failed, rehandshake will be triggered on next send")
		return
	}
	if len(plaintext) < 1 {
		log.Debug().Msg("core: dropping empty decrypted payload")
		return
	}
	c.dispatchTyped(peer, plaintext[0], plaintext[1:])
}

func (c *Core) dispatchTyped(from wire.PeerID, typ byte, body []byte) {
	switch typ {
	case wire.TypePrivateMessage:
		m, err := payload.DecodePrivateMessage(body)
		if err != nil {
			log.Debug().Err(err).Msg("core: malformed private message")
			return
		}
		c.sink.OnPrivateMessage(from, m)

	case wire.TypeFileMetadata:
		f, err := payload.DecodeFilePacket(body)
		if err != nil {
			log.Debug().Err(err).Msg("core: malformed file packet")
			return
		}
		c.sink.OnFilePacket(from, f)

	case wire.TypeBinaryMetadata:
		meta, err := payload.DecodeBinaryTransferMetadata(body)
		if err != nil {
			log.Debug().Err(err).Msg("core: malformed binary transfer metadata")
			return
		}
		c.sink.OnBinaryTransferMetadata(from, meta)

	case wire.TypeBinaryChunk:
		chunk, err := payload.DecodeBinaryTransferChunk(body, payload.MaxChunkSize)
		if err != nil {
			log.Debug().Err(err).Msg("core: malformed binary transfer chunk")
			return
		}
		c.sink.OnBinaryTransferChunk(from, chunk)

	case wire.TypeReadReceipt:
		r, err := payload.DecodeReadReceipt(body)
		if err != nil {
			log.Debug().Err(err).Msg("core: malformed read receipt")
			return
		}
		c.confirmDelivery(from, r.OriginalMessageID)
		c.sink.OnReadReceipt(from, r)

	case wire.TypeFavoriteNotification:
		f, err := payload.DecodeFavoriteNotification(body)
		if err != nil {
			log.Debug().Err(err).Msg("core: malformed favorite notification")
			return
		}
		if err := c.messages.MarkFavorite(from, f.IsFavorite); err != nil {
			log.Warn().Err(err).Msg("core: failed to persist favorite notification")
		}
		c.sink.OnFavoriteNotification(from, f)

	case wire.TypePing:
		p, err := payload.DecodePing(body)
		if err != nil {
			log.Debug().Err(err).Msg("core: malformed ping")
			return
		}
		c.replyPong(from, p)

	case wire.TypePong:
		p, err := payload.DecodePong(body)
		if err != nil {
			log.Debug().Err(err).Msg("core: malformed pong")
			return
		}
		c.sink.OnPong(from, p)

	default:
		log.Debug().Uint8("type", typ).Msg("core: dropping unknown encrypted payload type")
	}
}

// sendRaw frames an already-serialized payload as a packet addressed
// to peer and hands it directly to a registered transport, bypassing
// the outbox — used for handshake messages, which are not themselves
// outbox-tracked (only the application payloads they protect are).
func (c *Core) sendRaw(peer wire.PeerID, typ byte, payloadBytes []byte) {
	pkt := &wire.Packet{
		Version:      wire.CurrentVersion,
		Type:         typ,
		SenderID:     c.local,
		RecipientID:  peer,
		HasRecipient: true,
		TimestampMs:  uint64(time.Now().UnixMilli()),
		TTL:          byte(c.cfg.DefaultTTL),
		Payload:      payloadBytes,
	}
	raw, err := wire.Encode(pkt, c.cfg.MaxMessageSize)
	if err != nil {
		log.Warn().Err(err).Msg("core: failed to encode outbound packet")
		return
	}
	c.messages.FlushPeer(peer) // opportunistically drain any backlog first

	// Handshake messages bypass the outbox (only application payloads
	// are outbox-tracked); reuse MessageRouter's Connected-then-
	// Reachable transport preference so handshake delivery follows the
	// same rule as application traffic.
	if t := c.messages.SelectTransport(peer); t != nil {
		t.SendPacket(peer, raw)
	}
}

// sendEncrypted encrypts an application typed payload for peer and
// queues it in the outbox via the message router, which owns transport
// selection, FIFO and retries (spec.md §4.6). A ciphertext too large
// for a single wire frame (a file or binary-transfer payload easily
// exceeds the 65535-byte packet payload ceiling) is split into
// TypeFragment carriers first (spec.md §4.4).
func (c *Core) sendEncrypted(peer wire.PeerID, typ byte, body []byte, messageID string) error {
	plaintext := append([]byte{typ}, body...)
	ciphertext, err := c.sessions.Encrypt(peer, plaintext)
	if err != nil {
		msg, hsErr := c.sessions.InitiateHandshake(peer)
		if hsErr != nil {
			return fmt.Errorf("core: no session and failed to start handshake: %w", hsErr)
		}
		c.sendRaw(peer, wire.TypeNoiseHandshake, msg)
		return fmt.Errorf("core: %w (handshake initiated, retry after completion)", err)
	}

	pkt := &wire.Packet{
		Version:      wire.CurrentVersion,
		Type:         wire.TypeNoiseEncrypted,
		SenderID:     c.local,
		RecipientID:  peer,
		HasRecipient: true,
		TimestampMs:  uint64(time.Now().UnixMilli()),
		TTL:          byte(c.cfg.DefaultTTL),
		Payload:      ciphertext,
	}
	return c.queueFramed(peer, messageID, pkt)
}

// queueFramed fragments pkt (if needed) via the mesh router and queues
// every resulting frame in the outbox under messageID, recording the
// synthetic per-fragment IDs so a single confirmDelivery call for
// messageID clears all of them.
func (c *Core) queueFramed(peer wire.PeerID, messageID string, pkt *wire.Packet) error {
	frames, err := c.fragmentPacket(pkt)
	if err != nil {
		return fmt.Errorf("core: fragment outbound packet: %w", err)
	}

	if len(frames) == 1 {
		return c.messages.SendPrivate(peer, messageID, frames[0])
	}

	subIDs := make([]string, len(frames))
	for i, raw := range frames {
		subIDs[i] = fmt.Sprintf("%s#%d", messageID, i)
		if err := c.messages.SendPrivate(peer, subIDs[i], raw); err != nil {
			return fmt.Errorf("core: queue fragment %d/%d: %w", i+1, len(frames), err)
		}
	}

	c.fragGroupsMu.Lock()
	c.fragGroups[fragGroupKey(peer, messageID)] = subIDs
	c.fragGroupsMu.Unlock()
	return nil
}

// fragmentPacket runs pkt through the mesh router's fragmentation,
// collecting every produced wire frame instead of transmitting it
// immediately.
func (c *Core) fragmentPacket(pkt *wire.Packet) ([][]byte, error) {
	var frames [][]byte
	err := c.mesh.FragmentAndSend(pkt, wire.NewTransferID(), func(raw []byte) error {
		frames = append(frames, raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return frames, nil
}

// confirmDelivery clears the outbox entry (or entries, if the message
// was fragmented) backing messageID and notifies the application. Safe
// to call zero, one, or many times for the same messageID.
func (c *Core) confirmDelivery(peer wire.PeerID, messageID string) {
	key := fragGroupKey(peer, messageID)
	c.fragGroupsMu.Lock()
	subIDs, ok := c.fragGroups[key]
	if ok {
		delete(c.fragGroups, key)
	}
	c.fragGroupsMu.Unlock()

	if !ok {
		c.messages.ConfirmDelivery(peer, messageID)
		return
	}
	for _, id := range subIDs {
		c.messages.ConfirmDelivery(peer, id)
	}
}

// SendPrivateMessage encrypts and queues a private text message.
func (c *Core) SendPrivateMessage(peer wire.PeerID, messageID, content string) error {
	body, err := payload.EncodePrivateMessage(&payload.PrivateMessage{MessageID: messageID, Content: content})
	if err != nil {
		return err
	}
	return c.sendEncrypted(peer, wire.TypePrivateMessage, body, messageID)
}

// SendFile encrypts and queues a whole-file transfer.
func (c *Core) SendFile(peer wire.PeerID, messageID string, file *payload.FilePacket) error {
	body, err := payload.EncodeFilePacket(file)
	if err != nil {
		return err
	}
	return c.sendEncrypted(peer, wire.TypeFileMetadata, body, messageID)
}

// SendReadReceipt encrypts and queues a read receipt for originalID.
func (c *Core) SendReadReceipt(peer wire.PeerID, originalID string) error {
	body, err := payload.EncodeReadReceipt(&payload.ReadReceipt{OriginalMessageID: originalID})
	if err != nil {
		return err
	}
	return c.sendEncrypted(peer, wire.TypeReadReceipt, body, "receipt-"+originalID+"-"+uuid.NewString())
}

// SendFavoriteNotification encrypts and queues a favorite/unfavorite notice.
func (c *Core) SendFavoriteNotification(peer wire.PeerID, isFavorite bool) error {
	body := payload.EncodeFavoriteNotification(&payload.FavoriteNotification{IsFavorite: isFavorite})
	return c.sendEncrypted(peer, wire.TypeFavoriteNotification, body, "favorite-"+peer.String()+"-"+uuid.NewString())
}

// Ping probes reachability/latency to peer (spec.md §4.7). Ping/Pong are
// not outbox-tracked: they are reachability probes, not messages that
// must survive a reconnect, so a dropped probe is simply not retried.
func (c *Core) Ping(peer wire.PeerID, nickname, targetNickname string) error {
	body, err := payload.EncodePing(&payload.Ping{
		PingID:         uuid.NewString(),
		SenderID:       c.local,
		SenderNickname: nickname,
		TargetID:       peer,
		TargetNickname: targetNickname,
		TimestampMs:    uint64(time.Now().UnixMilli()),
	})
	if err != nil {
		return err
	}
	plaintext := append([]byte{wire.TypePing}, body...)
	ciphertext, err := c.sessions.Encrypt(peer, plaintext)
	if err != nil {
		msg, hsErr := c.sessions.InitiateHandshake(peer)
		if hsErr != nil {
			return fmt.Errorf("core: no session and failed to start handshake: %w", hsErr)
		}
		c.sendRaw(peer, wire.TypeNoiseHandshake, msg)
		return fmt.Errorf("core: %w (handshake initiated, retry after completion)", err)
	}
	c.sendEncryptedRaw(peer, ciphertext)
	return nil
}

// replyPong answers an incoming Ping directly over the transport,
// bypassing the outbox for the same reason Ping itself does.
func (c *Core) replyPong(peer wire.PeerID, ping *payload.Ping) {
	body, err := payload.EncodePong(&payload.Pong{
		PingID:              ping.PingID,
		ResponseTimestampMs: uint64(time.Now().UnixMilli()),
	})
	if err != nil {
		log.Warn().Err(err).Msg("core: failed to encode pong")
		return
	}
	plaintext := append([]byte{wire.TypePong}, body...)
	ciphertext, err := c.sessions.Encrypt(peer, plaintext)
	if err != nil {
		log.Debug().Err(err).Msg("core: cannot reply pong, no established session")
		return
	}
	c.sendEncryptedRaw(peer, ciphertext)
}

// sendEncryptedRaw frames an already-encrypted record and hands it
// directly to the selected transport, bypassing the outbox, fragmenting
// first via the mesh router if it exceeds a single wire frame.
func (c *Core) sendEncryptedRaw(peer wire.PeerID, ciphertext []byte) {
	pkt := &wire.Packet{
		Version:      wire.CurrentVersion,
		Type:         wire.TypeNoiseEncrypted,
		SenderID:     c.local,
		RecipientID:  peer,
		HasRecipient: true,
		TimestampMs:  uint64(time.Now().UnixMilli()),
		TTL:          byte(c.cfg.DefaultTTL),
		Payload:      ciphertext,
	}
	t := c.messages.SelectTransport(peer)
	if t == nil {
		return
	}
	err := c.mesh.FragmentAndSend(pkt, wire.NewTransferID(), func(raw []byte) error {
		t.SendPacket(peer, raw)
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Msg("core: failed to fragment outbound packet")
	}
}

// FlushAllOutbox retries every peer with pending outbox entries.
func (c *Core) FlushAllOutbox() { c.messages.FlushAllOutbox() }

// PendingPeerIDs exposes outbox observability (spec.md §4.6).
func (c *Core) PendingPeerIDs() []wire.PeerID { return c.messages.PendingPeerIDs() }
