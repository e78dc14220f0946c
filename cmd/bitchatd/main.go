// Command bitchatd is a demonstration node wiring the bitchat-core
// engine end to end: it loads or creates a local identity, opens a
// pebble-backed store, starts the optional relay fallback transport,
// and logs every inbound application event. It exists to exercise the
// full internal/core pipeline, not as a production chat client.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/permissionlesstech/bitchat-core/internal/config"
	"github.com/permissionlesstech/bitchat-core/internal/core"
	"github.com/permissionlesstech/bitchat-core/internal/identity"
	"github.com/permissionlesstech/bitchat-core/internal/payload"
	"github.com/permissionlesstech/bitchat-core/internal/store"
	"github.com/permissionlesstech/bitchat-core/internal/transport/relay"
	"github.com/permissionlesstech/bitchat-core/internal/wire"
)

var rootCmd = &cobra.Command{
	Use:   "bitchatd",
	Short: "Demonstration node for the bitchat-core mesh chat engine",
	RunE:  run,
}

var (
	flagConfigPath string
	flagRelayAddr  string
	flagVerbose    bool
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfigPath, "config", "bitchatd.yaml", "path to the YAML config file")
	flags.StringVar(&flagRelayAddr, "relay-listen", ":8990", "address the local relay hub listens on (empty disables it)")
	flags.BoolVar(&flagVerbose, "verbose", false, "enable debug-level logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("bitchatd: fatal error")
	}
}

// loggingSink adapts core.Sink to structured log lines; a real client
// would instead surface these events to a UI.
type loggingSink struct{}

func (loggingSink) OnPrivateMessage(from wire.PeerID, msg *payload.PrivateMessage) {
	log.Info().Str("from", from.String()).Str("messageID", msg.MessageID).Str("content", msg.Content).Msg("private message received")
}

func (loggingSink) OnFilePacket(from wire.PeerID, file *payload.FilePacket) {
	log.Info().Str("from", from.String()).Str("filename", file.FileName).Int("bytes", len(file.Content)).Msg("file received")
}

func (loggingSink) OnBinaryTransferMetadata(from wire.PeerID, meta *payload.BinaryTransferMetadata) {
	log.Info().Str("from", from.String()).Uint32("totalSize", meta.TotalSize).Msg("binary transfer starting")
}

func (loggingSink) OnBinaryTransferChunk(from wire.PeerID, chunk *payload.BinaryTransferChunk) {
	log.Debug().Str("from", from.String()).Uint16("seq", chunk.SequenceNumber).Uint16("total", chunk.TotalChunks).Msg("binary transfer chunk")
}

func (loggingSink) OnReadReceipt(from wire.PeerID, receipt *payload.ReadReceipt) {
	log.Debug().Str("from", from.String()).Str("originalMessageID", receipt.OriginalMessageID).Msg("read receipt received")
}

func (loggingSink) OnFavoriteNotification(from wire.PeerID, note *payload.FavoriteNotification) {
	log.Info().Str("from", from.String()).Bool("isFavorite", note.IsFavorite).Msg("favorite notification received")
}

func (loggingSink) OnPong(from wire.PeerID, pong *payload.Pong) {
	log.Debug().Str("from", from.String()).Msg("pong received")
}

func (loggingSink) OnPeerUnreachable(peer wire.PeerID) {
	log.Warn().Str("peer", peer.String()).Msg("peer marked unreachable after repeated handshake failures")
}

func run(cmd *cobra.Command, args []string) error {
	if flagVerbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	id, err := identity.LoadOrCreate(st)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	defer id.Close()

	engine, err := core.New(cfg, id, st, st, loggingSink{})
	if err != nil {
		return fmt.Errorf("assemble core: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if flagRelayAddr != "" {
		hub := relay.NewHub()
		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		hub.Mount(r)

		go func() {
			log.Info().Str("addr", flagRelayAddr).Msg("bitchatd: relay hub listening")
			if err := http.ListenAndServe(flagRelayAddr, r); err != nil {
				log.Error().Err(err).Msg("bitchatd: relay hub stopped")
				cancel()
			}
		}()
	}

	if cfg.RelayURL != "" {
		client, err := relay.Dial(ctx, cfg.RelayURL, engine.LocalID())
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.RelayURL).Msg("bitchatd: failed to dial relay, continuing without it")
		} else {
			engine.RegisterTransport(client)
			log.Info().Str("url", cfg.RelayURL).Msg("bitchatd: connected to relay")
		}
	}

	log.Info().Str("peerID", engine.LocalID().String()).Msg("bitchatd: node ready")

	ticker := time.NewTicker(cfg.ResendCooldown())
	defer ticker.Stop()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			engine.FlushAllOutbox()
		case <-sig:
			log.Info().Msg("bitchatd: shutting down")
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
