package main

import (
	"context"
	"encoding/hex"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/collider/dkls-engine/internal/driver"
	"github.com/collider/dkls-engine/internal/eventbus"
	"github.com/collider/dkls-engine/internal/kvstore"
	"github.com/collider/dkls-engine/internal/session"
	"github.com/collider/dkls-engine/internal/types"
)

func main() {
	httpURL := flag.String("http-url", "", "relay HTTP base URL (required)")
	wsURL := flag.String("ws-url", "", "relay WebSocket base URL (required)")
	storageDir := flag.String("storage", "./data/shares", "directory for encrypted keyshare storage")
	groupID := flag.String("group-id", "", "group id to join; empty creates a new group")
	threshold := flag.Int("threshold", 2, "threshold for a newly created group")
	total := flag.Int("total", 2, "total parties for a newly created group")
	groupTimeout := flag.Duration("group-timeout", 10*time.Minute, "server-enforced group lifetime")
	secret := flag.String("secret", "", "pre-shared secret deriving the transport encryption key")
	distributed := flag.Bool("distributed", true, "use the DKLS23 distributed-sampling DKG variant")
	rotate := flag.Bool("rotate", false, "run key rotation instead of fresh DKG")
	sign := flag.Bool("sign", false, "run threshold signing instead of keygen")
	messageHash := flag.String("message-hash", "", "32-byte hex-encoded message hash (required with -sign)")
	keyShareIndex := flag.Int("key-share-index", 0, "this party's member index within the persisted keyset")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	if *httpURL == "" || *wsURL == "" {
		logger.Fatal("http-url and ws-url are required")
	}

	passphrase := os.Getenv("DKLS_STORAGE_PASSPHRASE")
	if passphrase == "" {
		passphrase = "development-passphrase-change-in-production"
		logger.Warn("using default storage passphrase - set DKLS_STORAGE_PASSPHRASE in production")
	}

	store, err := kvstore.NewFileStore(*storageDir, "keyshare")
	if err != nil {
		logger.Fatal("failed to initialize keyshare storage", zap.Error(err))
	}

	cfg := session.Config{HTTPBaseURL: *httpURL, WSBaseURL: *wsURL, Passphrase: passphrase}
	sess := session.New(cfg, store, newCore(logger), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscribeLifecycleLogging(sess.Bus(), logger)

	if err := sess.Initialize(ctx); err != nil {
		logger.Fatal("failed to initialize session", zap.Error(err))
	}

	partyID, err := sess.Register(ctx)
	if err != nil {
		logger.Fatal("failed to register with relay", zap.Error(err))
	}
	logger.Info("registered", zap.String("party_id", string(partyID)))

	var group types.GroupInfo
	if *groupID == "" {
		group, err = sess.CreateGroup(ctx, *threshold, *total, *groupTimeout)
		if err != nil {
			logger.Fatal("failed to create group", zap.Error(err))
		}
	} else {
		group, err = sess.JoinGroup(ctx, types.GroupID(*groupID))
		if err != nil {
			logger.Fatal("failed to join group", zap.Error(err))
		}
	}
	logger.Info("group ready", zap.String("group_id", string(group.GroupID)))

	if *sign {
		hash, err := hex.DecodeString(*messageHash)
		if err != nil || len(hash) != 32 {
			logger.Fatal("message-hash must be 32 bytes of hex", zap.String("message_hash", *messageHash))
		}
		if err := sess.StartSigning(ctx, hash, *keyShareIndex, *secret); err != nil {
			logger.Fatal("failed to start signing", zap.Error(err))
		}
		logger.Info("signing started")
	} else {
		if err := sess.StartKeygen(ctx, *distributed, *secret, *rotate); err != nil {
			logger.Fatal("failed to start keygen", zap.Error(err))
		}
		logger.Info("keygen started", zap.Bool("rotate", *rotate))
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	logger.Info("shutting down gracefully")
	sess.Disconnect()
	logger.Info("disconnected")
}

// subscribeLifecycleLogging bridges the protocol-run events
// (round-complete, error, keygen-complete, signing-complete,
// disconnected) onto structured log lines, so a host process gets
// visibility without writing its own handlers for the common case.
func subscribeLifecycleLogging(bus *eventbus.Bus, logger *zap.Logger) {
	bus.On(eventbus.RoundComplete, func(payload any) {
		p := payload.(driver.RoundCompletePayload)
		logger.Debug("round complete", zap.Int("round", p.Round), zap.Int("outbound", len(p.Messages)))
	})
	bus.On(eventbus.Error, func(payload any) {
		p := payload.(driver.ErrorPayload)
		logger.Error("protocol error", zap.Error(p.Err))
	})
	bus.On(eventbus.KeygenComplete, func(payload any) {
		p := payload.(driver.KeygenCompletePayload)
		logger.Info("keygen complete",
			zap.String("public_key", p.Share.PublicKey),
			zap.Int("party_index", p.Share.PartyIndex),
		)
	})
	bus.On(eventbus.SigningComplete, func(payload any) {
		p := payload.(driver.SigningCompletePayload)
		logger.Info("signing complete", zap.Int("r_len", len(p.R)), zap.Int("s_len", len(p.S)))
	})
	bus.On(eventbus.Disconnected, func(any) {
		logger.Info("transport disconnected")
	})
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
