package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/tecu23/duel-server/pkg/game"
)

// JetStreamConfig configures the conclusion stream
type JetStreamConfig struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration
	DuplicateWindow time.Duration
}

// DefaultJetStreamConfig returns the settings used when nothing is configured
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:             nats.DefaultURL,
		StreamName:      "SESSION_CONCLUSIONS",
		SubjectPrefix:   "sessions.concluded",
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		MaxAge:          30 * 24 * time.Hour,
		DuplicateWindow: 2 * time.Hour,
	}
}

// msgPublisher is the part of jetstream.JetStream the repository publishes through
type msgPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// JetStreamRepository publishes every conclusion to a JetStream stream, one subject per
// termination reason. The session id is the message id, so duplicates are dropped by the server.
type JetStreamRepository struct {
	nc     *nats.Conn
	js     msgPublisher
	config JetStreamConfig
	logger *zap.Logger
}

// ConnectJetStream dials NATS, makes sure the stream exists and returns a repository on it
func ConnectJetStream(ctx context.Context, cfg JetStreamConfig, logger *zap.Logger) (*JetStreamRepository, error) {
	opts := []nats.Option{
		nats.Name("duel-server"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Error("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.StreamName,
		Description: "Concluded duel sessions",
		Subjects:    []string{cfg.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		MaxAge:      cfg.MaxAge,
		Duplicates:  cfg.DuplicateWindow,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.StreamName, err)
	}

	logger.Info("JetStream ready",
		zap.String("stream", cfg.StreamName),
		zap.String("subjects", cfg.SubjectPrefix+".>"),
	)

	r := newJetStreamRepository(js, cfg, logger)
	r.nc = nc
	return r, nil
}

func newJetStreamRepository(js msgPublisher, cfg JetStreamConfig, logger *zap.Logger) *JetStreamRepository {
	return &JetStreamRepository{js: js, config: cfg, logger: logger}
}

// Subject returns the subject a conclusion is published on
func (r *JetStreamRepository) Subject(c game.Conclusion) string {
	return fmt.Sprintf("%s.%s", r.config.SubjectPrefix, c.Reason)
}

// Save publishes c and waits for the stream acknowledgement
func (r *JetStreamRepository) Save(ctx context.Context, c game.Conclusion) error {
	data, err := json.Marshal(NewRecord(c))
	if err != nil {
		return fmt.Errorf("marshal conclusion: %w", err)
	}

	sessionID := c.SessionID.String()
	ack, err := r.js.PublishMsg(ctx, &nats.Msg{
		Subject: r.Subject(c),
		Data:    data,
		Header: nats.Header{
			"Session-ID": []string{sessionID},
			"Result":     []string{c.Result()},
		},
	}, jetstream.WithMsgID(sessionID))
	if err != nil {
		return fmt.Errorf("publish conclusion %s: %w", sessionID, err)
	}

	r.logger.Debug("Conclusion published",
		zap.String("session_id", sessionID),
		zap.String("stream", ack.Stream),
		zap.Uint64("seq", ack.Sequence),
		zap.Bool("duplicate", ack.Duplicate),
	)
	return nil
}

// Close drains the NATS connection
func (r *JetStreamRepository) Close() error {
	if r.nc == nil {
		return nil
	}
	return r.nc.Drain()
}
