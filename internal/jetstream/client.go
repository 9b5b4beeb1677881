package jetstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/apperrors"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/logger"
)

const (
	connectionName = "daisi-im-bridge"
	reconnectWait  = 2 * time.Second
)

// Client is the bridge's single NATS connection. Message and task events go to the
// JetStream stream, platform control events go out on core NATS.
type Client struct {
	conn   *nats.Conn
	stream nats.JetStreamContext
}

var _ ClientInterface = (*Client)(nil)

// NewClient dials url and keeps reconnecting forever. A server that is down at startup
// is not an error; publishes fail with ErrNATS until it comes up.
func NewClient(url string) (*Client, error) {
	log := logger.Log.Named("nats")

	conn, err := nats.Connect(url,
		nats.Name(connectionName),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("Connection lost", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("Connection restored", zap.String("url", c.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			log.Error("Async NATS error", fields...)
		}),
	)
	if err != nil {
		return nil, natsErr(err, "connect to %s", url)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, natsErr(err, "open JetStream context")
	}
	return &Client{conn: conn, stream: js}, nil
}

// SetupStream creates the stream when missing and updates it when its configuration drifted.
func (c *Client) SetupStream(ctx context.Context, want *nats.StreamConfig) error {
	log := logger.FromContext(ctx).With(zap.String("stream", want.Name))

	info, err := c.stream.StreamInfo(want.Name, nats.Context(ctx))
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, err := c.stream.AddStream(want, nats.Context(ctx)); err != nil {
			return natsErr(err, "create stream %s", want.Name)
		}
		log.Info("Stream created", zap.Strings("subjects", want.Subjects))
		return nil
	case err != nil:
		return natsErr(err, "look up stream %s", want.Name)
	}

	if streamConfigEqual(info.Config, *want) {
		log.Info("Stream up to date")
		return nil
	}
	if _, err := c.stream.UpdateStream(want, nats.Context(ctx)); err != nil {
		return natsErr(err, "update stream %s", want.Name)
	}
	log.Info("Stream updated", zap.Strings("subjects", want.Subjects))
	return nil
}

// Publish stores data on a stream subject and waits for the ack. A non-empty msgID is
// sent as Nats-Msg-Id so the server drops repeats inside its duplicate window.
func (c *Client) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	if msgID != "" {
		msg.Header.Set(nats.MsgIdHdr, msgID)
	}

	ack, err := c.stream.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return natsErr(err, "publish to %s", subject)
	}
	if ack.Duplicate {
		logger.FromContext(ctx).Debug("Duplicate publish dropped by stream",
			zap.String("subject", subject), zap.String("msg_id", msgID))
	}
	return nil
}

func (c *Client) Broadcast(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return natsErr(err, "broadcast on %s", subject)
	}
	return nil
}

func (c *Client) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, natsErr(err, "subscribe to %s", subject)
	}
	return sub, nil
}

// Connected reports whether the connection is currently up (not reconnecting or closed).
func (c *Client) Connected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close drains subscriptions first so in-flight handlers finish.
func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		logger.Log.Warn("NATS drain failed, closing", zap.Error(err))
		c.conn.Close()
	}
}

func natsErr(err error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %w", apperrors.ErrNATS, fmt.Sprintf(format, args...), err)
}
