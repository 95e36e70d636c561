// Package wsclient is the participant side of the signaling WebSocket.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/callhub/internal/core"
	"github.com/dkeye/callhub/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ParticipantHeader must match what the server's identity middleware reads.
const ParticipantHeader = "X-Participant-ID"

const writeWait = 5 * time.Second

var ErrClosed = errors.New("signal client closed")

// Client is one control channel. Send is safe for concurrent use; Run owns
// the read side.
type Client struct {
	conn *websocket.Conn
	self domain.UserID

	mu     sync.Mutex
	closed chan struct{}
	once   sync.Once
}

// Dial connects to server as self. name is shown to other participants.
func Dial(ctx context.Context, server string, self domain.UserID, name string) (*Client, error) {
	header := http.Header{}
	header.Set(ParticipantHeader, string(self))
	if name != "" {
		var err error
		if server, err = withQuery(server, "name", name); err != nil {
			return nil, err
		}
	}

	log.Info().Str("module", "wsclient").Str("url", server).Str("user", string(self)).Msg("connecting")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, server, header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &Client{conn: conn, self: self, closed: make(chan struct{})}, nil
}

func withQuery(raw, key, value string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Send stamps the sender and writes one envelope.
func (c *Client) Send(ctx context.Context, env core.Envelope) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	env.From = c.self
	frame, err := env.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	log.Debug().Str("module", "wsclient").Str("type", string(env.Type)).Str("to", string(env.To)).Str("room", string(env.RoomID)).Msg(">>>")
	return nil
}

// Run delivers inbound envelopes to handle until ctx ends or the connection
// drops. Frames that are not envelopes (pong, whoami) are skipped.
func (c *Client) Run(ctx context.Context, handle func(core.Envelope)) error {
	stop := context.AfterFunc(ctx, c.Close)
	defer stop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return ctx.Err()
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		env, err := core.Decode(data)
		if err != nil {
			log.Debug().Err(err).Str("module", "wsclient").Msg("skip frame")
			continue
		}
		handle(env)
	}
}

// Close sends a close frame and drops the connection. It is idempotent.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.closed)
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.mu.Unlock()
		_ = c.conn.Close()
		log.Info().Str("module", "wsclient").Str("user", string(c.self)).Msg("closed")
	})
}
