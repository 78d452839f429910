// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package controlplane connects the local dev loop to the backend: a
// persistent websocket event stream (run/stop/heartbeat) plus a small REST
// client for session status, session deletion, and trace fetches.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/RolloutLocal/internal/chunk"
	"github.com/AleutianAI/RolloutLocal/internal/discovery"
)

// DefaultHeartbeatWindow is how long the client waits between inbound
// messages before declaring the connection dead.
const DefaultHeartbeatWindow = 45 * time.Second

// ErrClientClosed is returned by ConnectAndListen after Close.
var ErrClientClosed = errors.New("control-channel client closed")

// ClientConfig configures a control-channel Client.
type ClientConfig struct {
	// BaseURL is the backend's http(s) base, e.g. "https://api.lmnr.ai".
	BaseURL string

	// ProjectAPIKey authenticates the websocket dial and is sent as a
	// bearer token.
	ProjectAPIKey string

	// SessionID identifies this rollout session.
	SessionID uuid.UUID

	// Handlers receive dispatched events.
	Handlers Handlers

	// HeartbeatWindow overrides DefaultHeartbeatWindow when positive.
	HeartbeatWindow time.Duration

	// Logger for connection lifecycle. Nil uses slog.Default().
	Logger *slog.Logger
}

// Client maintains the persistent control-channel connection.
//
// Thread Safety: Safe for concurrent use. UpdateMetadata and Close may be
// called from any goroutine while ConnectAndListen runs.
type Client struct {
	cfg      ClientConfig
	wsURL    string
	dialer   *websocket.Dialer
	logger   *slog.Logger
	window   time.Duration
	chunks   *chunk.Reassembler
	handlers Handlers

	mu     sync.Mutex
	conn   *websocket.Conn
	name   string
	params []discovery.Param

	// writeMu serializes socket writes; gorilla permits one writer at a
	// time and metadata pushes can race the connect push.
	writeMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient builds a Client. Metadata (function name and parameters) is
// pushed on every connect; set it before ConnectAndListen via SetMetadata.
func NewClient(cfg ClientConfig) (*Client, error) {
	wsURL, err := sessionSocketURL(cfg.BaseURL, cfg.SessionID)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	window := cfg.HeartbeatWindow
	if window <= 0 {
		window = DefaultHeartbeatWindow
	}

	return &Client{
		cfg:      cfg,
		wsURL:    wsURL,
		dialer:   websocket.DefaultDialer,
		logger:   logger.With("component", "control_channel"),
		window:   window,
		chunks:   chunk.NewReassembler(),
		handlers: cfg.Handlers,
		closed:   make(chan struct{}),
	}, nil
}

// sessionSocketURL derives the websocket endpoint from the HTTP base URL.
func sessionSocketURL(base string, sessionID uuid.UUID) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base URL scheme %q", u.Scheme)
	}
	u.Path, err = url.JoinPath(u.Path, "v1", "rollout", "sessions", sessionID.String(), "ws")
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// SetMetadata records the discovered function signature pushed on connect.
func (c *Client) SetMetadata(name string, params []discovery.Param) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
	c.params = params
}

// ConnectAndListen establishes the connection and dispatches events until
// ctx is canceled or Close is called. Connection loss and heartbeat
// timeouts trigger automatic reconnection with exponential backoff; they
// never cancel a run or return an error by themselves.
func (c *Client) ConnectAndListen(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return ErrClientClosed
		default:
		}

		conn, err := c.dialWithBackoff(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			select {
			case <-c.closed:
				return ErrClientClosed
			default:
			}
			return fmt.Errorf("control channel dial: %w", err)
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.logger.Info("control channel connected", "url", c.wsURL)
		if err := c.pushMetadata(conn); err != nil {
			c.logger.Warn("failed to push metadata on connect", "error", err)
		}

		c.readUntilClosed(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return ErrClientClosed
		default:
		}

		c.logger.Warn("control channel disconnected, reconnecting")
		if c.handlers.OnReconnecting != nil {
			c.handlers.OnReconnecting()
		}
	}
}

// dialWithBackoff retries the websocket dial until it succeeds or the
// context ends.
func (c *Client) dialWithBackoff(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.ProjectAPIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.ProjectAPIKey)
	}

	dial := func() (*websocket.Conn, error) {
		conn, _, err := c.dialer.DialContext(ctx, c.wsURL, header)
		return conn, err
	}
	notify := func(err error, next time.Duration) {
		c.logger.Warn("control channel dial failed", "error", err, "retry_in", next)
	}

	return backoff.Retry(ctx, dial,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithNotify(notify))
}

// readUntilClosed pumps inbound messages for one connection, with a
// heartbeat watchdog that severs the connection when the backend goes
// quiet. Returns when the connection dies for any reason.
func (c *Client) readUntilClosed(ctx context.Context, conn *websocket.Conn) {
	connDone := make(chan struct{})
	defer close(connDone)

	beats := make(chan struct{}, 1)

	// Watchdog: silence past the window means the connection is dead,
	// whatever the TCP layer thinks. Closing the conn unblocks the read
	// loop and the outer loop reconnects; this is a connectivity event,
	// not a run cancellation.
	go func() {
		timer := time.NewTimer(c.window)
		defer timer.Stop()
		for {
			select {
			case <-connDone:
				return
			case <-ctx.Done():
				return
			case <-beats:
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(c.window)
			case <-timer.C:
				c.logger.Warn("heartbeat timeout, forcing reconnect", "window", c.window)
				if c.handlers.OnHeartbeatTimeout != nil {
					c.handlers.OnHeartbeatTimeout()
				}
				_ = conn.Close()
				return
			}
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Info("control channel read ended", "error", err)
			}
			return
		}

		select {
		case beats <- struct{}{}:
		default:
		}

		c.dispatch(payload)
	}
}

// dispatch decodes one inbound message and routes it to a handler.
// Chunked messages are reassembled and re-dispatched whole.
func (c *Client) dispatch(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		c.logger.Warn("malformed control-channel event", "error", err)
		return
	}

	switch env.Type {
	case eventChunk:
		joined, complete, err := c.chunks.Add(env.BatchID, env.ChunkIndex, env.TotalChunks, env.Payload)
		if err != nil {
			c.logger.Warn("invalid event chunk", "batch_id", env.BatchID, "error", err)
			return
		}
		if complete {
			c.dispatch([]byte(joined))
		}

	case EventHandshake:
		var hs Handshake
		if err := json.Unmarshal(payload, &hs); err != nil {
			c.logger.Warn("malformed handshake event", "error", err)
			return
		}
		if c.handlers.OnHandshake != nil {
			c.handlers.OnHandshake(hs)
		}

	case EventRun:
		var run RunEvent
		if err := json.Unmarshal(payload, &run); err != nil {
			c.logger.Warn("malformed run event", "error", err)
			return
		}
		if c.handlers.OnRun != nil {
			c.handlers.OnRun(run)
		}

	case EventStop:
		if c.handlers.OnStop != nil {
			c.handlers.OnStop()
		}

	case EventHeartbeat:
		if c.handlers.OnHeartbeat != nil {
			c.handlers.OnHeartbeat()
		}

	case EventHeartbeatTimeout:
		// Backend-declared timeout: same contract as the local watchdog,
		// so the connection is severed and the outer loop reconnects.
		if c.handlers.OnHeartbeatTimeout != nil {
			c.handlers.OnHeartbeatTimeout()
		}
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}

	case EventReconnecting:
		if c.handlers.OnReconnecting != nil {
			c.handlers.OnReconnecting()
		}

	case EventError:
		c.logger.Warn("control channel error event", "message", env.Message)
		if c.handlers.OnError != nil {
			c.handlers.OnError(env.Message)
		}

	default:
		c.logger.Debug("ignoring unknown control-channel event", "type", string(env.Type))
	}
}

// UpdateMetadata pushes a revised function signature to the backend, used
// after a hot reload changes the callable's shape. The new signature is
// also retained for the next reconnect push.
func (c *Client) UpdateMetadata(name string, params []discovery.Param) error {
	c.mu.Lock()
	c.name = name
	c.params = params
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		// Not connected right now; the reconnect push will carry it.
		return nil
	}
	return c.writeMetadata(conn, name, params)
}

// pushMetadata sends the current signature on a fresh connection.
func (c *Client) pushMetadata(conn *websocket.Conn) error {
	c.mu.Lock()
	name, params := c.name, c.params
	c.mu.Unlock()
	return c.writeMetadata(conn, name, params)
}

func (c *Client) writeMetadata(conn *websocket.Conn, name string, params []discovery.Param) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if params == nil {
		params = []discovery.Param{}
	}
	msg := map[string]any{
		"type":   "metadata",
		"name":   name,
		"params": params,
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	c.logger.Debug("pushed function metadata", "name", name, "params", len(params))
	return nil
}

// Close tears down the connection and stops ConnectAndListen. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}
