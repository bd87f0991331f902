// Package matrix delivers relay messages to Matrix rooms on top of mautrix:
// password login, room joins and m.room.message sends.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/mattjoyce/hookrelay/internal/config"
)

const (
	roomCacheSize = 256
	userAgent     = "hookrelay/1.0"
)

// Client delivers text messages to Matrix rooms.
//
// It is safe for concurrent use. mu guards only the session pointer; logins
// run outside it and concurrent callers share one attempt.
type Client struct {
	cfg        config.MatrixConfig
	httpClient *http.Client
	logger     *slog.Logger

	// anon performs the password login.
	anon *mautrix.Client

	mu      sync.Mutex
	session *mautrix.Client

	logins singleflight.Group
	rooms  *expirable.LRU[string, id.RoomID]

	loginAttempts uint
	loginBudget   time.Duration
	maxRetryDelay time.Duration
	newTxnID      func() string
}

// New builds a client from the connection descriptor. No network traffic
// happens until Login or Send.
func New(cfg config.MatrixConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.JoinCacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	budget := cfg.DeliveryTimeout
	if budget <= 0 {
		budget = config.DefaultDeliveryTimeout
	}

	c := &Client{
		cfg:           cfg,
		httpClient:    &http.Client{Timeout: timeout},
		logger:        logger.With("component", "matrix"),
		rooms:         expirable.NewLRU[string, id.RoomID](roomCacheSize, nil, ttl),
		loginAttempts: 3,
		loginBudget:   budget,
		maxRetryDelay: 30 * time.Second,
		newTxnID:      uuid.NewString,
	}

	anon, err := c.newAPI("", "")
	if err != nil {
		return nil, err
	}
	c.anon = anon

	if cfg.AccessToken != "" {
		session, err := c.newAPI(id.UserID(cfg.User), cfg.AccessToken)
		if err != nil {
			return nil, err
		}
		c.session = session
	}
	return c, nil
}

func (c *Client) newAPI(userID id.UserID, token string) (*mautrix.Client, error) {
	api, err := mautrix.NewClient(c.cfg.Homeserver, userID, token)
	if err != nil {
		return nil, fmt.Errorf("matrix client for %s: %w", c.cfg.Homeserver, err)
	}
	api.Client = c.httpClient
	api.UserAgent = userAgent
	// Retries are decided here, never inside a single request.
	api.DefaultHTTPRetries = 0
	return api, nil
}

// Login obtains an access token with the configured password. It is a no-op
// when a session is already held. Transient failures are retried with
// backoff; rejected credentials are not.
func (c *Client) Login(ctx context.Context) error {
	_, err := c.currentSession(ctx)
	return err
}

// currentSession returns the authenticated client, logging in first when
// needed. Waiters give up when ctx ends; the shared login runs on under its
// own budget so the next delivery can reuse it.
func (c *Client) currentSession(ctx context.Context) (*mautrix.Client, error) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session != nil {
		return session, nil
	}

	ch := c.logins.DoChan("login", func() (any, error) {
		loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loginBudget)
		defer cancel()
		return c.login(loginCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*mautrix.Client), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("matrix login: %w", ctx.Err())
	}
}

func (c *Client) login(ctx context.Context) (*mautrix.Client, error) {
	if c.cfg.User == "" || c.cfg.Password == "" {
		return nil, fmt.Errorf("%w: no access token and no password configured", ErrUnauthorized)
	}

	req := &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: c.cfg.User,
		},
		Password:                 c.cfg.Password,
		DeviceID:                 id.DeviceID(c.cfg.DeviceID),
		InitialDeviceDisplayName: "hookrelay",
	}

	resp, err := retry.DoWithData(
		func() (*mautrix.RespLogin, error) {
			resp, err := c.anon.Login(ctx, req)
			if err == nil {
				return resp, nil
			}
			if !retryableLogin(err) {
				return nil, retry.Unrecoverable(err)
			}
			c.logger.Warn("matrix login failed (will retry)", "error", err)
			return nil, err
		},
		retry.Attempts(c.loginAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(c.maxRetryDelay),
		retry.MaxJitter(time.Second),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("matrix login as %s: %w", c.cfg.User, err)
	}
	if resp.AccessToken == "" {
		return nil, errors.New("matrix login: homeserver returned no access token")
	}

	session, err := c.newAPI(resp.UserID, resp.AccessToken)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	c.logger.Info("logged in to matrix", "user_id", resp.UserID, "device_id", resp.DeviceID)
	return session, nil
}

// Send posts text to room, which may be a room ID or an alias. The message is
// attempted exactly once. A failed send forgets the room's join so the next
// delivery joins again; a rejected token is dropped so it logs in again.
func (c *Client) Send(ctx context.Context, room, text string) error {
	session, err := c.currentSession(ctx)
	if err != nil {
		return err
	}

	roomID, err := c.resolveRoom(ctx, session, room)
	if err != nil {
		return c.failure(session, err)
	}

	content := NewMessage(text, !c.cfg.PlainText)
	resp, err := session.SendMessageEvent(ctx, roomID, event.EventMessage, content,
		mautrix.ReqSendEvent{TransactionID: c.newTxnID()})
	if err != nil {
		c.rooms.Remove(room)
		return c.failure(session, fmt.Errorf("send to %s: %w", room, err))
	}

	c.logger.Debug("message sent", "room", room, "room_id", roomID, "event_id", resp.EventID)
	return nil
}

// resolveRoom joins room and returns its room ID. Aliases are resolved
// first. Joining an already joined room is idempotent on the homeserver, so
// the cache only saves round trips.
func (c *Client) resolveRoom(ctx context.Context, session *mautrix.Client, room string) (id.RoomID, error) {
	if cached, ok := c.rooms.Get(room); ok {
		return cached, nil
	}

	roomID := id.RoomID(room)
	if strings.HasPrefix(room, "#") {
		resolved, err := session.ResolveAlias(ctx, id.RoomAlias(room))
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", room, err)
		}
		roomID = resolved.RoomID
	}

	if _, err := session.JoinRoomByID(ctx, roomID); err != nil {
		return "", fmt.Errorf("join %s: %w", room, err)
	}

	c.rooms.Add(room, roomID)
	c.logger.Debug("joined room", "room", room, "room_id", roomID)
	return roomID, nil
}

// failure drops session when the homeserver refused its token and a password
// is available to log in again. The returned error wraps ErrUnauthorized in
// that case.
func (c *Client) failure(session *mautrix.Client, err error) error {
	if !isUnauthorized(err) {
		return err
	}
	if c.cfg.Password != "" {
		c.mu.Lock()
		if c.session == session {
			c.session = nil
		}
		c.mu.Unlock()
		c.rooms.Purge()
	}
	return fmt.Errorf("%w: %w", ErrUnauthorized, err)
}
