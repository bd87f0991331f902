package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"

	"github.com/mattjoyce/hookrelay/internal/config"
)

const (
	loginPath   = "/_matrix/client/v3/login"
	joinPrefix  = "/_matrix/client/v3/join/"
	roomsPrefix = "/_matrix/client/v3/rooms/"
	aliasPrefix = "/_matrix/client/v3/directory/room/"
)

// fakeHomeserver records the calls a Client makes.
type fakeHomeserver struct {
	// loginGate, when set before the server starts, holds every login
	// until it is closed.
	loginGate chan struct{}

	mu sync.Mutex

	token       string
	loginStatus []int // consumed per login call; 200 once exhausted
	sendStatus  int
	sendErrCode string
	// kicked rejects sends with M_FORBIDDEN until the next join.
	kicked bool
	rec    record
}

type record struct {
	loginsStarted int
	logins        int
	aliases       []string
	joins         []string
	sends         []sentMessage
	authHeaders   []string
	loginRequest  loginBody
}

type loginBody struct {
	Type       string `json:"type"`
	Identifier struct {
		Type string `json:"type"`
		User string `json:"user"`
	} `json:"identifier"`
	Password string `json:"password"`
	DeviceID string `json:"device_id"`
}

type sentContent struct {
	MsgType       string `json:"msgtype"`
	Body          string `json:"body"`
	Format        string `json:"format"`
	FormattedBody string `json:"formatted_body"`
}

type sentMessage struct {
	RoomID  string
	TxnID   string
	Content sentContent
}

func newFakeHomeserver() *fakeHomeserver {
	return &fakeHomeserver{token: "tok-1", sendStatus: http.StatusOK}
}

func (f *fakeHomeserver) snapshot() record {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.rec
	r.aliases = append([]string(nil), f.rec.aliases...)
	r.joins = append([]string(nil), f.rec.joins...)
	r.sends = append([]sentMessage(nil), f.rec.sends...)
	r.authHeaders = append([]string(nil), f.rec.authHeaders...)
	return r
}

func (f *fakeHomeserver) setSendStatus(status int, errCode string) {
	f.mu.Lock()
	f.sendStatus = status
	f.sendErrCode = errCode
	f.mu.Unlock()
}

func (f *fakeHomeserver) kick() {
	f.mu.Lock()
	f.kicked = true
	f.mu.Unlock()
}

func writeMatrixError(w http.ResponseWriter, status int, code, msg string) {
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"errcode":%q,"error":%q}`, code, msg)
}

func (f *fakeHomeserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.loginGate != nil && r.Method == http.MethodPost && r.URL.Path == loginPath {
		f.mu.Lock()
		f.rec.loginsStarted++
		f.mu.Unlock()
		<-f.loginGate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")
	path := r.URL.Path

	switch {
	case r.Method == http.MethodPost && path == loginPath:
		f.rec.logins++
		_ = json.Unmarshal(body, &f.rec.loginRequest)
		if len(f.loginStatus) > 0 {
			status := f.loginStatus[0]
			f.loginStatus = f.loginStatus[1:]
			switch {
			case status >= 500:
				w.Header().Set("Content-Type", "text/html")
				w.WriteHeader(status)
				_, _ = io.WriteString(w, "<html>upstream unavailable</html>")
				return
			case status != http.StatusOK:
				writeMatrixError(w, status, "M_FORBIDDEN", "Invalid password")
				return
			}
		}
		_, _ = fmt.Fprintf(w, `{"access_token":%q,"user_id":"@relay:example.org","device_id":"DEV"}`, f.token)

	case r.Method == http.MethodGet && strings.HasPrefix(path, aliasPrefix):
		f.rec.authHeaders = append(f.rec.authHeaders, r.Header.Get("Authorization"))
		f.rec.aliases = append(f.rec.aliases, strings.TrimPrefix(path, aliasPrefix))
		_, _ = io.WriteString(w, `{"room_id":"!resolved:example.org","servers":["example.org"]}`)

	case r.Method == http.MethodPost && (strings.HasPrefix(path, joinPrefix) ||
		(strings.HasPrefix(path, roomsPrefix) && strings.HasSuffix(path, "/join"))):
		f.rec.authHeaders = append(f.rec.authHeaders, r.Header.Get("Authorization"))
		room := strings.TrimPrefix(path, joinPrefix)
		room = strings.TrimSuffix(strings.TrimPrefix(room, roomsPrefix), "/join")
		f.rec.joins = append(f.rec.joins, room)
		f.kicked = false
		_, _ = fmt.Fprintf(w, `{"room_id":%q}`, room)

	case r.Method == http.MethodPut && strings.HasPrefix(path, roomsPrefix) && strings.Contains(path, "/send/m.room.message/"):
		f.rec.authHeaders = append(f.rec.authHeaders, r.Header.Get("Authorization"))
		parts := strings.SplitN(strings.TrimPrefix(path, roomsPrefix), "/send/m.room.message/", 2)
		var content sentContent
		_ = json.Unmarshal(body, &content)
		f.rec.sends = append(f.rec.sends, sentMessage{RoomID: parts[0], TxnID: parts[1], Content: content})
		if f.kicked {
			writeMatrixError(w, http.StatusForbidden, "M_FORBIDDEN", "User not in room")
			return
		}
		if f.sendStatus != http.StatusOK {
			writeMatrixError(w, f.sendStatus, f.sendErrCode, "rejected")
			return
		}
		_, _ = io.WriteString(w, `{"event_id":"$evt"}`)

	default:
		writeMatrixError(w, http.StatusNotFound, "M_UNRECOGNIZED", "unknown endpoint")
	}
}

func newTestClient(t *testing.T, hs *fakeHomeserver, mutate func(*config.MatrixConfig)) *Client {
	t.Helper()
	srv := httptest.NewServer(hs)
	t.Cleanup(srv.Close)

	cfg := config.MatrixConfig{
		Homeserver:      srv.URL,
		User:            "@relay:example.org",
		Password:        "hunter2",
		DeviceID:        "hookrelay",
		Timeout:         5 * time.Second,
		DeliveryTimeout: 10 * time.Second,
		JoinCacheTTL:    time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	c.maxRetryDelay = time.Millisecond

	var mu sync.Mutex
	n := 0
	c.newTxnID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("txn-%d", n)
	}
	return c
}

func TestSendLogsInResolvesJoinsAndSends(t *testing.T) {
	hs := newFakeHomeserver()
	c := newTestClient(t, hs, nil)

	err := c.Send(context.Background(), "#ops:example.org", "line one\nline <two>")
	require.NoError(t, err)

	rec := hs.snapshot()
	assert.Equal(t, 1, rec.logins)
	assert.Equal(t, "m.login.password", rec.loginRequest.Type)
	assert.Equal(t, "m.id.user", rec.loginRequest.Identifier.Type)
	assert.Equal(t, "@relay:example.org", rec.loginRequest.Identifier.User)
	assert.Equal(t, "hunter2", rec.loginRequest.Password)
	assert.Equal(t, "hookrelay", rec.loginRequest.DeviceID)
	assert.Equal(t, []string{"#ops:example.org"}, rec.aliases)
	assert.Equal(t, []string{"!resolved:example.org"}, rec.joins)

	require.Len(t, rec.sends, 1)
	sent := rec.sends[0]
	assert.Equal(t, "!resolved:example.org", sent.RoomID)
	assert.Equal(t, "txn-1", sent.TxnID)
	assert.Equal(t, "m.text", sent.Content.MsgType)
	assert.Equal(t, "line one\nline <two>", sent.Content.Body)
	assert.Equal(t, "org.matrix.custom.html", sent.Content.Format)
	assert.Equal(t, "line one<br />line &lt;two&gt;", sent.Content.FormattedBody)

	for _, h := range rec.authHeaders {
		assert.Equal(t, "Bearer tok-1", h)
	}
}

func TestSendCachesJoinedRooms(t *testing.T) {
	hs := newFakeHomeserver()
	c := newTestClient(t, hs, nil)
	ctx := context.Background()

	require.NoError(t, c.Send(ctx, "!abc:example.org", "one"))
	require.NoError(t, c.Send(ctx, "!abc:example.org", "two"))

	rec := hs.snapshot()
	assert.Equal(t, 1, rec.logins)
	assert.Equal(t, []string{"!abc:example.org"}, rec.joins)
	assert.Empty(t, rec.aliases)
	require.Len(t, rec.sends, 2)
	assert.NotEqual(t, rec.sends[0].TxnID, rec.sends[1].TxnID)
}

func TestSendRejoinsAfterRejectedSend(t *testing.T) {
	hs := newFakeHomeserver()
	c := newTestClient(t, hs, func(cfg *config.MatrixConfig) {
		cfg.Password = ""
		cfg.AccessToken = "static-token"
	})
	ctx := context.Background()

	require.NoError(t, c.Send(ctx, "!abc:example.org", "one"))
	assert.Len(t, hs.snapshot().joins, 1)

	// The bot left the room; the cached join is stale.
	hs.kick()
	err := c.Send(ctx, "!abc:example.org", "two")
	require.Error(t, err)
	assert.ErrorIs(t, err, mautrix.MForbidden)
	assert.NotErrorIs(t, err, ErrUnauthorized)
	assert.Len(t, hs.snapshot().joins, 1)

	require.NoError(t, c.Send(ctx, "!abc:example.org", "three"))
	rec := hs.snapshot()
	assert.Len(t, rec.joins, 2)
	assert.Len(t, rec.sends, 3)
	assert.Equal(t, 0, rec.logins)
}

func TestSendWithAccessTokenSkipsLogin(t *testing.T) {
	hs := newFakeHomeserver()
	c := newTestClient(t, hs, func(cfg *config.MatrixConfig) {
		cfg.Password = ""
		cfg.AccessToken = "static-token"
	})

	require.NoError(t, c.Send(context.Background(), "!abc:example.org", "hi"))
	rec := hs.snapshot()
	assert.Equal(t, 0, rec.logins)
	require.NotEmpty(t, rec.authHeaders)
	assert.Equal(t, "Bearer static-token", rec.authHeaders[0])
}

func TestSendPlainText(t *testing.T) {
	hs := newFakeHomeserver()
	c := newTestClient(t, hs, func(cfg *config.MatrixConfig) { cfg.PlainText = true })

	require.NoError(t, c.Send(context.Background(), "!abc:example.org", "a\nb"))
	rec := hs.snapshot()
	require.Len(t, rec.sends, 1)
	assert.Equal(t, "a\nb", rec.sends[0].Content.Body)
	assert.Empty(t, rec.sends[0].Content.Format)
	assert.Empty(t, rec.sends[0].Content.FormattedBody)
}

func TestSendUnknownTokenLogsInAgain(t *testing.T) {
	hs := newFakeHomeserver()
	hs.sendStatus = http.StatusUnauthorized
	hs.sendErrCode = "M_UNKNOWN_TOKEN"
	c := newTestClient(t, hs, nil)
	ctx := context.Background()

	err := c.Send(ctx, "!abc:example.org", "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorIs(t, err, mautrix.MUnknownToken)
	assert.Len(t, hs.snapshot().sends, 1, "a failed send is not retried")

	hs.setSendStatus(http.StatusOK, "")
	require.NoError(t, c.Send(ctx, "!abc:example.org", "again"))
	rec := hs.snapshot()
	assert.Equal(t, 2, rec.logins)
	assert.Len(t, rec.joins, 2)
}

func TestConcurrentSendsShareOneLogin(t *testing.T) {
	hs := newFakeHomeserver()
	c := newTestClient(t, hs, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Send(context.Background(), "!abc:example.org", "hi")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rec := hs.snapshot()
	assert.Equal(t, 1, rec.logins)
	assert.Len(t, rec.sends, 8)
}

func TestSendGivesUpWaitingForSlowLogin(t *testing.T) {
	hs := newFakeHomeserver()
	hs.loginGate = make(chan struct{})
	c := newTestClient(t, hs, nil)

	first := make(chan error, 1)
	go func() {
		first <- c.Send(context.Background(), "!abc:example.org", "first")
	}()
	require.Eventually(t, func() bool { return hs.snapshot().loginsStarted == 1 },
		2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := c.Send(ctx, "!abc:example.org", "second")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	close(hs.loginGate)
	require.NoError(t, <-first)
	assert.Equal(t, 1, hs.snapshot().logins)
}

func TestLoginRetriesServerErrors(t *testing.T) {
	hs := newFakeHomeserver()
	hs.loginStatus = []int{http.StatusBadGateway, http.StatusServiceUnavailable}
	c := newTestClient(t, hs, nil)

	require.NoError(t, c.Login(context.Background()))
	assert.Equal(t, 3, hs.snapshot().logins)
}

func TestLoginDoesNotRetryRejectedCredentials(t *testing.T) {
	hs := newFakeHomeserver()
	hs.loginStatus = []int{http.StatusForbidden}
	c := newTestClient(t, hs, nil)

	err := c.Login(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, mautrix.MForbidden)
	assert.Equal(t, 1, hs.snapshot().logins)
}

func TestLoginWithoutCredentials(t *testing.T) {
	hs := newFakeHomeserver()
	c := newTestClient(t, hs, func(cfg *config.MatrixConfig) { cfg.Password = "" })

	err := c.Login(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 0, hs.snapshot().logins)
}

func TestNewRejectsBadHomeserver(t *testing.T) {
	_, err := New(config.MatrixConfig{Homeserver: "://nope"}, nil)
	assert.Error(t, err)
}

func TestRetryableLogin(t *testing.T) {
	assert.True(t, retryableLogin(fmt.Errorf("dial: %w", io.ErrUnexpectedEOF)))
	assert.True(t, retryableLogin(mautrix.MLimitExceeded))
	assert.False(t, retryableLogin(mautrix.MForbidden))
	assert.False(t, retryableLogin(fmt.Errorf("wrapped: %w", mautrix.MForbidden)))
}

func TestHTMLBody(t *testing.T) {
	assert.Equal(t, "a &amp; b<br /><br />c", HTMLBody("a & b\n\nc"))
}
