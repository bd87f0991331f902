package matrix

import (
	"errors"
	"html"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
)

// ErrUnauthorized is returned when the homeserver rejects the credentials or
// the access token.
var ErrUnauthorized = errors.New("matrix: unauthorized")

// isUnauthorized reports whether the homeserver refused the access token.
func isUnauthorized(err error) bool {
	return errors.Is(err, mautrix.MUnknownToken) || errors.Is(err, mautrix.MMissingToken)
}

// errCode extracts the Matrix errcode from err, or "" when the homeserver
// answered without one (network failure, proxy error page).
func errCode(err error) string {
	var ptr *mautrix.RespError
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.ErrCode
	}
	var val mautrix.RespError
	if errors.As(err, &val) {
		return val.ErrCode
	}
	return ""
}

// retryableLogin separates transient login failures from rejected requests.
func retryableLogin(err error) bool {
	switch errCode(err) {
	case "", "M_UNKNOWN", "M_LIMIT_EXCEEDED":
		return true
	default:
		return false
	}
}

// NewMessage builds an m.text event. With formatted set, an HTML rendition
// with <br /> line breaks accompanies the plain body.
func NewMessage(text string, formatted bool) *event.MessageEventContent {
	msg := &event.MessageEventContent{MsgType: event.MsgText, Body: text}
	if formatted {
		msg.Format = event.FormatHTML
		msg.FormattedBody = HTMLBody(text)
	}
	return msg
}

// HTMLBody escapes text and turns newlines into <br /> tags.
func HTMLBody(text string) string {
	return strings.ReplaceAll(html.EscapeString(text), "\n", "<br />")
}
