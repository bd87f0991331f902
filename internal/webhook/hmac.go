package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// errVerification is deliberately uninformative; callers answer 403 either way.
var errVerification = errors.New("webhook verification failed")

// verifySignature checks the hex HMAC-SHA256 of body, keyed with secret,
// against the header value. The raw received bytes must be passed: any
// re-encoding of the JSON changes the digest.
//
// Gogs sends bare hex. A "sha256=" prefix is tolerated so that Gitea and
// GitHub-style senders can share the endpoint.
func verifySignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errVerification
	}

	actualMAC, err := parseSignature(signature)
	if err != nil {
		return errVerification
	}

	if subtle.ConstantTimeCompare(sign(body, secret), actualMAC) != 1 {
		return errVerification
	}
	return nil
}

// parseSignature decodes "<hex>" or "sha256=<hex>" into raw digest bytes.
func parseSignature(signature string) ([]byte, error) {
	signature = strings.TrimSpace(signature)
	signature = strings.TrimPrefix(signature, "sha256=")
	return hex.DecodeString(signature)
}

func sign(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// Sign returns the hex signature a sender would put in the signature header.
func Sign(body []byte, secret string) string {
	return hex.EncodeToString(sign(body, secret))
}
