// Package webhook receives Gogs webhook deliveries and relays them to chat.
//
// # Request Flow
//
//  1. POST / or POST /<path> arrives; the path segment selects a room from
//     the channels map (404 if unmapped, before the body is read)
//  2. Body size checked (413 if larger than max_body_size)
//  3. HMAC-SHA256 of the raw body compared in constant time against the
//     signature header (403 on mismatch, nothing is sent)
//  4. Body decoded into commit, pull request, comment and issue events
//  5. Each valid event rendered to text, joined with a blank line
//  6. The text is sent once to the room; 200 with the same text in the body
//
// # Error Responses
//
//   - 400 Bad Request: body is not a JSON object
//   - 403 Forbidden: invalid or missing signature (no details)
//   - 404 Not Found: unknown channel path
//   - 413 Payload Too Large: body exceeds max_body_size
//   - 422 Unprocessable Entity: every recognized event was malformed
//   - 429 Too Many Requests: per-client rate limit hit
//   - 502 Bad Gateway: the chat backend rejected the message
//
// A body with no recognized event answers 204 and sends nothing. When only
// some events are malformed the rest are still relayed.
//
// # Example Usage
//
//	sender := matrix.New(cfg.Matrix, logger)
//	server := webhook.New(*cfg, sender, logger)
//	if err := server.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
package webhook
