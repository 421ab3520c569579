// Package signer computes the webhook payload and its delivery headers.
//
// The payload is the canonical JSON serialization of the event with a fixed
// field order, so receivers can verify the signature by recomputing
// HMAC-SHA256 over the exact bytes they were sent. The signer holds no
// state and is shared across all deliveries.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/ipcasj/ethhook/internal/domain"
)

// Delivery header names. Receivers deduplicate on HeaderWebhookID and
// verify HeaderSignature against the raw request body.
const (
	HeaderWebhookID = "x-webhook-id"
	HeaderSignature = "x-webhook-signature"
	HeaderAttempt   = "x-webhook-attempt"
)

// payload fixes the canonical field order of the delivered body. Field
// order in an encoded struct is declaration order, which makes the signed
// bytes reproducible for verification.
type payload struct {
	ChainID         uint64          `json:"chain_id"`
	BlockNumber     uint64          `json:"block_number"`
	ContractAddress string          `json:"contract_address"`
	TransactionHash string          `json:"transaction_hash"`
	LogIndex        uint32          `json:"log_index"`
	EventSignature  string          `json:"event_signature"`
	Payload         json.RawMessage `json:"payload"`
}

// Payload returns the canonical JSON body for an event.
func Payload(ev domain.Event) ([]byte, error) {
	raw := json.RawMessage(ev.Payload)
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	return json.Marshal(payload{
		ChainID:         ev.ChainID,
		BlockNumber:     ev.BlockNumber,
		ContractAddress: ev.ContractAddress,
		TransactionHash: ev.TransactionHash,
		LogIndex:        ev.LogIndex,
		EventSignature:  ev.EventSignature,
		Payload:         raw,
	})
}

// Sign returns the hex-encoded HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret. Comparison is
// constant-time. Provided for receiver-side verification in tests and
// tooling; the pipeline itself only signs.
func Verify(secret string, body []byte, signature string) bool {
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// WebhookID returns the stable identifier for an (event, endpoint) pair.
// It is constant across retries so receivers can deduplicate redeliveries.
func WebhookID(eventID, endpointID string) string {
	return "evt_" + eventID + ":" + endpointID
}

// Headers returns the delivery headers for one attempt.
func Headers(webhookID string, attempt int, signature string) map[string]string {
	return map[string]string{
		"Content-Type":  "application/json",
		HeaderWebhookID: webhookID,
		HeaderSignature: signature,
		HeaderAttempt:   strconv.Itoa(attempt),
	}
}
