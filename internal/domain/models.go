// Package domain defines the persistence models for applications, endpoints,
// events, and delivery attempts. These types are mapped with GORM and form
// the core data layer of the delivery pipeline.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Event status values. Status is a projection owned by the delivery
// pipeline; the Event row itself is immutable after creation.
const (
	EventStatusPending   = "pending"
	EventStatusDelivered = "delivered"
	EventStatusFailed    = "failed"
)

// StringList stores a set of strings as a JSON text column so the same
// model works on SQLite and Postgres. A nil/empty list means "no filter"
// (wildcard) wherever it is used as a subscription dimension.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		return json.Unmarshal([]byte(v), l)
	case []byte:
		return json.Unmarshal(v, l)
	default:
		return errors.New("domain: unsupported source type for StringList")
	}
}

// Uint64List stores a set of chain IDs as a JSON text column.
type Uint64List []uint64

// Value implements driver.Valuer.
func (l Uint64List) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *Uint64List) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		return json.Unmarshal([]byte(v), l)
	case []byte:
		return json.Unmarshal(v, l)
	default:
		return errors.New("domain: unsupported source type for Uint64List")
	}
}

// Application groups endpoints under one customer-facing project. Created
// and managed by the admin API; read-only for the pipeline.
type Application struct {
	ID        string    `json:"id"      gorm:"type:char(36);primaryKey"`
	UserID    string    `json:"user_id" gorm:"type:varchar(64);not null;index"`
	Name      string    `json:"name"    gorm:"type:varchar(255);not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Application.
func (Application) TableName() string { return "applications" }

// Endpoint is a customer-registered webhook target with a subscription
// filter and signing secret. The filter is a conjunction across dimensions
// and a disjunction within each dimension; an empty ContractAddresses or
// EventSignatures set means "any".
//
// Endpoints are created/updated by the admin API and consumed read-only by
// the matcher, which captures URL and secret into the delivery job at match
// time.
type Endpoint struct {
	ID                 string     `json:"id"             gorm:"type:char(36);primaryKey"`
	ApplicationID      string     `json:"application_id" gorm:"type:char(36);not null;index"`
	Name               string     `json:"name"           gorm:"type:varchar(255);not null"`
	WebhookURL         string     `json:"webhook_url"    gorm:"type:text;not null"`
	HMACSecret         string     `json:"-"              gorm:"type:varchar(255);not null"`
	ChainIDs           Uint64List `json:"chain_ids"          gorm:"type:text"`
	ContractAddresses  StringList `json:"contract_addresses" gorm:"type:text"`
	EventSignatures    StringList `json:"event_signatures"   gorm:"type:text"`
	RateLimitPerSecond float64    `json:"rate_limit_per_second" gorm:"not null;default:0"`
	MaxAttempts        int        `json:"max_attempts"          gorm:"not null;default:0"`
	Active             bool       `json:"active"         gorm:"not null;default:true;index"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Endpoint.
func (Endpoint) TableName() string { return "endpoints" }

// Event is a decoded on-chain occurrence eligible for delivery. Rows are
// immutable once created except for the Status/Attempts projection owned by
// the pipeline. The (chain_id, transaction_hash, log_index) key makes
// re-ingestion idempotent: the ingestor may redeliver after reorg-safe
// replays and the ledger keeps exactly one row.
type Event struct {
	ID              string    `json:"id"               gorm:"type:char(36);primaryKey"`
	ChainID         uint64    `json:"chain_id"         gorm:"not null;uniqueIndex:ux_event_natural,priority:1"`
	ContractAddress string    `json:"contract_address" gorm:"type:varchar(64);not null;index"`
	EventSignature  string    `json:"event_signature"  gorm:"type:varchar(128);not null"`
	BlockNumber     uint64    `json:"block_number"     gorm:"not null"`
	BlockHash       string    `json:"block_hash"       gorm:"type:varchar(128)"`
	TransactionHash string    `json:"transaction_hash" gorm:"type:varchar(128);not null;uniqueIndex:ux_event_natural,priority:2"`
	LogIndex        uint32    `json:"log_index"        gorm:"not null;uniqueIndex:ux_event_natural,priority:3"`
	Payload         string    `json:"payload"          gorm:"type:text;not null"`
	Status          string    `json:"status"           gorm:"type:varchar(16);not null;default:'pending';index;check:status IN ('pending','delivered','failed')"`
	Attempts        int       `json:"attempts"         gorm:"not null;default:0"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName returns the database table name for Event.
func (Event) TableName() string { return "events" }

// DeliveryAttempt is the append-only record of one delivery try for an
// (event, endpoint) pair. Attempt numbers are 1-based and strictly
// increasing per pair; rows are never mutated after creation.
type DeliveryAttempt struct {
	ID              string    `json:"id"             gorm:"type:char(36);primaryKey"`
	EventID         string    `json:"event_id"       gorm:"type:char(36);not null;index:idx_attempt_pair,priority:1"`
	EndpointID      string    `json:"endpoint_id"    gorm:"type:char(36);not null;index:idx_attempt_pair,priority:2"`
	AttemptNumber   int       `json:"attempt_number" gorm:"not null"`
	HTTPStatusCode  *int      `json:"http_status_code,omitempty"`
	ResponseBody    string    `json:"response_body,omitempty"   gorm:"type:text"`
	ResponseHeaders string    `json:"response_headers,omitempty" gorm:"type:text"`
	ErrorMessage    *string   `json:"error_message,omitempty"   gorm:"type:text"`
	DurationMS      int64     `json:"duration_ms"    gorm:"not null"`
	Success         bool      `json:"success"        gorm:"not null"`
	CreatedAt       time.Time `json:"created_at"     gorm:"index"`
}

// TableName returns the database table name for DeliveryAttempt.
func (DeliveryAttempt) TableName() string { return "delivery_attempts" }
