// Package events defines the outbox event record, its binary wire codec,
// and the dispatcher that drains committed rows to downstream consumers.
// Rows are written in the same transaction as the state change that caused
// them; delivery is at-least-once and consumers deduplicate by event id.
package events

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SchemaVersion is stamped on every event this build emits. Consumers gate
// payload parsing on it.
const SchemaVersion = 1

// Event names not derived from a txn type.
const (
	NameJournalChained    = "JOURNAL_CHAINED"
	NameApprovalRequested = "APPROVAL_REQUESTED"
	NameApprovalDecided   = "APPROVAL_DECIDED"
	NameApprovalExpired   = "APPROVAL_EXPIRED"
	NameApprovalEscalated = "APPROVAL_ESCALATED"
)

// PostedName derives the event name for a posted journal: P2P_POSTED,
// REVERSAL_POSTED and so on.
func PostedName(txnType string) string {
	return txnType + "_POSTED"
}

// Event is one outbox row. IDs are ULIDs, so lexical order is commit-time
// order and the dispatch cursor is a plain string comparison.
type Event struct {
	ID            string    `codec:"id" json:"id"`
	Name          string    `codec:"name" json:"name"`
	EntityType    string    `codec:"entity_type" json:"entity_type"`
	EntityID      string    `codec:"entity_id" json:"entity_id"`
	CorrelationID string    `codec:"correlation_id" json:"correlation_id"`
	CausationID   string    `codec:"causation_id,omitempty" json:"causation_id,omitempty"`
	ActorType     string    `codec:"actor_type" json:"actor_type"`
	ActorID       string    `codec:"actor_id" json:"actor_id"`
	SchemaVersion int       `codec:"schema_version" json:"schema_version"`
	PayloadJSON   []byte    `codec:"payload_json" json:"payload_json"`
	CreatedAt     time.Time `codec:"created_at" json:"created_at"`
}

// RoutingKey renders the name as an AMQP topic key: P2P_POSTED becomes
// "p2p.posted".
func (e *Event) RoutingKey() string {
	return strings.ToLower(strings.ReplaceAll(e.Name, "_", "."))
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID mints a ULID for the given instant. The monotonic entropy source is
// shared, so IDs minted in one process never collide and sort by call order
// within the same millisecond.
func NewID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
