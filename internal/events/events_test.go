package events

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostedName(t *testing.T) {
	assert.Equal(t, "P2P_POSTED", PostedName("P2P"))
	assert.Equal(t, "REVERSAL_POSTED", PostedName("REVERSAL"))
	assert.Equal(t, "FLOAT_TOPUP_POSTED", PostedName("FLOAT_TOPUP"))
}

func TestRoutingKey(t *testing.T) {
	ev := &Event{Name: "P2P_POSTED"}
	assert.Equal(t, "p2p.posted", ev.RoutingKey())

	ev.Name = NameApprovalDecided
	assert.Equal(t, "approval.decided", ev.RoutingKey())
}

func TestNewIDOrdering(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	ids := []string{
		NewID(base),
		NewID(base), // same millisecond, monotonic entropy
		NewID(base.Add(time.Millisecond)),
		NewID(base.Add(time.Hour)),
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	assert.Equal(t, sorted, ids)

	seen := make(map[string]bool)
	for _, id := range ids {
		require.Len(t, id, 26)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 30, 15, 123456789, time.UTC)
	ev := &Event{
		ID:            NewID(created),
		Name:          "P2P_POSTED",
		EntityType:    "journal",
		EntityID:      "jrn-1",
		CorrelationID: "corr-1",
		CausationID:   "cause-1",
		ActorType:     "CUSTOMER",
		ActorID:       "actor-1",
		SchemaVersion: SchemaVersion,
		PayloadJSON:   []byte(`{"journal_id":"jrn-1","total_minor":2500}`),
		CreatedAt:     created,
	}

	wire, err := Marshal(ev)
	require.NoError(t, err)
	require.NotEmpty(t, wire)

	got, err := Unmarshal(wire)
	require.NoError(t, err)

	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.Name, got.Name)
	assert.Equal(t, ev.EntityType, got.EntityType)
	assert.Equal(t, ev.EntityID, got.EntityID)
	assert.Equal(t, ev.CorrelationID, got.CorrelationID)
	assert.Equal(t, ev.CausationID, got.CausationID)
	assert.Equal(t, ev.ActorType, got.ActorType)
	assert.Equal(t, ev.ActorID, got.ActorID)
	assert.Equal(t, ev.SchemaVersion, got.SchemaVersion)
	assert.Equal(t, ev.PayloadJSON, got.PayloadJSON)
	assert.True(t, ev.CreatedAt.Equal(got.CreatedAt), "created_at drifted: %s vs %s", ev.CreatedAt, got.CreatedAt)
}

func TestMarshalDeterministic(t *testing.T) {
	ev := &Event{ID: "01H", Name: "JOURNAL_CHAINED", SchemaVersion: 1, CreatedAt: time.Unix(1750000000, 0).UTC()}

	a, err := Marshal(ev)
	require.NoError(t, err)
	b, err := Marshal(ev)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = Marshal(nil)
	require.Error(t, err)
}
