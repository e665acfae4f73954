package testing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kobopay/kobod/internal/core/ledger"
)

func TestManualClock(t *testing.T) {
	c := NewManualClock()
	start := c.Now()

	c.Advance(90 * time.Minute)
	assert.Equal(t, start.Add(90*time.Minute), c.Now())

	pinned := time.Date(2025, 12, 31, 23, 59, 0, 0, time.UTC)
	c.Set(pinned)
	assert.Equal(t, pinned, c.Now())

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, at, NewManualClockAt(at).Now())
}

func TestEnvSeedsWalletsAndPosts(t *testing.T) {
	env := NewTestEnv(t)

	alice := env.Customer("alice", 10000)
	bob := env.Customer("bob", 0)
	assert.Equal(t, "W_alice", alice.ID)
	assert.Equal(t, Currency, alice.Currency)
	assert.Equal(t, ledger.AccountWallet, alice.Type)

	rec := env.MustPost(Transfer("k1", alice, bob, 2500))
	require.Equal(t, ledger.JournalPosted, rec.State)

	RequireBalance(t, env, alice.ID, 7500)
	RequireBalance(t, env, bob.ID, 2500)
	RequireBalancedLines(t, env.Lines(rec.JournalID))
	RequireChainOK(t, env.VerifyChain())
	RequireEventCount(t, env, "P2P_POSTED", 1)
}

func TestEnvClockDrivesTheStore(t *testing.T) {
	env := NewTestEnv(t)
	alice := env.Customer("alice", 1000)
	bob := env.Customer("bob", 0)

	env.SetTime(time.Date(2025, 7, 15, 10, 30, 0, 0, time.UTC))
	rec := env.MustPost(Transfer("k1", alice, bob, 100))

	j := env.Journal(rec.JournalID)
	assert.Equal(t, env.Now(), j.CreatedAt)
	assert.Equal(t, env.Now(), j.EffectiveDate)
}

func TestEnvPlatformAccountsAllowNegative(t *testing.T) {
	env := NewTestEnv(t)

	revenue := env.PlatformAccount(ledger.AccountFee, "FeeRevenue")
	mirror := env.PlatformAccount(ledger.AccountBankMirror, "BankMirror")
	wallet := env.Customer("alice", 0)

	assert.True(t, revenue.AllowNegative)
	assert.True(t, mirror.AllowNegative)
	assert.False(t, wallet.AllowNegative)
	assert.Equal(t, PlatformActorID, revenue.OwnerID)
}
