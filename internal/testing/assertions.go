package testing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kobopay/kobod/internal/core/ledger"
	"github.com/kobopay/kobod/internal/core/ledger/chain"
	"github.com/kobopay/kobod/internal/core/money"
	"github.com/kobopay/kobod/internal/core/posting"
)

// RequireBalance asserts an account's actual balance in minor units.
func RequireBalance(t *testing.T, env *TestEnv, accountID string, want money.Amount) {
	t.Helper()
	got := env.Balance(accountID)
	require.Equalf(t, want, got,
		"account %s balance: want %s, got %s", accountID, want, got)
}

// RequireAvailable asserts an account's available balance in minor units.
func RequireAvailable(t *testing.T, env *TestEnv, accountID string, want money.Amount) {
	t.Helper()
	got := env.Available(accountID)
	require.Equalf(t, want, got,
		"account %s available: want %s, got %s", accountID, want, got)
}

// RequirePostKind asserts err is a posting error of the given kind.
func RequirePostKind(t *testing.T, err error, kind posting.Kind) {
	t.Helper()
	require.Error(t, err)
	require.Truef(t, posting.IsKind(err, kind),
		"want a %s error, got %v", kind, err)
}

// RequireSameReceipt asserts two receipts serialize to identical bytes, the
// replay contract for idempotent retries.
func RequireSameReceipt(t *testing.T, want, got *posting.Receipt) {
	t.Helper()
	require.NotNil(t, want)
	require.NotNil(t, got)
	a, err := json.Marshal(want)
	require.NoError(t, err)
	b, err := json.Marshal(got)
	require.NoError(t, err)
	require.Equal(t, string(a), string(b), "replayed receipt differs from the original")
}

// RequireBalancedLines asserts a journal's lines carry strictly positive
// amounts and equal debit and credit totals.
func RequireBalancedLines(t *testing.T, lines []ledger.Line) {
	t.Helper()
	require.NotEmpty(t, lines)
	for _, l := range lines {
		require.Truef(t, l.Amount.IsPositive(),
			"line %d on %s: amount %s is not positive", l.LineNumber, l.AccountID, l.Amount)
	}
	require.NoError(t, money.AssertBalanced(ledger.Entries(lines)))
}

// RequireChainOK asserts a verification walk found no breaks.
func RequireChainOK(t *testing.T, res chain.Result) {
	t.Helper()
	require.Truef(t, res.OK, "chain verification failed: %v", res.Errors)
	require.Empty(t, res.Errors)
}

// RequireEventCount asserts how many outbox events bear the given name.
func RequireEventCount(t *testing.T, env *TestEnv, name string, want int) {
	t.Helper()
	got := env.Events(name)
	require.Lenf(t, got, want, "want %d %s event(s), got %d", want, name, len(got))
}
