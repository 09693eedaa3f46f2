package balanceintent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsBalanceIntentOneWordQueries(t *testing.T) {
	require.True(t, IsBalanceIntent("balance"))
	require.True(t, IsBalanceIntent("balance?"))
	require.True(t, IsBalanceIntent("sats"))
	require.True(t, IsBalanceIntent("credits"))
}

func TestIsBalanceIntentContextualPhrasing(t *testing.T) {
	require.True(t, IsBalanceIntent("what is my balance"))
	require.True(t, IsBalanceIntent("how much credit do I have"))
	require.True(t, IsBalanceIntent("can you check my wallet"))
}

func TestIsBalanceIntentFuzzyTypos(t *testing.T) {
	require.True(t, IsBalanceIntent("what's my ballance"))
	require.True(t, IsBalanceIntent("check my creditt"))
}

func TestIsBalanceIntentRequiresContextWord(t *testing.T) {
	require.False(t, IsBalanceIntent("he paid the balance off yesterday"))
}

func TestIsBalanceIntentExclusionTermsOverride(t *testing.T) {
	require.False(t, IsBalanceIntent("what is my nip05 identity"))
	require.False(t, IsBalanceIntent("tell me about my profile"))
}

func TestIsBalanceIntentUnrelatedText(t *testing.T) {
	require.False(t, IsBalanceIntent(""))
	require.False(t, IsBalanceIntent("hello, how are you today?"))
	require.False(t, IsBalanceIntent("what's the weather like"))
}
