package bot

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"zapai.dev/pkg/crypto/keys"
	"zapai.dev/pkg/encoders/event"
	"zapai.dev/pkg/encoders/kind"
	"zapai.dev/pkg/interfaces/relay"
	"zapai.dev/pkg/protocol/supervisor"
	"zapai.dev/pkg/session"
)

// newTestBot constructs a Bot directly (bypassing New, which pulls in a real
// genai client) with a real store and signer and a supervisor wired to zero
// live relay connections, so Publish always returns an empty result slice
// without touching the network.
func newTestBot(t *testing.T) *Bot {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "zapai-bot-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	st := session.New()
	require.NoError(t, st.Init(tempDir))
	t.Cleanup(func() { st.Close() })

	signer := &keys.Signer{}
	require.NoError(t, signer.Generate())

	dial := func(url string) relay.Client { return nil }
	sup := supervisor.New(signer.Pub(), dial, func(string, *event.E) {})

	return &Bot{store: st, signer: signer, supervisor: sup}
}

func TestHandleReceiptIgnoresUnparseableReceipt(t *testing.T) {
	b := newTestBot(t)
	sender := &keys.Signer{}
	require.NoError(t, sender.Generate())
	senderHex := fmt.Sprintf("%x", sender.Pub())

	receipt := &event.E{
		Kind:    kind.Receipt,
		Content: "",
	}
	// a receipt with no parseable bolt11/amount must be a no-op, not a panic.
	b.handleReceipt(context.Background(), receipt)

	bal, err := b.store.GetBalance(senderHex)
	require.NoError(t, err)
	require.Equal(t, int64(0), bal.Sats, "an unparseable receipt credits nothing")
}

func TestThankSenderSignsAndPublishesWithoutPanicking(t *testing.T) {
	b := newTestBot(t)
	sender := &keys.Signer{}
	require.NoError(t, sender.Generate())

	require.NotPanics(t, func() {
		b.thankSender(context.Background(), fmt.Sprintf("%x", sender.Pub()), 21)
	})
}

func TestAnnounceBalanceDoesNotPanic(t *testing.T) {
	b := newTestBot(t)
	principal := "deadbeef"
	_, err := b.store.Credit(principal, 7)
	require.NoError(t, err)

	require.NotPanics(t, func() {
		b.announceBalance(context.Background(), principal)
	})
}

func TestNotifyPrivateAndPublicDoNotPanic(t *testing.T) {
	b := newTestBot(t)
	sender := &keys.Signer{}
	require.NoError(t, sender.Generate())
	principal := fmt.Sprintf("%x", sender.Pub())

	require.NotPanics(t, func() {
		b.notify(context.Background(), principal, true, "rate limited")
	})
	require.NotPanics(t, func() {
		b.notify(context.Background(), principal, false, "overloaded")
	})
}

func TestRelayHealthAndUptimeDoNotPanicBeforeRun(t *testing.T) {
	b := newTestBot(t)
	require.NotPanics(t, func() {
		_ = b.RelayHealth()
		_ = b.Uptime()
	})
}
