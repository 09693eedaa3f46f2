package accounting

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"zapai.dev/pkg/encoders/event"
	"zapai.dev/pkg/encoders/kind"
	"zapai.dev/pkg/encoders/tag"
	"zapai.dev/pkg/encoders/tags"
	"zapai.dev/pkg/encoders/timestamp"
	"zapai.dev/pkg/session"
)

func newTestStore(t *testing.T) *session.D {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "zapai-accounting-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	d := session.New()
	require.NoError(t, d.Init(tempDir))
	t.Cleanup(func() { d.Close() })
	return d
}

func receiptEvent(senderPubkey string, amountTag, description string) *event.E {
	ts := tags.New(tag.New("bolt11", "lnbc1..."))
	if description != "" {
		ts = append(ts, tag.New("description", description))
	}
	if amountTag != "" {
		ts = append(ts, tag.New("amount", amountTag))
	}
	return &event.E{
		Id:        []byte{1, 2, 3},
		Pubkey:    []byte(senderPubkey),
		CreatedAt: timestamp.Now(),
		Kind:      kind.Receipt,
		Tags:      ts,
	}
}

func TestParseReceiptPrefersEmbeddedRequestAmount(t *testing.T) {
	desc := `{"pubkey":"sender-hex","tags":[["amount","21000"]]}`
	ev := receiptEvent("receipt-author-hex", "", desc)

	parsed, ok := ParseReceipt(ev)
	require.True(t, ok)
	require.Equal(t, "sender-hex", parsed.Sender)
	require.Equal(t, int64(21), parsed.Sats)
	require.Equal(t, "lnbc1...", parsed.Invoice)
}

func TestParseReceiptFallsBackToTopLevelAmount(t *testing.T) {
	author := "receipt-author"
	ev := receiptEvent(author, "5000", "")

	parsed, ok := ParseReceipt(ev)
	require.True(t, ok)
	require.Equal(t, fmt.Sprintf("%x", []byte(author)), parsed.Sender)
	require.Equal(t, int64(5), parsed.Sats)
}

func TestParseReceiptRejectsZeroAmount(t *testing.T) {
	ev := receiptEvent("receipt-author-hex", "0", "")
	_, ok := ParseReceipt(ev)
	require.False(t, ok)
}

func TestParseReceiptTruncatesSubSatMillisats(t *testing.T) {
	ev := receiptEvent("receipt-author-hex", "999", "")
	_, ok := ParseReceipt(ev)
	require.False(t, ok, "under 1000 millisats truncates to zero sats")
}

func TestCreditSavesReceiptAndIncrementsBalance(t *testing.T) {
	st := newTestStore(t)
	desc := `{"pubkey":"alice","tags":[["amount","21000"]]}`
	ev := receiptEvent("receipt-author", "", desc)
	parsed, ok := ParseReceipt(ev)
	require.True(t, ok)
	require.Equal(t, "alice", parsed.Sender)

	bal, err := Credit(st, ev, parsed, int64(ev.CreatedAt))
	require.NoError(t, err)
	require.Equal(t, int64(21), bal.Sats)

	bal2, err := st.GetBalance("alice")
	require.NoError(t, err)
	require.Equal(t, int64(21), bal2.Sats)
}

func TestDebitChargesPrivateAndPublicDifferently(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Credit("alice", 10)
	require.NoError(t, err)

	res, err := Debit(st, "alice", true)
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, int64(1), res.Cost)
	require.Equal(t, int64(9), res.Balance.Sats)

	res, err = Debit(st, "alice", false)
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, int64(2), res.Cost)
	require.Equal(t, int64(7), res.Balance.Sats)
}

func TestDebitReportsInsufficientFunds(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Credit("alice", 1)
	require.NoError(t, err)

	res, err := Debit(st, "alice", false)
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Equal(t, int64(1), res.Balance.Sats, "balance must be unchanged when debit is rejected")
}
