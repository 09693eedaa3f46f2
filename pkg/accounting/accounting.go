// Package accounting credits a sender's balance from a parsed zap receipt
// and debits the configured per-message cost before an AI call runs.
package accounting

import (
	"encoding/json"
	"fmt"

	"lol.mleku.dev/log"

	"zapai.dev/pkg/encoders/event"
	"zapai.dev/pkg/encoders/timestamp"
	"zapai.dev/pkg/interfaces/store"
)

// embeddedRequest is the JSON object carried in a Receipt's description
// tag: the zap request the receipt acknowledges.
type embeddedRequest struct {
	Pubkey string     `json:"pubkey"`
	Tags   [][]string `json:"tags"`
}

func (r embeddedRequest) tag(name string) (string, bool) {
	for _, t := range r.Tags {
		if len(t) >= 2 && t[0] == name {
			return t[1], true
		}
	}
	return "", false
}

// ParsedReceipt is the outcome of successfully parsing a Receipt event.
type ParsedReceipt struct {
	Sender  string
	Sats    int64
	Invoice string
	Request string
}

// ParseReceipt locates the invoice tag, locates the embedded request in the
// description tag, extracts the sender and amount with a top-level-tag
// fallback, and truncates millisats to sats. ok is false when the amount is
// zero or unparseable.
func ParseReceipt(ev *event.E) (parsed ParsedReceipt, ok bool) {
	invoiceTag := ev.FirstTag("bolt11")
	if invoiceTag != nil {
		parsed.Invoice = invoiceTag.Value()
	}

	var req embeddedRequest
	var reqTagsRaw string
	if descTag := ev.FirstTag("description"); descTag != nil {
		reqTagsRaw = descTag.Value()
		if err := json.Unmarshal([]byte(reqTagsRaw), &req); err != nil {
			log.W.F("accounting: receipt %x: unparseable description: %v", ev.Id, err)
		}
	}
	parsed.Request = reqTagsRaw

	sender := req.Pubkey
	if sender == "" {
		sender = fmt.Sprintf("%x", ev.Pubkey)
	}
	parsed.Sender = sender

	var millisats int64
	if amtStr, found := req.tag("amount"); found {
		fmt.Sscanf(amtStr, "%d", &millisats)
	}
	if millisats == 0 {
		if amtTag := ev.FirstTag("amount"); amtTag != nil {
			fmt.Sscanf(amtTag.Value(), "%d", &millisats)
		}
	}
	if millisats <= 0 {
		return parsed, false
	}
	parsed.Sats = millisats / 1000
	if parsed.Sats <= 0 {
		return parsed, false
	}
	return parsed, true
}

// Credit persists the receipt and atomically increments the sender's
// balance. Returns the sender's new balance.
func Credit(st store.I, ev *event.E, parsed ParsedReceipt, receiptTime int64) (*store.Balance, error) {
	r := store.Receipt{
		Sender:         parsed.Sender,
		Sats:           parsed.Sats,
		RequestID:      parsed.Request,
		ReceiptEventID: fmt.Sprintf("%x", ev.Id),
		Invoice:        parsed.Invoice,
		Timestamp:      timestamp.T(receiptTime),
	}
	if err := st.SaveReceipt(r); err != nil {
		return nil, fmt.Errorf("accounting: save receipt: %w", err)
	}
	bal, err := st.Credit(parsed.Sender, parsed.Sats)
	if err != nil {
		return nil, fmt.Errorf("accounting: credit: %w", err)
	}
	return bal, nil
}

// DebitResult is the outcome of a pre-AI-call debit attempt.
type DebitResult struct {
	OK      bool
	Balance *store.Balance
	Cost    int64
}

// Debit reads the balance and only decrements it if sufficient. Callers
// are responsible for the insufficient-funds notice path when OK is false.
func Debit(st store.I, principal string, isPrivate bool) (DebitResult, error) {
	cost := costFor(isPrivate)
	ok, bal, err := st.Debit(principal, cost)
	if err != nil {
		return DebitResult{}, fmt.Errorf("accounting: debit: %w", err)
	}
	return DebitResult{OK: ok, Balance: bal, Cost: cost}, nil
}

// costFor mirrors config.DebitCost without importing pkg/config, to keep
// this package free of the config layer's env-loading dependency.
func costFor(isPrivate bool) int64 {
	if isPrivate {
		return 1
	}
	return 2
}
