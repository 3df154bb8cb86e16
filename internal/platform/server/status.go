package server

import "strings"

type TxType string

const (
	TxTypeDeposit  TxType = "deposit"
	TxTypeWithdraw TxType = "withdraw"
)

type TxStatus string

const (
	StatusPending    TxStatus = "pending"
	StatusProcessing TxStatus = "processing"
	StatusCompleted  TxStatus = "completed"
	StatusFailed     TxStatus = "failed"
)

// Terminal reports whether no further transition may leave the status.
// A failed deposit can still be reopened by a late authoritative callback;
// that exception is handled explicitly in ApplyOutcome, not here.
func (s TxStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition encodes the transaction state machine:
// pending -> processing -> {completed | failed}, plus the creation-path
// shortcut pending -> failed when the gateway call never yields a track id.
func CanTransition(from, to TxStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Intent is the normalized meaning of a provider-reported status.
type Intent int

const (
	IntentFailure Intent = iota
	IntentPending
	IntentSuccess
)

var providerStatusIntents = map[string]Intent{
	"paid":       IntentSuccess,
	"complete":   IntentSuccess,
	"completed":  IntentSuccess,
	"confirmed":  IntentSuccess,
	"pending":    IntentPending,
	"confirming": IntentPending,
	"waiting":    IntentPending,
	"processing": IntentPending,
	"failed":     IntentFailure,
	"cancelled":  IntentFailure,
	"canceled":   IntentFailure,
	"expired":    IntentFailure,
	"rejected":   IntentFailure,
}

// NormalizeProviderStatus maps the gateway's status vocabulary onto the three
// intents the reconciliation engine understands. Unrecognized strings are
// failures: defaulting an unknown status to success would credit money on the
// strength of a typo.
func NormalizeProviderStatus(raw string) Intent {
	intent, ok := providerStatusIntents[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return IntentFailure
	}
	return intent
}
