package ledger

import (
	"encoding/json"
	"math"
	"strconv"
)

// Transaction types submitted by the escrow core.
const (
	TypeEscrowCreate = "EscrowCreate"
	TypeEscrowCancel = "EscrowCancel"
)

// Transaction is the flat JSON form of an XRPL transaction.
type Transaction map[string]any

// EscrowCreate describes a time-locked escrow of XRP.
type EscrowCreate struct {
	Account        string
	Destination    string
	AmountDrops    string
	FinishAfter    uint32
	CancelAfter    uint32
	DestinationTag uint32 // zero means no tag
}

// Transaction returns the flat form. A zero DestinationTag is omitted.
func (e EscrowCreate) Transaction() Transaction {
	tx := Transaction{
		"TransactionType": TypeEscrowCreate,
		"Account":         e.Account,
		"Destination":     e.Destination,
		"Amount":          e.AmountDrops,
		"FinishAfter":     e.FinishAfter,
		"CancelAfter":     e.CancelAfter,
	}
	if e.DestinationTag > 0 {
		tx["DestinationTag"] = e.DestinationTag
	}
	return tx
}

// EscrowCancel returns escrowed XRP to its owner once CancelAfter has passed.
type EscrowCancel struct {
	Account       string
	Owner         string
	OfferSequence uint32
}

func (e EscrowCancel) Transaction() Transaction {
	return Transaction{
		"TransactionType": TypeEscrowCancel,
		"Account":         e.Account,
		"Owner":           e.Owner,
		"OfferSequence":   e.OfferSequence,
	}
}

// Type returns TransactionType, or "" when unset.
func (t Transaction) Type() string {
	s, _ := t["TransactionType"].(string)
	return s
}

// Account returns the signing account, or "" when unset.
func (t Transaction) Account() string {
	s, _ := t["Account"].(string)
	return s
}

// Sequence returns the account sequence assigned by autofill.
func (t Transaction) Sequence() (uint32, bool) {
	return t.Uint32("Sequence")
}

// Uint32 reads a numeric field regardless of how the codec decoded it.
func (t Transaction) Uint32(field string) (uint32, bool) {
	raw, ok := t[field]
	if !ok || raw == nil {
		return 0, false
	}
	switch v := raw.(type) {
	case uint32:
		return v, true
	case int:
		return fitUint32(int64(v))
	case int32:
		return fitUint32(int64(v))
	case int64:
		return fitUint32(v)
	case uint:
		return fitUint32Unsigned(uint64(v))
	case uint64:
		return fitUint32Unsigned(v)
	case float64:
		if v != math.Trunc(v) || v < 0 || v > math.MaxUint32 {
			return 0, false
		}
		return uint32(v), true
	case json.Number:
		n, err := strconv.ParseUint(v.String(), 10, 32)
		if err != nil {
			return 0, false
		}
		return uint32(n), true
	case string:
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return 0, false
		}
		return uint32(n), true
	default:
		return 0, false
	}
}

// Clone returns a shallow copy so callers can mutate without aliasing.
func (t Transaction) Clone() Transaction {
	out := make(Transaction, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

func fitUint32(v int64) (uint32, bool) {
	if v < 0 || v > math.MaxUint32 {
		return 0, false
	}
	return uint32(v), true
}

func fitUint32Unsigned(v uint64) (uint32, bool) {
	if v > math.MaxUint32 {
		return 0, false
	}
	return uint32(v), true
}
