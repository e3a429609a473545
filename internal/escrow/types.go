package escrow

import (
	"github.com/shopspring/decimal"
)

// CreateRequest asks for XRP to be escrowed for a participant.
type CreateRequest struct {
	// ProjectID becomes the DestinationTag when it parses to a non-zero uint32.
	ProjectID string
	// ParticipantAddress is the escrow destination. Empty or invalid values
	// go through the fallback chain.
	ParticipantAddress string
	AmountXRP          decimal.Decimal
	// FinishAfter is in ledger epoch seconds. Nil means 30 days from now.
	FinishAfter *uint32
}

// CreateResult carries the (OwnerAddress, OfferSequence) pair the caller
// must persist to cancel the escrow later; it cannot be recovered from
// TxHash by this service.
type CreateResult struct {
	TxHash        string `json:"txHash"`
	EscrowID      string `json:"escrowId"`
	OwnerAddress  string `json:"ownerAddress"`
	OfferSequence uint32 `json:"offerSequence"`
}

// CancelRequest identifies an escrow by its owner and creating sequence.
type CancelRequest struct {
	OwnerAddress  string
	OfferSequence uint32
}

type CancelResult struct {
	TxHash string `json:"txHash"`
}

// Summary reports the custodial wallet balance.
type Summary struct {
	WalletAddress string  `json:"escrow_wallet_address"`
	BalanceDrops  string  `json:"escrow_balance_drops"`
	BalanceXRP    float64 `json:"escrow_balance_xrp"`
	Network       string  `json:"network"`
}
