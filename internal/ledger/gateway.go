// Package ledger is the single point of contact with the XRP Ledger.
//
// Gateway is the capability the escrow core consumes: balance lookup,
// autofill, signing and submit-and-wait. XRPLGateway talks to a rippled
// WebSocket endpoint; FakeGateway fabricates deterministic sequences and
// hashes for tests and dry runs.
package ledger

import (
	"context"
)

// Gateway abstracts the ledger network.
type Gateway interface {
	// Connect opens the shared connection. Callers treat failure as fatal.
	Connect(ctx context.Context) error
	// Close releases the connection if open. Safe to call more than once.
	Close() error
	// AccountBalance returns the balance in drops, "0" for accounts that do
	// not exist yet or carry no balance.
	AccountBalance(ctx context.Context, address string) (string, error)
	// Autofill resolves Sequence, Fee and LastLedgerSequence. The returned
	// Sequence is the only authoritative source of an escrow's OfferSequence.
	Autofill(ctx context.Context, tx Transaction) (Transaction, error)
	// Sign serializes and signs a prepared transaction.
	Sign(tx Transaction, signer Signer) (Signed, error)
	// SubmitAndWait blocks until the transaction is validated or rejected.
	// Rejections are returned as errors.
	SubmitAndWait(ctx context.Context, blob string) (Outcome, error)
}

// HealthChecker is implemented by gateways that can report liveness.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Signer is an opaque signing capability bound to one account.
type Signer interface {
	Address() string
	Sign(tx Transaction) (blob string, hash string, err error)
}

// Signed is a serialized, signed transaction.
type Signed struct {
	Blob string
	Hash string
}

// Outcome is the network's final word on a submitted transaction.
type Outcome struct {
	Hash      string
	Validated bool
	Result    string
}
