package ledger

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	coreerr "escrowcore/internal/errors"
)

const (
	fakeFee           = "12"
	fakeLedgerPadding = 20
)

// FakeGateway fabricates deterministic sequences and hashes. Every call is
// recorded so tests can assert on what did, or did not, reach the network.
type FakeGateway struct {
	mu sync.Mutex

	// StartSequence seeds the first sequence handed to an account not listed
	// in sequences. Zero means 1.
	StartSequence uint32
	// SubmitHash, when set, is echoed as the hash of every submission.
	SubmitHash string
	// OmitSequence makes Autofill leave Sequence unset.
	OmitSequence bool

	AutofillErr error
	SubmitErr   error
	BalanceErr  error

	sequences map[string]uint32
	balances  map[string]string
	signed    map[string]string
	connected bool
	ledger    uint32
	calls     []Call
}

// Call is one recorded gateway invocation.
type Call struct {
	Op string
	Tx Transaction
}

// NewFakeGateway returns a fake whose accounts start at sequence start.
func NewFakeGateway(start uint32) *FakeGateway {
	return &FakeGateway{
		StartSequence: start,
		sequences:     make(map[string]uint32),
		balances:      make(map[string]string),
		signed:        make(map[string]string),
		ledger:        1000,
	}
}

// SetBalance sets the drop balance reported for address.
func (f *FakeGateway) SetBalance(address, drops string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[address] = drops
}

// SetNextSequence sets the sequence the next autofill for address receives.
func (f *FakeGateway) SetNextSequence(address string, seq uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sequences[address] = seq
}

// Calls returns a copy of the recorded calls.
func (f *FakeGateway) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns the number of recorded calls for op, or all calls when
// op is empty.
func (f *FakeGateway) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if op == "" {
		return len(f.calls)
	}
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (f *FakeGateway) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *FakeGateway) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *FakeGateway) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return fmt.Errorf("fake ledger not connected")
	}
	return nil
}

func (f *FakeGateway) AccountBalance(_ context.Context, address string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("account_info", Transaction{"Account": address})
	if f.BalanceErr != nil {
		return "", f.BalanceErr
	}
	if bal, ok := f.balances[address]; ok && bal != "" {
		return bal, nil
	}
	return "0", nil
}

func (f *FakeGateway) Autofill(_ context.Context, tx Transaction) (Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("autofill", tx)
	if f.AutofillErr != nil {
		return nil, f.AutofillErr
	}

	prepared := tx.Clone()
	prepared["Fee"] = fakeFee
	prepared["LastLedgerSequence"] = f.ledger + fakeLedgerPadding
	if f.OmitSequence {
		return prepared, nil
	}

	account := tx.Account()
	seq, ok := f.sequences[account]
	if !ok {
		seq = f.StartSequence
		if seq == 0 {
			seq = 1
		}
	}
	prepared["Sequence"] = seq
	f.sequences[account] = seq + 1
	return prepared, nil
}

// Sign fabricates a blob and hash from the canonical JSON of tx. It only
// checks that the signer owns the account; no key material is used.
func (f *FakeGateway) Sign(tx Transaction, signer Signer) (Signed, error) {
	if signer == nil {
		return Signed{}, coreerr.ErrKeyDerivation.New("no signer")
	}
	if signer.Address() != tx.Account() {
		return Signed{}, coreerr.ErrSubmission.Newf("signer %s cannot sign for %s", signer.Address(), tx.Account())
	}
	raw, err := json.Marshal(tx)
	if err != nil {
		return Signed{}, coreerr.Wrap(coreerr.ErrSubmission, err.Error())
	}
	blob := strings.ToUpper(hex.EncodeToString(raw))
	hash := TransactionHash(raw)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("sign", tx)
	f.signed[blob] = hash
	return Signed{Blob: blob, Hash: hash}, nil
}

func (f *FakeGateway) SubmitAndWait(_ context.Context, blob string) (Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("submit", Transaction{"tx_blob": blob})
	if f.SubmitErr != nil {
		return Outcome{}, f.SubmitErr
	}
	hash := f.SubmitHash
	if hash == "" {
		hash = f.signed[blob]
	}
	if hash == "" {
		return Outcome{}, coreerr.ErrSubmission.New("unknown transaction blob")
	}
	f.ledger++
	return Outcome{Hash: hash, Validated: true, Result: "tesSUCCESS"}, nil
}

func (f *FakeGateway) record(op string, tx Transaction) {
	f.calls = append(f.calls, Call{Op: op, Tx: tx.Clone()})
}

// TransactionHash is the XRPL signed-transaction hash: the first half of
// SHA-512 over the "TXN\x00" prefix and the payload, upper-case hex.
func TransactionHash(payload []byte) string {
	h := sha512.New()
	h.Write([]byte{'T', 'X', 'N', 0})
	h.Write(payload)
	sum := h.Sum(nil)
	return strings.ToUpper(hex.EncodeToString(sum[:32]))
}
