// Package escrow turns enrolment and withdrawal events into XRPL escrows.
//
// Manager runs three linear flows (create, cancel, summary). Each stage
// either advances or fails the whole operation; nothing is retried. Running
// Create twice mints two independent escrows.
package escrow

import (
	"context"
	"strings"
	"time"

	"escrowcore/internal/address"
	coreerr "escrowcore/internal/errors"
	"escrowcore/internal/ledger"
	"escrowcore/internal/logging"
	"escrowcore/internal/wallet"

	"github.com/rs/zerolog"
)

// WalletResolver yields the custodial wallet. Implemented by *wallet.Resolver.
type WalletResolver interface {
	ResolveAddress() (string, error)
	ResolveSigner() (wallet.Custodial, error)
}

// Config holds the manager's slice of the process configuration.
type Config struct {
	// DefaultEscrowAddress is the first fallback recipient for requests
	// without a usable participant address.
	DefaultEscrowAddress string
	// Network labels summaries; it does not select an endpoint.
	Network string
	// SerializeSubmits holds a per-account lock from autofill to validation
	// so concurrent submissions cannot be handed the same sequence.
	SerializeSubmits bool
}

type Manager struct {
	gateway ledger.Gateway
	wallets WalletResolver
	cfg     Config
	now     func() time.Time
	log     zerolog.Logger
	locks   *accountLocks
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(gw ledger.Gateway, wallets WalletResolver, cfg Config, log zerolog.Logger, opts ...Option) *Manager {
	if cfg.Network == "" {
		cfg.Network = "testnet"
	}
	m := &Manager{
		gateway: gw,
		wallets: wallets,
		cfg:     cfg,
		now:     time.Now,
		log:     log.With().Str("component", "escrow").Logger(),
	}
	if cfg.SerializeSubmits {
		m.locks = newAccountLocks()
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create escrows req.AmountXRP from the custodial wallet to the participant.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	log := m.logger(ctx).With().Str("op", "create").Str("project_id", req.ProjectID).Logger()

	requested := strings.TrimSpace(req.ParticipantAddress)
	recipient, err := m.resolveRecipient(ctx, requested, m.fallbackChain(requested))
	if err != nil {
		log.Error().
			Str("reason", invalidReason(requested)).
			Int("received_length", len(req.ParticipantAddress)).
			Str("received_preview", address.Preview(req.ParticipantAddress)).
			Msg("participant address rejected")
		return CreateResult{}, err
	}
	if recipient.Source != SourceRequest {
		log.Info().Str("source", recipient.Source).Str("address", address.Preview(recipient.Address)).
			Msg("participant address missing or invalid, using fallback")
	}

	owner, err := m.wallets.ResolveSigner()
	if err != nil {
		return CreateResult{}, err
	}

	locks, err := ComputeTimeLocks(m.now(), req.FinishAfter)
	if err != nil {
		return CreateResult{}, err
	}
	drops, err := XRPToDrops(req.AmountXRP)
	if err != nil {
		return CreateResult{}, err
	}
	tag, err := ParseDestinationTag(req.ProjectID)
	if err != nil {
		return CreateResult{}, err
	}

	log.Info().
		Str("participant", address.Preview(recipient.Address)).
		Str("amount_xrp", req.AmountXRP.String()).
		Str("amount_drops", drops).
		Uint32("finish_after", locks.FinishAfter).
		Uint32("cancel_after", locks.CancelAfter).
		Uint32("destination_tag", tag).
		Msg("creating escrow")

	draft := ledger.EscrowCreate{
		Account:        owner.Address,
		Destination:    recipient.Address,
		AmountDrops:    drops,
		FinishAfter:    locks.FinishAfter,
		CancelAfter:    locks.CancelAfter,
		DestinationTag: tag,
	}.Transaction()

	var offerSequence uint32
	txHash, err := m.submit(ctx, owner, draft, func(prepared ledger.Transaction) error {
		seq, ok := prepared.Sequence()
		if !ok {
			return coreerr.ErrSubmission.New("missing Sequence in EscrowCreate after autofill")
		}
		offerSequence = seq
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("participant", address.Preview(recipient.Address)).
			Str("amount_xrp", req.AmountXRP.String()).Msg("escrow create failed")
		return CreateResult{}, err
	}

	log.Info().Str("tx_hash", txHash).Uint32("offer_sequence", offerSequence).Msg("escrow created")
	return CreateResult{
		TxHash:        txHash,
		EscrowID:      txHash,
		OwnerAddress:  owner.Address,
		OfferSequence: offerSequence,
	}, nil
}

// Cancel returns an escrow to the custodial wallet. Only the custodial
// wallet may cancel; anyone else is refused before any network call.
func (m *Manager) Cancel(ctx context.Context, req CancelRequest) (CancelResult, error) {
	log := m.logger(ctx).With().Str("op", "cancel").
		Str("owner", address.Preview(req.OwnerAddress)).
		Uint32("offer_sequence", req.OfferSequence).Logger()
	log.Info().Msg("cancelling escrow")

	owner, err := m.wallets.ResolveSigner()
	if err != nil {
		return CancelResult{}, err
	}
	if req.OwnerAddress != owner.Address {
		log.Error().Str("reason", "owner_address_mismatch").
			Str("expected_owner", address.Preview(owner.Address)).Msg("cancel refused")
		return CancelResult{}, coreerr.ErrAuthorization.New("only the escrow owner may cancel this escrow")
	}

	draft := ledger.EscrowCancel{
		Account:       owner.Address,
		Owner:         owner.Address,
		OfferSequence: req.OfferSequence,
	}.Transaction()

	txHash, err := m.submit(ctx, owner, draft, nil)
	if err != nil {
		log.Error().Err(err).Msg("escrow cancel failed")
		return CancelResult{}, err
	}

	log.Info().Str("tx_hash", txHash).Msg("escrow cancelled")
	return CancelResult{TxHash: txHash}, nil
}

// Summary reports the custodial balance. It never needs the secret.
func (m *Manager) Summary(ctx context.Context) (Summary, error) {
	addr, err := m.wallets.ResolveAddress()
	if err != nil {
		return Summary{}, err
	}
	drops, err := m.gateway.AccountBalance(ctx, addr)
	if err != nil {
		return Summary{}, asSubmission(err, "account_info")
	}
	xrp, err := DropsToXRP(drops)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		WalletAddress: addr,
		BalanceDrops:  drops,
		BalanceXRP:    xrp,
		Network:       m.cfg.Network,
	}, nil
}

// submit autofills, signs and submits draft for owner. inspect, when set,
// sees the prepared transaction before it is signed.
func (m *Manager) submit(ctx context.Context, owner wallet.Custodial, draft ledger.Transaction, inspect func(ledger.Transaction) error) (string, error) {
	if m.locks != nil {
		unlock := m.locks.lock(owner.Address)
		defer unlock()
	}

	prepared, err := m.gateway.Autofill(ctx, draft)
	if err != nil {
		return "", asSubmission(err, "autofill")
	}
	if inspect != nil {
		if err := inspect(prepared); err != nil {
			return "", err
		}
	}
	signed, err := m.gateway.Sign(prepared, owner.Signer)
	if err != nil {
		return "", asSubmission(err, "sign")
	}
	outcome, err := m.gateway.SubmitAndWait(ctx, signed.Blob)
	if err != nil {
		return "", asSubmission(err, "submit")
	}
	if outcome.Hash != "" {
		return outcome.Hash, nil
	}
	return signed.Hash, nil
}

func (m *Manager) logger(ctx context.Context) zerolog.Logger {
	if id := logging.RequestID(ctx); id != "" {
		return m.log.With().Str("request_id", id).Logger()
	}
	return m.log
}

// asSubmission gives uncoded gateway errors the submission kind.
func asSubmission(err error, stage string) error {
	if coreerr.KindOf(err) != nil {
		return err
	}
	return coreerr.Wrapf(coreerr.ErrSubmission, "%s: %v", stage, err)
}

func invalidReason(requested string) string {
	if requested == "" {
		return "participant_address_empty_or_missing"
	}
	return "invalid_xrp_address_format"
}
