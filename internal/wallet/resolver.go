// Package wallet resolves the custodial wallet that owns every escrow.
//
// Nothing derived from the secret is cached: each call to ResolveSigner
// derives the key pair again and the caller drops it when its operation ends.
// ResolveAddress is the fast path for read-only callers and never touches the
// secret.
package wallet

import (
	"fmt"
	"strings"

	"escrowcore/internal/address"
	coreerr "escrowcore/internal/errors"
	"escrowcore/internal/ledger"

	xrplwallet "github.com/Peersyst/xrpl-go/xrpl/wallet"
	"github.com/rs/zerolog"
)

// Settings is the custodial slice of the process configuration.
type Settings struct {
	// Secret is the family seed of the custodial account.
	Secret string
	// Address is the custodial account address, used where signing is not
	// needed.
	Address string
}

// Deriver turns a secret into a signing capability. It must be
// deterministic: the same secret always yields the same address.
type Deriver func(secret string) (ledger.Signer, error)

// Custodial is the per-operation view of the custodial wallet.
type Custodial struct {
	Address string
	Signer  ledger.Signer
}

type Resolver struct {
	settings Settings
	derive   Deriver
	log      zerolog.Logger
}

// NewResolver returns a resolver over settings. A nil derive uses
// DeriveFromSeed.
func NewResolver(settings Settings, derive Deriver, log zerolog.Logger) *Resolver {
	if derive == nil {
		derive = DeriveFromSeed
	}
	return &Resolver{
		settings: settings,
		derive:   derive,
		log:      log.With().Str("component", "wallet").Logger(),
	}
}

// ResolveAddress returns the configured custodial address without reading
// the secret.
func (r *Resolver) ResolveAddress() (string, error) {
	addr := strings.TrimSpace(r.settings.Address)
	if addr == "" {
		return "", coreerr.ErrConfiguration.New("ESCROW_WALLET_ADDRESS is not set")
	}
	return addr, nil
}

// HasSecret reports whether a signing secret is configured.
func (r *Resolver) HasSecret() bool {
	return strings.TrimSpace(r.settings.Secret) != ""
}

// ResolveSigner derives the custodial address and signer from the secret.
func (r *Resolver) ResolveSigner() (Custodial, error) {
	secret := strings.TrimSpace(r.settings.Secret)
	if secret == "" {
		r.log.Error().Str("reason", "secret_not_set").Msg("custodial wallet unavailable")
		return Custodial{}, coreerr.ErrConfiguration.New("ESCROW_WALLET_SECRET is not set")
	}
	signer, err := r.derive(secret)
	if err != nil {
		r.log.Error().Str("reason", "derivation_failed").Msg("custodial wallet unavailable")
		return Custodial{}, coreerr.Wrap(coreerr.ErrKeyDerivation, "derive custodial wallet: "+redact(err, secret))
	}
	addr := signer.Address()
	if addr == "" {
		return Custodial{}, coreerr.ErrKeyDerivation.New("derived wallet has no address")
	}
	r.log.Debug().Str("address", address.Preview(addr)).Msg("custodial wallet derived")
	return Custodial{Address: addr, Signer: signer}, nil
}

// DeriveFromSeed derives an XRPL key pair from a family seed.
func DeriveFromSeed(secret string) (signer ledger.Signer, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			signer, err = nil, fmt.Errorf("malformed seed")
		}
	}()

	w, err := xrplwallet.FromSeed(secret, "")
	if err != nil {
		return nil, err
	}
	return &seedSigner{
		address: string(w.ClassicAddress),
		sign: func(tx ledger.Transaction) (string, string, error) {
			return w.Sign(map[string]interface{}(tx))
		},
	}, nil
}

type seedSigner struct {
	address string
	sign    func(tx ledger.Transaction) (string, string, error)
}

func (s *seedSigner) Address() string { return s.address }

func (s *seedSigner) Sign(tx ledger.Transaction) (string, string, error) {
	return s.sign(tx)
}

// redact keeps the secret out of error text even if a codec echoes it.
func redact(err error, secret string) string {
	return strings.ReplaceAll(err.Error(), secret, "[redacted]")
}

