package escrow

import (
	"context"
	"strings"

	"escrowcore/internal/address"
	coreerr "escrowcore/internal/errors"
)

// AddressSource is one step of the recipient fallback chain. Resolve returns
// a candidate address; an error or an invalid candidate means "try next".
type AddressSource struct {
	Name    string
	Resolve func(ctx context.Context) (string, error)
}

// Recipient is the outcome of walking the chain.
type Recipient struct {
	Address string
	Source  string
}

const (
	SourceRequest           = "request"
	SourceConfiguredDefault = "configured_default"
	SourceCustodialAddress  = "custodial_address"
	SourceCustodialSigner   = "custodial_signer"
)

// fallbackChain lists, in precedence order, where a recipient may come from:
// the request, the configured default, the custodial address, and finally
// the custodial address derived from the secret.
func (m *Manager) fallbackChain(requested string) []AddressSource {
	return []AddressSource{
		{Name: SourceRequest, Resolve: func(context.Context) (string, error) {
			return requested, nil
		}},
		{Name: SourceConfiguredDefault, Resolve: func(context.Context) (string, error) {
			return strings.TrimSpace(m.cfg.DefaultEscrowAddress), nil
		}},
		{Name: SourceCustodialAddress, Resolve: func(context.Context) (string, error) {
			return m.wallets.ResolveAddress()
		}},
		{Name: SourceCustodialSigner, Resolve: func(context.Context) (string, error) {
			custodial, err := m.wallets.ResolveSigner()
			if err != nil {
				return "", err
			}
			return custodial.Address, nil
		}},
	}
}

// resolveRecipient walks chain and returns the first valid address. When
// nothing resolves, the error says whether the request value was missing or
// malformed.
func (m *Manager) resolveRecipient(ctx context.Context, requested string, chain []AddressSource) (Recipient, error) {
	log := m.logger(ctx)
	for _, src := range chain {
		candidate, err := src.Resolve(ctx)
		if err != nil {
			log.Debug().Str("source", src.Name).Err(err).Msg("fallback source unavailable")
			continue
		}
		candidate = strings.TrimSpace(candidate)
		if address.IsValidString(candidate) {
			return Recipient{Address: candidate, Source: src.Name}, nil
		}
	}

	if requested == "" {
		return Recipient{}, coreerr.ErrInvalidAddress.New(
			"participantAddress is required and must be a non-empty XRP address (received empty or missing); set ESCROW_DEFAULT_ADDRESS for a dev/test fallback")
	}
	return Recipient{}, coreerr.ErrInvalidAddress.New(
		"participantAddress must be a valid XRP address (classic r... or X-address)")
}
