package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	coreerr "escrowcore/internal/errors"

	"github.com/Peersyst/xrpl-go/xrpl/queries/account"
	"github.com/Peersyst/xrpl-go/xrpl/transaction"
	"github.com/Peersyst/xrpl-go/xrpl/transaction/types"
	"github.com/Peersyst/xrpl-go/xrpl/websocket"
	"github.com/rs/zerolog"
)

// XRPLGateway talks to a rippled node over a persistent WebSocket.
//
// The underlying client multiplexes independent request/response exchanges,
// so one connection serves every concurrent operation. Autofill reads the
// account's current sequence, which means two concurrent autofills for the
// same account can be handed the same number; callers that submit in
// parallel for one account must serialize (see escrow.Manager).
type XRPLGateway struct {
	url string
	log zerolog.Logger

	mu     sync.RWMutex
	client *websocket.Client
}

// NewXRPLGateway returns an unconnected gateway for the endpoint url.
func NewXRPLGateway(url string, log zerolog.Logger) (*XRPLGateway, error) {
	if strings.TrimSpace(url) == "" {
		return nil, coreerr.ErrConfiguration.New("ledger endpoint url is required")
	}
	return &XRPLGateway{url: url, log: log.With().Str("component", "xrpl").Logger()}, nil
}

func (g *XRPLGateway) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil && g.client.IsConnected() {
		return nil
	}

	g.log.Info().Str("url", g.url).Msg("connecting")
	cli := websocket.NewClient(websocket.NewClientConfig().WithHost(g.url))
	abandon := func() {
		if err := cli.Disconnect(); err != nil {
			g.log.Warn().Err(err).Str("url", g.url).Msg("disconnect after abandoned connect")
		}
	}
	if err := connectWithin(ctx, cli.Connect, abandon); err != nil {
		g.log.Error().Err(err).Str("url", g.url).Msg("connect failed")
		return fmt.Errorf("connect %s: %w", g.url, err)
	}
	g.client = cli
	g.log.Info().Str("url", g.url).Msg("connected")
	return nil
}

func (g *XRPLGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil || !g.client.IsConnected() {
		g.client = nil
		return nil
	}
	err := g.client.Disconnect()
	g.client = nil
	g.log.Info().Msg("disconnected")
	return err
}

func (g *XRPLGateway) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.client == nil || !g.client.IsConnected() {
		return fmt.Errorf("ledger connection is not open")
	}
	return nil
}

func (g *XRPLGateway) AccountBalance(ctx context.Context, address string) (string, error) {
	cli, err := g.conn(ctx)
	if err != nil {
		return "", err
	}
	resp, err := cli.GetAccountInfo(&account.InfoRequest{Account: types.Address(address)})
	if err != nil || resp == nil {
		return balanceFromAccountInfo(0, false, err)
	}
	return balanceFromAccountInfo(uint64(resp.AccountData.Balance), true, nil)
}

// balanceFromAccountInfo maps an account_info outcome to a drop string.
// Unfunded accounts, reported as actNotFound or with no record, hold "0".
func balanceFromAccountInfo(drops uint64, found bool, err error) (string, error) {
	if err != nil {
		if isAccountNotFound(err) {
			return "0", nil
		}
		return "", fmt.Errorf("account_info: %w", err)
	}
	if !found {
		return "0", nil
	}
	return strconv.FormatUint(drops, 10), nil
}

func (g *XRPLGateway) Autofill(ctx context.Context, tx Transaction) (Transaction, error) {
	cli, err := g.conn(ctx)
	if err != nil {
		return nil, err
	}
	flat := transaction.FlatTransaction(tx.Clone())
	if err := cli.Autofill(&flat); err != nil {
		return nil, coreerr.Wrapf(coreerr.ErrSubmission, "autofill %s: %v", tx.Type(), err)
	}
	return Transaction(flat), nil
}

func (g *XRPLGateway) Sign(tx Transaction, signer Signer) (Signed, error) {
	return signWith(tx, signer)
}

func (g *XRPLGateway) SubmitAndWait(ctx context.Context, blob string) (Outcome, error) {
	cli, err := g.conn(ctx)
	if err != nil {
		return Outcome{}, err
	}
	res, err := cli.SubmitAndWait(blob, false)
	if err != nil {
		return Outcome{}, coreerr.Wrapf(coreerr.ErrSubmission, "submit: %v", err)
	}
	if res == nil {
		return Outcome{}, coreerr.ErrSubmission.New("submit returned no result")
	}
	out := Outcome{Hash: string(res.Hash), Validated: res.Validated}
	if !out.Validated {
		return out, coreerr.ErrSubmission.Newf("transaction %s was not validated", out.Hash)
	}
	return out, nil
}

func (g *XRPLGateway) conn(ctx context.Context) (*websocket.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.client == nil {
		return nil, coreerr.ErrSubmission.New("ledger connection is not open")
	}
	return g.client, nil
}

// connectWithin runs connect but stops waiting when ctx ends. A connect
// that completes after that is undone with abandon.
func connectWithin(ctx context.Context, connect func() error, abandon func()) error {
	done := make(chan error, 1)
	go func() {
		done <- connect()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		go func() {
			if err := <-done; err == nil {
				abandon()
			}
		}()
		return ctx.Err()
	}
}

func signWith(tx Transaction, signer Signer) (Signed, error) {
	if signer == nil {
		return Signed{}, coreerr.ErrKeyDerivation.New("no signer")
	}
	blob, hash, err := signer.Sign(tx)
	if err != nil {
		return Signed{}, coreerr.Wrapf(coreerr.ErrSubmission, "sign %s: %v", tx.Type(), err)
	}
	return Signed{Blob: blob, Hash: hash}, nil
}

func isAccountNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "actNotFound") || strings.Contains(strings.ToLower(msg), "account not found")
}
