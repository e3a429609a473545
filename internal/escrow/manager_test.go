package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	coreerr "escrowcore/internal/errors"
	"escrowcore/internal/ledger"
	"escrowcore/internal/wallet"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	custodialAddr   = "rHb9CJAWyB4rj91VRWn96DkukG4b8tyKjV"
	participantAddr = "rrrrrrrrrrrrrrrrrrrrrhoLvTp"
	defaultAddr     = "rrrrrrrrrrrrrrrrrrrrBZbvji"
	custodialSecret = "sTestSecret"
)

var fixedNow = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type testSigner struct{ addr string }

func (s testSigner) Address() string { return s.addr }

func (s testSigner) Sign(ledger.Transaction) (string, string, error) {
	return "", "", errors.New("unused by the fake gateway")
}

func fixedDeriver(addr string) wallet.Deriver {
	return func(secret string) (ledger.Signer, error) {
		if secret != custodialSecret {
			return nil, errors.New("bad seed")
		}
		return testSigner{addr: addr}, nil
	}
}

type fixture struct {
	gw      *ledger.FakeGateway
	manager *Manager
}

func newFixture(t *testing.T, settings wallet.Settings, cfg Config) fixture {
	t.Helper()
	gw := ledger.NewFakeGateway(42)
	resolver := wallet.NewResolver(settings, fixedDeriver(custodialAddr), zerolog.Nop())
	m := NewManager(gw, resolver, cfg, zerolog.Nop(), WithClock(func() time.Time { return fixedNow }))
	return fixture{gw: gw, manager: m}
}

func defaultFixture(t *testing.T) fixture {
	return newFixture(t, wallet.Settings{Secret: custodialSecret, Address: custodialAddr}, Config{})
}

func createReq(projectID, participant string, xrp string) CreateRequest {
	return CreateRequest{
		ProjectID:          projectID,
		ParticipantAddress: participant,
		AmountXRP:          decimal.RequireFromString(xrp),
	}
}

func createdTx(t *testing.T, gw *ledger.FakeGateway) ledger.Transaction {
	t.Helper()
	for _, c := range gw.Calls() {
		if c.Op == "sign" {
			return c.Tx
		}
	}
	t.Fatal("no transaction was signed")
	return nil
}

func TestCreateEndToEnd(t *testing.T) {
	f := defaultFixture(t)
	f.gw.SubmitHash = "ABC123"

	res, err := f.manager.Create(context.Background(), createReq("1", participantAddr, "10"))
	require.NoError(t, err)
	assert.Equal(t, CreateResult{
		TxHash:        "ABC123",
		EscrowID:      "ABC123",
		OwnerAddress:  custodialAddr,
		OfferSequence: 42,
	}, res)

	tx := createdTx(t, f.gw)
	assert.Equal(t, ledger.TypeEscrowCreate, tx.Type())
	assert.Equal(t, custodialAddr, tx["Account"])
	assert.Equal(t, participantAddr, tx["Destination"])
	assert.Equal(t, "10000000", tx["Amount"])
	tag, ok := tx.Uint32("DestinationTag")
	require.True(t, ok)
	assert.EqualValues(t, 1, tag)
}

func TestCreateThenCancelEndToEnd(t *testing.T) {
	f := defaultFixture(t)
	f.gw.SubmitHash = "ABC123"

	created, err := f.manager.Create(context.Background(), createReq("1", participantAddr, "10"))
	require.NoError(t, err)

	res, err := f.manager.Cancel(context.Background(), CancelRequest{
		OwnerAddress:  created.OwnerAddress,
		OfferSequence: created.OfferSequence,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.TxHash)

	calls := f.gw.Calls()
	var cancel ledger.Transaction
	for _, c := range calls {
		if c.Op == "sign" && c.Tx.Type() == ledger.TypeEscrowCancel {
			cancel = c.Tx
		}
	}
	require.NotNil(t, cancel)
	assert.Equal(t, custodialAddr, cancel["Account"])
	assert.Equal(t, custodialAddr, cancel["Owner"])
	seq, ok := cancel.Uint32("OfferSequence")
	require.True(t, ok)
	assert.EqualValues(t, 42, seq)
}

func TestCreateUsesSignedHashWhenSubmitHasNone(t *testing.T) {
	f := defaultFixture(t)

	res, err := f.manager.Create(context.Background(), createReq("1", participantAddr, "10"))
	require.NoError(t, err)
	assert.Len(t, res.TxHash, 64)
	assert.Equal(t, res.TxHash, res.EscrowID)
}

func TestCreateDoesNotFallBackForValidAddress(t *testing.T) {
	f := newFixture(t, wallet.Settings{Secret: custodialSecret, Address: custodialAddr},
		Config{DefaultEscrowAddress: defaultAddr})

	_, err := f.manager.Create(context.Background(), createReq("7", "  "+participantAddr+"\n", "1"))
	require.NoError(t, err)
	assert.Equal(t, participantAddr, createdTx(t, f.gw)["Destination"])
}

func TestCreateRecipientFallback(t *testing.T) {
	cases := map[string]struct {
		participant string
		settings    wallet.Settings
		cfg         Config
		wantDest    string
	}{
		"empty uses configured default": {
			participant: "",
			settings:    wallet.Settings{Secret: custodialSecret, Address: custodialAddr},
			cfg:         Config{DefaultEscrowAddress: defaultAddr},
			wantDest:    defaultAddr,
		},
		"invalid uses configured default": {
			participant: "not-an-address",
			settings:    wallet.Settings{Secret: custodialSecret, Address: custodialAddr},
			cfg:         Config{DefaultEscrowAddress: defaultAddr},
			wantDest:    defaultAddr,
		},
		"invalid default uses custodial address": {
			participant: "",
			settings:    wallet.Settings{Secret: custodialSecret, Address: participantAddr},
			cfg:         Config{DefaultEscrowAddress: "rBogus"},
			wantDest:    participantAddr,
		},
		"no address configured uses derived custodial address": {
			participant: "",
			settings:    wallet.Settings{Secret: custodialSecret},
			wantDest:    custodialAddr,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, tc.settings, tc.cfg)
			_, err := f.manager.Create(context.Background(), createReq("1", tc.participant, "1"))
			require.NoError(t, err)
			assert.Equal(t, tc.wantDest, createdTx(t, f.gw)["Destination"])
		})
	}
}

func TestCreateFallbackExhausted(t *testing.T) {
	cases := map[string]struct {
		participant string
		wantMsg     string
	}{
		"empty":   {participant: "   ", wantMsg: "participantAddress is required"},
		"garbage": {participant: "xyz", wantMsg: "must be a valid XRP address"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, wallet.Settings{}, Config{DefaultEscrowAddress: "bad"})
			_, err := f.manager.Create(context.Background(), createReq("1", tc.participant, "1"))
			require.Error(t, err)
			assert.True(t, coreerr.ErrInvalidAddress.Is(err))
			assert.Contains(t, err.Error(), tc.wantMsg)
			assert.Zero(t, f.gw.CallCount(""), "no gateway call expected")
		})
	}
}

func TestCreateDestinationTag(t *testing.T) {
	cases := map[string]struct {
		projectID string
		wantTag   uint32
		omitted   bool
		wantErr   *coreerr.Error
	}{
		"one":            {projectID: "1", wantTag: 1},
		"zero omitted":   {projectID: "0", omitted: true},
		"non numeric":    {projectID: "abc", omitted: true},
		"max uint32":     {projectID: "4294967295", wantTag: 4294967295},
		"2^32 rejected":  {projectID: "4294967296", wantErr: coreerr.ErrOutOfRange},
		"negative":       {projectID: "-3", wantErr: coreerr.ErrOutOfRange},
		"numeric prefix": {projectID: "12abc", wantTag: 12},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := defaultFixture(t)
			_, err := f.manager.Create(context.Background(), createReq(tc.projectID, participantAddr, "1"))
			if tc.wantErr != nil {
				require.Error(t, err)
				assert.True(t, tc.wantErr.Is(err))
				assert.Zero(t, f.gw.CallCount("autofill"))
				return
			}
			require.NoError(t, err)
			tx := createdTx(t, f.gw)
			tag, ok := tx["DestinationTag"]
			if tc.omitted {
				assert.False(t, ok, "tag must be omitted, got %v", tag)
				return
			}
			got, ok := tx.Uint32("DestinationTag")
			require.True(t, ok)
			assert.Equal(t, tc.wantTag, got)
		})
	}
}

func TestCreateAmountInDrops(t *testing.T) {
	cases := map[string]struct {
		xrp       string
		wantDrops string
		wantErr   *coreerr.Error
	}{
		"whole":          {xrp: "10", wantDrops: "10000000"},
		"one drop":       {xrp: "0.000001", wantDrops: "1"},
		"rounds down":    {xrp: "1.0000004", wantDrops: "1000000"},
		"rounds up":      {xrp: "1.0000006", wantDrops: "1000001"},
		"below one drop": {xrp: "0.0000001", wantErr: coreerr.ErrInvalidAmount},
		"zero":           {xrp: "0", wantErr: coreerr.ErrInvalidAmount},
		"negative":       {xrp: "-5", wantErr: coreerr.ErrInvalidAmount},
		"above supply":   {xrp: "100000000001", wantErr: coreerr.ErrOutOfRange},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := defaultFixture(t)
			_, err := f.manager.Create(context.Background(), createReq("1", participantAddr, tc.xrp))
			if tc.wantErr != nil {
				require.Error(t, err)
				assert.True(t, tc.wantErr.Is(err))
				assert.Zero(t, f.gw.CallCount(""))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantDrops, createdTx(t, f.gw)["Amount"])
		})
	}
}

func TestCreateTimeLocks(t *testing.T) {
	nowLedger := uint32(LedgerTime(fixedNow))

	t.Run("default finish", func(t *testing.T) {
		f := defaultFixture(t)
		_, err := f.manager.Create(context.Background(), createReq("1", participantAddr, "1"))
		require.NoError(t, err)
		tx := createdTx(t, f.gw)
		finish, ok := tx.Uint32("FinishAfter")
		require.True(t, ok)
		cancel, ok := tx.Uint32("CancelAfter")
		require.True(t, ok)
		assert.EqualValues(t, 30*86400, finish-nowLedger)
		assert.EqualValues(t, 7*86400, cancel-finish)
	})

	t.Run("explicit finish", func(t *testing.T) {
		f := defaultFixture(t)
		req := createReq("1", participantAddr, "1")
		finishAt := nowLedger + 3600
		req.FinishAfter = &finishAt
		_, err := f.manager.Create(context.Background(), req)
		require.NoError(t, err)
		tx := createdTx(t, f.gw)
		finish, _ := tx.Uint32("FinishAfter")
		cancel, _ := tx.Uint32("CancelAfter")
		assert.Equal(t, finishAt, finish)
		assert.EqualValues(t, 7*86400, cancel-finish)
	})

	t.Run("overflow", func(t *testing.T) {
		f := defaultFixture(t)
		req := createReq("1", participantAddr, "1")
		finishAt := uint32(4294967000)
		req.FinishAfter = &finishAt
		_, err := f.manager.Create(context.Background(), req)
		require.Error(t, err)
		assert.True(t, coreerr.ErrOutOfRange.Is(err))
		assert.Zero(t, f.gw.CallCount(""))
	})
}

func TestCreateWalletErrors(t *testing.T) {
	t.Run("missing secret", func(t *testing.T) {
		f := newFixture(t, wallet.Settings{Address: custodialAddr}, Config{})
		_, err := f.manager.Create(context.Background(), createReq("1", participantAddr, "1"))
		assert.True(t, coreerr.ErrConfiguration.Is(err))
		assert.Zero(t, f.gw.CallCount(""))
	})

	t.Run("bad secret", func(t *testing.T) {
		f := newFixture(t, wallet.Settings{Secret: "wrong", Address: custodialAddr}, Config{})
		_, err := f.manager.Create(context.Background(), createReq("1", participantAddr, "1"))
		assert.True(t, coreerr.ErrKeyDerivation.Is(err))
		assert.NotContains(t, err.Error(), "wrong")
		assert.Zero(t, f.gw.CallCount(""))
	})
}

func TestCreateSubmissionErrors(t *testing.T) {
	t.Run("missing sequence", func(t *testing.T) {
		f := defaultFixture(t)
		f.gw.OmitSequence = true
		_, err := f.manager.Create(context.Background(), createReq("1", participantAddr, "1"))
		require.Error(t, err)
		assert.True(t, coreerr.ErrSubmission.Is(err))
		assert.Zero(t, f.gw.CallCount("submit"))
	})

	t.Run("autofill failure", func(t *testing.T) {
		f := defaultFixture(t)
		f.gw.AutofillErr = errors.New("connection reset")
		_, err := f.manager.Create(context.Background(), createReq("1", participantAddr, "1"))
		require.Error(t, err)
		assert.True(t, coreerr.ErrSubmission.Is(err))
		assert.Contains(t, err.Error(), "connection reset")
	})

	t.Run("rejected", func(t *testing.T) {
		f := defaultFixture(t)
		f.gw.SubmitErr = coreerr.ErrSubmission.New("tecUNFUNDED")
		_, err := f.manager.Create(context.Background(), createReq("1", participantAddr, "1"))
		require.Error(t, err)
		assert.True(t, coreerr.ErrSubmission.Is(err))
		assert.Equal(t, 1, f.gw.CallCount("submit"), "no retry")
	})
}

func TestCreateTwiceMintsTwoEscrows(t *testing.T) {
	f := defaultFixture(t)
	req := createReq("1", participantAddr, "1")

	first, err := f.manager.Create(context.Background(), req)
	require.NoError(t, err)
	second, err := f.manager.Create(context.Background(), req)
	require.NoError(t, err)

	assert.EqualValues(t, 42, first.OfferSequence)
	assert.EqualValues(t, 43, second.OfferSequence)
	assert.NotEqual(t, first.TxHash, second.TxHash)
}

func TestCancelRequiresOwner(t *testing.T) {
	f := defaultFixture(t)

	cases := []string{participantAddr, "", " " + custodialAddr}
	for _, owner := range cases {
		_, err := f.manager.Cancel(context.Background(), CancelRequest{OwnerAddress: owner, OfferSequence: 42})
		require.Error(t, err)
		assert.True(t, coreerr.ErrAuthorization.Is(err), "owner %q", owner)
	}
	assert.Zero(t, f.gw.CallCount(""), "no gateway call expected")
}

func TestCancelMissingSecret(t *testing.T) {
	f := newFixture(t, wallet.Settings{Address: custodialAddr}, Config{})
	_, err := f.manager.Cancel(context.Background(), CancelRequest{OwnerAddress: custodialAddr, OfferSequence: 1})
	assert.True(t, coreerr.ErrConfiguration.Is(err))
	assert.Zero(t, f.gw.CallCount(""))
}

func TestSummary(t *testing.T) {
	f := newFixture(t, wallet.Settings{Address: custodialAddr}, Config{Network: "devnet"})
	f.gw.SetBalance(custodialAddr, "12345678")

	s, err := f.manager.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{
		WalletAddress: custodialAddr,
		BalanceDrops:  "12345678",
		BalanceXRP:    12.345678,
		Network:       "devnet",
	}, s)
}

func TestSummaryDefaults(t *testing.T) {
	f := newFixture(t, wallet.Settings{Address: custodialAddr}, Config{})

	s, err := f.manager.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0", s.BalanceDrops)
	assert.Zero(t, s.BalanceXRP)
	assert.Equal(t, "testnet", s.Network)
}

func TestSummaryErrors(t *testing.T) {
	t.Run("no address", func(t *testing.T) {
		f := newFixture(t, wallet.Settings{Secret: custodialSecret}, Config{})
		_, err := f.manager.Summary(context.Background())
		assert.True(t, coreerr.ErrConfiguration.Is(err))
		assert.Zero(t, f.gw.CallCount(""))
	})

	t.Run("ledger failure", func(t *testing.T) {
		f := newFixture(t, wallet.Settings{Address: custodialAddr}, Config{})
		f.gw.BalanceErr = fmt.Errorf("timeout")
		_, err := f.manager.Summary(context.Background())
		assert.True(t, coreerr.ErrSubmission.Is(err))
	})
}

// overlapGateway reports how many submissions were between autofill and
// validation at the same time.
type overlapGateway struct {
	*ledger.FakeGateway
	inflight int32
	peak     int32
}

func (o *overlapGateway) Autofill(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	n := atomic.AddInt32(&o.inflight, 1)
	for {
		peak := atomic.LoadInt32(&o.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&o.peak, peak, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	return o.FakeGateway.Autofill(ctx, tx)
}

func (o *overlapGateway) SubmitAndWait(ctx context.Context, blob string) (ledger.Outcome, error) {
	defer atomic.AddInt32(&o.inflight, -1)
	return o.FakeGateway.SubmitAndWait(ctx, blob)
}

func TestSerializedSubmitsPerAccount(t *testing.T) {
	gw := &overlapGateway{FakeGateway: ledger.NewFakeGateway(1)}
	resolver := wallet.NewResolver(wallet.Settings{Secret: custodialSecret, Address: custodialAddr},
		fixedDeriver(custodialAddr), zerolog.Nop())
	m := NewManager(gw, resolver, Config{SerializeSubmits: true}, zerolog.Nop())

	const workers = 8
	var wg sync.WaitGroup
	seqs := make(chan uint32, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Create(context.Background(), createReq("1", participantAddr, "1"))
			if assert.NoError(t, err) {
				seqs <- res.OfferSequence
			}
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint32]bool)
	for s := range seqs {
		assert.False(t, seen[s], "duplicate sequence %d", s)
		seen[s] = true
	}
	assert.Len(t, seen, workers)
	assert.EqualValues(t, 1, atomic.LoadInt32(&gw.peak))
}
