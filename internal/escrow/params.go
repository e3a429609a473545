package escrow

import (
	"math"
	"math/big"
	"strings"
	"time"

	coreerr "escrowcore/internal/errors"

	"github.com/shopspring/decimal"
)

const (
	// RippleEpochOffset is 2000-01-01T00:00:00Z in Unix seconds.
	RippleEpochOffset = 946684800

	DropsPerXRP = 1_000_000
	// MaxDrops is the total XRP supply expressed in drops.
	MaxDrops = 100_000_000_000 * DropsPerXRP

	DefaultFinishDelay = 30 * 24 * time.Hour
	CancelDelay        = 7 * 24 * time.Hour
)

var (
	dropsPerXRP = decimal.NewFromInt(DropsPerXRP)
	maxDrops    = decimal.NewFromInt(MaxDrops)
	maxTag      = new(big.Int).SetUint64(math.MaxUint32)
)

// TimeLocks are escrow time bounds in ledger epoch seconds.
type TimeLocks struct {
	Now         uint32
	FinishAfter uint32
	CancelAfter uint32
}

// LedgerTime converts t to ledger epoch seconds.
func LedgerTime(t time.Time) int64 {
	return t.Unix() - RippleEpochOffset
}

// ComputeTimeLocks derives FinishAfter and CancelAfter. CancelAfter is always
// CancelDelay after FinishAfter.
func ComputeTimeLocks(now time.Time, finishAfter *uint32) (TimeLocks, error) {
	nowLedger := LedgerTime(now)
	if nowLedger < 0 || nowLedger > math.MaxUint32 {
		return TimeLocks{}, coreerr.ErrOutOfRange.Newf("current time %d is outside the ledger epoch", now.Unix())
	}

	finish := nowLedger + int64(DefaultFinishDelay/time.Second)
	if finishAfter != nil {
		finish = int64(*finishAfter)
	}
	cancel := finish + int64(CancelDelay/time.Second)
	if finish > math.MaxUint32 || cancel > math.MaxUint32 {
		return TimeLocks{}, coreerr.ErrOutOfRange.Newf("finishAfter %d leaves no room for cancelAfter", finish)
	}
	return TimeLocks{
		Now:         uint32(nowLedger),
		FinishAfter: uint32(finish),
		CancelAfter: uint32(cancel),
	}, nil
}

// XRPToDrops converts an XRP amount to an integer drop string, rounding to
// the nearest drop.
func XRPToDrops(amount decimal.Decimal) (string, error) {
	drops := amount.Mul(dropsPerXRP).Round(0)
	if drops.Sign() <= 0 {
		return "", coreerr.ErrInvalidAmount.Newf("amountXrp %s is below one drop", amount.String())
	}
	if drops.GreaterThan(maxDrops) {
		return "", coreerr.ErrOutOfRange.Newf("amountXrp %s exceeds the XRP supply", amount.String())
	}
	return drops.BigInt().String(), nil
}

// DropsToXRP converts a drop string to XRP.
func DropsToXRP(drops string) (float64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(drops))
	if err != nil {
		return 0, coreerr.ErrSubmission.Newf("malformed balance %q", drops)
	}
	xrp, _ := d.Div(dropsPerXRP).Float64()
	return xrp, nil
}

// ParseDestinationTag reads the leading base-10 integer of projectID, the
// way the enrolment backend has always formatted it. Leading whitespace and a
// sign are accepted and trailing characters ignored. Input without leading
// digits yields 0, meaning no tag. Values outside uint32 are rejected.
func ParseDestinationTag(projectID string) (uint32, error) {
	s := strings.TrimLeft(projectID, " \t\n\r\f\v")
	negative := false
	if s != "" && (s[0] == '+' || s[0] == '-') {
		negative = s[0] == '-'
		s = s[1:]
	}
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, nil
	}

	n, _ := new(big.Int).SetString(s[:end], 10)
	if n.Sign() == 0 {
		return 0, nil
	}
	if negative || n.Cmp(maxTag) > 0 {
		return 0, coreerr.ErrOutOfRange.Newf("projectId %q must fit in a DestinationTag (uint32)", projectID)
	}
	return uint32(n.Uint64()), nil
}
