// Package watermark implements LexiVersion, the lexicographically
// ordered version string that orders every committed upstream
// transaction (spec §3). It plays the same role cdc-sink's
// internal/util/hlc.Time plays there, generalized from a fixed
// (nanos, logical) pair to an opaque, bytewise-ordered string so it
// can be derived directly from a Postgres LSN plus an in-transaction
// sub-sequence.
package watermark

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Version is a LexiVersion: a string such that for any two versions
// derived from committed transactions T1 < T2, Version(T1) < Version(T2)
// under plain Go string comparison.
type Version string

// Zero is the smallest possible Version, representing "no data yet".
const Zero Version = ""

// New builds a Version from a 64-bit LSN and a logical sub-index
// within the transaction (0 for the transaction's begin record; each
// later change, and finally the commit record, takes the next value
// via Next). Both
// components are hex-encoded with a fixed width so that bytewise
// string comparison matches numeric comparison.
func New(lsn uint64, logical uint32) Version {
	return Version(fmt.Sprintf("%016x-%08x", lsn, logical))
}

// Compare returns -1, 0, or 1 according to whether a is less than,
// equal to, or greater than b.
func Compare(a, b Version) int {
	return strings.Compare(string(a), string(b))
}

// Less reports whether a strictly precedes b.
func Less(a, b Version) bool { return Compare(a, b) < 0 }

// Parts splits a Version back into its LSN and logical components.
func Parts(v Version) (lsn uint64, logical uint32, err error) {
	if v == Zero {
		return 0, 0, nil
	}
	idx := strings.IndexByte(string(v), '-')
	if idx < 0 {
		return 0, 0, errors.Errorf("malformed watermark %q", v)
	}
	lsnVal, err := strconv.ParseUint(string(v)[:idx], 16, 64)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "malformed watermark %q", v)
	}
	logVal, err := strconv.ParseUint(string(v)[idx+1:], 16, 32)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "malformed watermark %q", v)
	}
	return lsnVal, uint32(logVal), nil
}

// Next returns the immediate successor of v within the same
// transaction (same LSN, incremented logical counter). It is used to
// assign strictly increasing versions to successive data changes that
// share one commitWatermark.
func Next(v Version) Version {
	lsn, logical, err := Parts(v)
	if err != nil {
		// A malformed stored version should never reach here; fail
		// loud rather than silently wrapping past Zero.
		panic(err)
	}
	return New(lsn, logical+1)
}
