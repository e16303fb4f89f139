// Package tcbpolicy exposes the caller-supplied TCB/FMSPC policy hook. The
// library never fetches TCB info itself (no Intel PCCS client lives here);
// it only extracts FMSPC from the PCK leaf and hands it, along with the
// parsed quote, to the caller's predicate.
package tcbpolicy

import "errors"

// ErrTcbRejected is returned when the caller's predicate rejects a quote.
var ErrTcbRejected = errors.New("tcbpolicy: TCB policy rejected quote")

// Hook evaluates whether fmspcHex (lowercase hex FMSPC extracted from the
// PCK leaf certificate) and the quote it was extracted from are acceptable.
// quoteValue is the *quote.SgxQuote or *quote.TdxQuote that was verified;
// it is passed as any so this package does not import quote and create a
// dependency cycle with higher-level orchestration.
type Hook func(fmspcHex string, quoteValue any) bool

// Evaluate runs hook and converts a false result into ErrTcbRejected. A nil
// hook accepts unconditionally, matching "the library does not fetch TCB
// info itself" — callers that skip the hook get no TCB policy at all.
func Evaluate(hook Hook, fmspcHex string, quoteValue any) error {
	if hook == nil {
		return nil
	}
	if !hook(fmspcHex, quoteValue) {
		return ErrTcbRejected
	}
	return nil
}
