// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package attach

import (
	"errors"
	"fmt"
)

// Kind classifies an attach error so a caller can branch on it (e.g. to pick
// a CLI exit code) without string-matching the message.
type Kind int

// Error kinds, matching the taxonomy the scanner enforces.
const (
	// KindIO is an underlying medium fault; the attach is always aborted.
	KindIO Kind = iota
	// KindFormat covers a wrong on-flash version, EC overflow, a mismatched
	// image sequence, a mismatched VID across one volume's LEBs, or a
	// duplicate non-zero sqnum.
	KindFormat
	// KindCorruptionBudget means too many type-2 corruptions were found.
	KindCorruptionBudget
	// KindNotUBI means too many maybe-bad PEBs on an apparently empty medium.
	KindNotUBI
	// KindNoSpace means the early allocator had nothing left to give.
	KindNoSpace
	// KindTransient is a write failure during recovery; callers may retry.
	KindTransient
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindIO:
		return "IO"
	case KindFormat:
		return "FORMAT"
	case KindCorruptionBudget:
		return "CORRUPTION_BUDGET"
	case KindNotUBI:
		return "NOT_UBI"
	case KindNoSpace:
		return "NO_SPACE"
	case KindTransient:
		return "TRANSIENT"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the error type every exported attach operation returns on
// failure. It carries a Kind so callers can branch without string matching.
type Error struct {
	Kind Kind
	err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("attach: %s: %s", e.Kind, e.err)
}

// Unwrap allows errors.Is/errors.As to see through to the wrapped cause.
func (e *Error) Unwrap() error {
	return e.err
}

func wrapf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, err: fmt.Errorf(format+": %w", append(args, cause)...)}
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, err: fmt.Errorf(format, args...)}
}

// Sentinel causes, usable with errors.Is against the wrapped *Error.
var (
	// ErrDuplicateSQNum: two LEBs of the same volume/lnum shared a
	// non-zero sequence number.
	ErrDuplicateSQNum = errors.New("attach: duplicate non-zero sequence number")
	// ErrMismatchedVID: a non-first LEB of a volume disagreed with the
	// volume's accumulated vol_id/vol_type/used_ebs/data_pad, or an
	// unsupported internal volume carries the reject compat code.
	ErrMismatchedVID = errors.New("attach: mismatched VID header for volume")
	// ErrImageSeqMismatch: a PEB's image sequence number disagreed with
	// the rest of the medium.
	ErrImageSeqMismatch = errors.New("attach: image sequence number mismatch")
	// ErrCorruptionBudgetExceeded: too many type-2 corruptions.
	ErrCorruptionBudgetExceeded = errors.New("attach: corruption budget exceeded")
	// ErrNotUBI: too many maybe-bad PEBs on an apparently empty medium.
	ErrNotUBI = errors.New("attach: medium does not look like a valid image")
	// ErrNoSpace: the early allocator has nothing left to give.
	ErrNoSpace = errors.New("attach: no free PEB available")
	// ErrNoFastmap: no fastmap anchor was found within FastMaxStart PEBs.
	ErrNoFastmap = errors.New("attach: no fastmap anchor found")
	// ErrBadFastmap: a fastmap anchor was found but failed validation.
	ErrBadFastmap = errors.New("attach: fastmap anchor failed validation")
)
