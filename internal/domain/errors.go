package domain

import "errors"

var (
	// Validation errors: caller-fixable, always checked before any state
	// mutation.
	ErrInvalidTranche     = errors.New("invalid tranche")
	ErrInvalidPDLevel     = errors.New("premium-discount level out of band")
	ErrPriceCrossing      = errors.New("order would cross the opposite side of the book")
	ErrAmountBelowMinimum = errors.New("amount below minimum order size")
	ErrStaleConversion    = errors.New("conversion id is not current")
	ErrVersionOutOfBounds = errors.New("target version exceeds latest conversion id")

	// Insufficient-resource errors: checked immediately before the would-be
	// debit.
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrInsufficientLocked  = errors.New("insufficient locked balance")

	// Exchange errors.
	ErrMakerIneligible  = errors.New("account is not an eligible maker")
	ErrOrderNotFound    = errors.New("order not found")
	ErrNotOrderOwner    = errors.New("order belongs to a different maker")
	ErrNothingMatched   = errors.New("no resting order could be matched")
	ErrExchangeInactive = errors.New("exchange is not active at this time")
	ErrEpochNotClosed   = errors.New("epoch has not closed yet")

	// External-dependency errors: surfaced verbatim, no fallback price is
	// ever substituted.
	ErrZeroPrice = errors.New("oracle price unavailable or zero")

	// Infrastructure sentinels.
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")
)
