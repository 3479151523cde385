package vault

import "errors"

var (
	// Authorization
	ErrUnauthorized = errors.New("unauthorized")

	// State conflicts
	ErrAlreadyInitialized = errors.New("protocol config already initialized")
	ErrDuplicateProvider  = errors.New("provider already registered for this authority")
	ErrDuplicateVault     = errors.New("vault already exists for this owner")

	// Validation
	ErrInvalidFeeRate      = errors.New("fee rate exceeds 10000 basis points")
	ErrZeroDeposit         = errors.New("deposit amount must be greater than zero")
	ErrInsufficientBalance = errors.New("settlement amount exceeds vault balance")
	ErrNothingToWithdraw   = errors.New("vault balance is zero")
	ErrBelowThreshold      = errors.New("vault balance below settlement threshold")

	// Replay / ordering
	ErrInvalidNonce = errors.New("nonce does not match vault nonce")

	// Availability
	ErrVaultPaused = errors.New("settlement and withdrawal are paused")

	// Lookups
	ErrConfigNotFound   = errors.New("protocol config not initialized")
	ErrProviderNotFound = errors.New("provider not found")
	ErrVaultNotFound    = errors.New("vault not found")
)
