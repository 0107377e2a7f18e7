package paper

import "errors"

var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidPrice        = errors.New("price must be positive")
	ErrInvalidSide         = errors.New("side must be long or short")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrPositionSizeCap     = errors.New("position size exceeds max position pct")
	ErrPositionNotFound    = errors.New("position not found")
)
