package perp

import "errors"

// Engine errors
var (
	ErrInvalidMarket               = errors.New("market not found or inactive")
	ErrMarketExists                = errors.New("market already exists")
	ErrInvalidAmount               = errors.New("amount must be positive")
	ErrInsufficientCollateral      = errors.New("insufficient collateral")
	ErrExcessiveLeverage           = errors.New("excessive leverage")
	ErrSlippageExceeded            = errors.New("slippage exceeded")
	ErrStalePrice                  = errors.New("stale price")
	ErrInsufficientOracleConsensus = errors.New("insufficient oracle consensus")
	ErrPositionNotFound            = errors.New("position not found")
	ErrPositionNotOpen             = errors.New("position is not open")
	ErrUnauthorized                = errors.New("unauthorized")
	ErrPositionNotLiquidatable     = errors.New("position not liquidatable")
	ErrAlreadyLiquidated           = errors.New("position already liquidated")
	ErrInsufficientBalance         = errors.New("insufficient vault balance")
	ErrSourceExists                = errors.New("price source already registered")
	ErrSourceUnavailable           = errors.New("price source unavailable")
)
