package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/carbontrack/carbontrack/internal/shared"
)

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindInsufficientFunds   ErrorKind = "insufficient_funds"
	KindUserRejected        ErrorKind = "user_rejected"
	KindUnderpriced         ErrorKind = "underpriced"
	KindReverted            ErrorKind = "reverted"
	KindNetwork             ErrorKind = "network"
	KindCallException       ErrorKind = "call_exception"
	KindBatchExists         ErrorKind = "batch_exists"
	KindInvalidQuantity     ErrorKind = "invalid_quantity"
	KindInsufficientBalance ErrorKind = "insufficient_balance"
	KindUnknown             ErrorKind = "unknown"
)

var userMessages = map[ErrorKind]string{
	KindInsufficientFunds: "Insufficient funds for gas. Please add AVAX to your wallet.",
	KindUserRejected:      "Transaction was rejected by user.",
	KindUnderpriced:       "Gas fee too low. Please try again - the network may be congested.",
	KindReverted:          "Transaction failed. The contract rejected the transaction. Please check your parameters.",
	KindNetwork:           "Network error. Please check your connection and try again.",
	KindCallException:     "Contract call failed. Please check your parameters and try again.",
	KindBatchExists:       "A batch with this number already exists for your address.",
	KindInvalidQuantity:   "Batch quantity must be greater than 0.",
}

// Op names the contract operation that failed.
type Op string

const (
	OpMint     Op = "mint"
	OpTransfer Op = "transfer"
	OpRead     Op = "read"
)

// ChainError is a translated provider failure. The raw provider error is kept
// for logs; UserMessage is the only text shown to callers.
type ChainError struct {
	Op   Op
	Kind ErrorKind
	Err  error

	message string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("ledger %s: %s: %v", e.Op, e.Kind, e.Err)
}

// UserMessage returns the fixed presentable message for the error kind.
func (e *ChainError) UserMessage() string {
	if msg, ok := userMessages[e.Kind]; ok {
		return msg
	}
	if e.message != "" {
		return e.message
	}
	switch e.Op {
	case OpTransfer:
		return "Failed to transfer tokens: " + e.Err.Error()
	case OpMint:
		return "Failed to mint tokens: " + e.Err.Error()
	}
	return "Ledger request failed: " + e.Err.Error()
}

// Unwrap exposes both the ledger class and the provider error. Short balances
// are also invalid operations.
func (e *ChainError) Unwrap() []error {
	if e.Kind == KindInsufficientBalance {
		return []error{shared.ErrInvalidOperation, shared.ErrChain, e.Err}
	}
	return []error{shared.ErrChain, e.Err}
}

// Translate wraps a raw provider error. Context errors and errors already
// translated pass through untouched.
func Translate(op Op, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var ce *ChainError
	if errors.As(err, &ce) {
		return err
	}
	return &ChainError{Op: op, Kind: Classify(err), Err: err}
}

// InsufficientBalance builds the local pre-submission balance failure.
func InsufficientBalance(have, want uint64) error {
	return &ChainError{
		Op:      OpTransfer,
		Kind:    KindInsufficientBalance,
		Err:     fmt.Errorf("insufficient balance: have %d, want %d", have, want),
		message: fmt.Sprintf("Insufficient balance. You have %d tokens, trying to transfer %d", have, want),
	}
}

type codedError interface {
	ErrorCode() int
}

// Classify maps a provider error onto an ErrorKind.
func Classify(err error) ErrorKind {
	var coded codedError
	if errors.As(err, &coded) && coded.ErrorCode() == 4001 {
		return KindUserRejected
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return KindInsufficientFunds
	case strings.Contains(msg, "user rejected"), strings.Contains(msg, "user denied"):
		return KindUserRejected
	case strings.Contains(msg, "batch already exists"):
		return KindBatchExists
	case strings.Contains(msg, "quantity must be greater than 0"):
		return KindInvalidQuantity
	case strings.Contains(msg, "insufficient balance"):
		return KindInsufficientBalance
	case strings.Contains(msg, "underpriced"), strings.Contains(msg, "fee too low"),
		strings.Contains(msg, "max fee per gas less than block base fee"):
		return KindUnderpriced
	case strings.Contains(msg, "execution reverted"), strings.Contains(msg, "reverted"):
		return KindReverted
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"),
		strings.Contains(msg, "eof"), strings.Contains(msg, "network"):
		return KindNetwork
	case strings.Contains(msg, "call exception"), strings.Contains(msg, "abi:"):
		return KindCallException
	}
	return KindUnknown
}
