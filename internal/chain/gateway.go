// Package chain talks to the external ledger. The gateway surface is
// deliberately small: build-and-submit one composite transaction, then
// await its confirmation. The composite transaction is atomic, so the
// caller reconciles a whole batch with a single outcome.
package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
)

// Instruction is a single transfer inside a composite transaction.
type Instruction struct {
	From     string
	To       string
	Lamports uint64
}

// TxRef identifies a submitted transaction on the external ledger.
type TxRef string

// Outcome is the confirmed result of a submitted transaction.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// Gateway submits composite transfer transactions and confirms them.
type Gateway interface {
	Submit(ctx context.Context, instructions []Instruction) (TxRef, error)
	Confirm(ctx context.Context, ref TxRef, timeout time.Duration) (Outcome, error)
}

// ValidateAddress reports whether addr is a well-formed ledger address.
func ValidateAddress(addr string) error {
	if _, err := solana.PublicKeyFromBase58(addr); err != nil {
		return fmt.Errorf("parse address %q: %w", addr, err)
	}
	return nil
}
