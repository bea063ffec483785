package repo

import (
	"fmt"

	"pikopay/internal/chain"
	"pikopay/internal/memo"

	"github.com/google/uuid"
)

// newDepositRecord validates the recipient address and mints the identity
// of a fresh intent: a random id and the memo derived from it. Shared by
// both storage backends so the memo is generated exactly once, at creation.
func newDepositRecord(ownerRef, recipientAddress string) (id, m string, err error) {
	if ownerRef == "" {
		return "", "", fmt.Errorf("owner reference is required")
	}
	if err := chain.ValidateAddress(recipientAddress); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	id = uuid.NewString()
	return id, memo.Generate(ownerRef, id), nil
}
