// Package memo derives the correlation string that binds an inbound
// transfer to a specific deposit intent.
package memo

import (
	"fmt"
	"strings"
)

// Prefix marks PikoPay memos on chain.
const Prefix = "PK"

// Generate returns the memo for a deposit intent. Uniqueness rides on the
// id, which is drawn from a high-entropy identifier space; the same owner
// with distinct ids never collides.
func Generate(ownerRef, id string) string {
	return fmt.Sprintf("%s-%s-%s", Prefix, ownerRef, id)
}

// Parse splits a memo back into owner reference and deposit id. The owner
// reference may itself contain dashes, so the id is taken from the end
// using the fixed uuid shape (five dash-separated groups).
func Parse(m string) (ownerRef, id string, err error) {
	rest, ok := strings.CutPrefix(m, Prefix+"-")
	if !ok {
		return "", "", fmt.Errorf("memo %q: missing %s prefix", m, Prefix)
	}
	parts := strings.Split(rest, "-")
	if len(parts) < 6 {
		return "", "", fmt.Errorf("memo %q: malformed", m)
	}
	id = strings.Join(parts[len(parts)-5:], "-")
	ownerRef = strings.Join(parts[:len(parts)-5], "-")
	if ownerRef == "" || id == "" {
		return "", "", fmt.Errorf("memo %q: malformed", m)
	}
	return ownerRef, id, nil
}
