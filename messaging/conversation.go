package messaging

import "strings"

// conversationSeparator joins the two participant identities of a
// direct conversation. Fixed: changing it would orphan every existing
// conversation id.
const conversationSeparator = ":"

// ConversationID derives the id of a direct conversation between two
// identities. The pair is sorted lexicographically first, so both
// participants derive the same id regardless of direction.
func ConversationID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + conversationSeparator + b
}

// NormalizeAddress strips a transport-specific resource suffix
// ("alice@host/phone" → "alice@host") to recover the canonical
// directory identity.
func NormalizeAddress(addr string) string {
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		return addr[:i]
	}
	return addr
}

// splitAddress separates an address into its canonical part and its
// resource suffix, if any.
func splitAddress(addr string) (base, resource string) {
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		return addr[:i], addr[i+1:]
	}
	return addr, ""
}
