package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConversationIDIsSymmetric(t *testing.T) {
	a := ConversationID("alice@example.org", "bob@example.org")
	b := ConversationID("bob@example.org", "alice@example.org")

	assert.Equal(t, a, b)
	assert.Equal(t, "alice@example.org:bob@example.org", a)
}

func TestConversationIDDistinguishesPeers(t *testing.T) {
	ab := ConversationID("alice@example.org", "bob@example.org")
	ac := ConversationID("alice@example.org", "carol@example.org")

	assert.NotEqual(t, ab, ac)
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"bob@example.org", "bob@example.org"},
		{"bob@example.org/phone", "bob@example.org"},
		{"bob@example.org/phone/backup", "bob@example.org"},
		{"", ""},
		{"/dangling", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, NormalizeAddress(tc.addr), "addr %q", tc.addr)
	}
}

func TestSplitAddress(t *testing.T) {
	base, resource := splitAddress("group-1/Bob")
	assert.Equal(t, "group-1", base)
	assert.Equal(t, "Bob", resource)

	base, resource = splitAddress("bob@example.org")
	assert.Equal(t, "bob@example.org", base)
	assert.Empty(t, resource)
}
