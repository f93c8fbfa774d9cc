package messaging

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bertvancapelle/CommEazy-sub001/crypto"
	"github.com/bertvancapelle/CommEazy-sub001/encryption"
	"github.com/bertvancapelle/CommEazy-sub001/storage"
)

// addKeyOnlyContacts registers n contacts that only need a valid key,
// not a live engine.
func addKeyOnlyContacts(t *testing.T, rig *managerRig, n int) []string {
	t.Helper()

	identities := make([]string, 0, n)
	for i := 0; i < n; i++ {
		kp, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		identity := fmt.Sprintf("member%d@example.org", i)
		require.NoError(t, rig.manager.AddContact(&storage.Contact{
			Identity:    identity,
			DisplayName: fmt.Sprintf("Member %d", i),
			PublicKey:   kp.Public,
		}))
		identities = append(identities, identity)
	}
	return identities
}

func TestCreateGroupFixesModeAtCreation(t *testing.T) {
	tests := []struct {
		name     string
		others   int
		wantMode encryption.Mode
	}{
		{"pair", 1, encryption.ModeDirect},
		{"small", 3, encryption.ModeBroadcast},
		{"at boundary", 8, encryption.ModeBroadcast},
		{"large", 10, encryption.ModeSharedKey},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rig := newManagerRig(t)
			members := addKeyOnlyContacts(t, rig, tc.others)

			group, err := rig.manager.CreateGroup("group-1", "Lunch", members)
			require.NoError(t, err)
			assert.Equal(t, string(tc.wantMode), group.EncryptionMode)
			assert.Len(t, group.Members, tc.others+1, "creator is a member")
			assert.Contains(t, group.Members, aliceIdentity)
		})
	}
}

func TestCreateGroupRejectsUnknownMember(t *testing.T) {
	rig := newManagerRig(t)

	_, err := rig.manager.CreateGroup("group-1", "Lunch", []string{"stranger@example.org"})
	assert.ErrorIs(t, err, ErrRecipientNotFound)
}

func TestCreateGroupNeedsAnotherMember(t *testing.T) {
	rig := newManagerRig(t)

	_, err := rig.manager.CreateGroup("group-1", "Just me", []string{aliceIdentity})
	assert.Error(t, err)
}

func TestModeStaysFixedWhenMembershipGrows(t *testing.T) {
	rig := newManagerRig(t)
	members := addKeyOnlyContacts(t, rig, 3)

	group, err := rig.manager.CreateGroup("group-1", "Lunch", members)
	require.NoError(t, err)
	require.Equal(t, string(encryption.ModeBroadcast), group.EncryptionMode)

	// Grow past the broadcast boundary; the mode must not change.
	grown := addKeyOnlyContacts(t, rig, 12)
	require.NoError(t, rig.manager.UpdateGroupMembers("group-1", append([]string{aliceIdentity}, grown...)))

	updated, err := rig.store.GetGroup("group-1")
	require.NoError(t, err)
	assert.Equal(t, string(encryption.ModeBroadcast), updated.EncryptionMode)
	assert.Len(t, updated.Members, 13)
}

func TestUpdateGroupMembersRejectsUnknown(t *testing.T) {
	rig := newManagerRig(t)
	members := addKeyOnlyContacts(t, rig, 2)
	_, err := rig.manager.CreateGroup("group-1", "Lunch", members)
	require.NoError(t, err)

	err = rig.manager.UpdateGroupMembers("group-1", []string{"stranger@example.org"})
	assert.ErrorIs(t, err, ErrRecipientNotFound)

	err = rig.manager.UpdateGroupMembers("no-such-group", members)
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestSendGroupMessageOnChannel(t *testing.T) {
	rig := newManagerRig(t)
	members := addKeyOnlyContacts(t, rig, 3)
	_, err := rig.manager.CreateGroup("group-1", "Lunch", members)
	require.NoError(t, err)

	msg, err := rig.manager.SendGroupMessage("group-1", "pizza friday")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSent, msg.Status)
	assert.Equal(t, "group-1", msg.ConversationID)

	sent := rig.transport.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "group-1", sent[0].ChannelID)
	assert.Equal(t, msg.ID, sent[0].ID)
	assert.NotContains(t, string(sent[0].Payload), "pizza friday")
}

func TestSendGroupMessageUnknownGroup(t *testing.T) {
	rig := newManagerRig(t)

	_, err := rig.manager.SendGroupMessage("no-such-group", "hello")
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestSendGroupMessageQueuesWhenOffline(t *testing.T) {
	rig := newManagerRig(t)
	members := addKeyOnlyContacts(t, rig, 3)
	_, err := rig.manager.CreateGroup("group-1", "Lunch", members)
	require.NoError(t, err)
	rig.transport.SetConnected(false)

	msg, err := rig.manager.SendGroupMessage("group-1", "pizza friday")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, msg.Status)

	entries, err := rig.store.GetOutboxEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.ElementsMatch(t, members, entries[0].PendingRecipients,
		"every other member starts pending")
}

func TestGroupReceive(t *testing.T) {
	rig := newManagerRig(t)
	bob := newPeer(t, bobIdentity)
	rig.addContact(t, bob, "Bob")

	group, err := rig.manager.CreateGroup("group-1", "Pair", []string{bobIdentity})
	require.NoError(t, err)

	var received []*storage.Message
	defer rig.manager.OnMessage(func(msg *storage.Message) { received = append(received, msg) })()

	// Bob encrypts under the group's fixed mode and the channel delivers
	// it addressed by display name.
	payload, err := bob.engine.EncryptWithMode([]byte("on my way"),
		[]encryption.Recipient{rig.selfRecipient()},
		encryption.Mode(group.EncryptionMode))
	require.NoError(t, err)
	wire, err := encryption.MarshalPayload(payload)
	require.NoError(t, err)

	rig.transport.DeliverMessage("group-1/Bob", wire, "gmsg-1")

	stored, err := rig.store.GetMessage("gmsg-1")
	require.NoError(t, err)
	assert.Equal(t, "on my way", stored.Content)
	assert.Equal(t, "group-1", stored.ConversationID)
	assert.Equal(t, bobIdentity, stored.SenderID)
	assert.Equal(t, "Bob", stored.SenderName)
	assert.Equal(t, storage.StatusDelivered, stored.Status)

	acks := rig.transport.Acks()
	require.Len(t, acks, 1)
	assert.Equal(t, bobIdentity, acks[0].To, "ack goes to the sender's identity, not the channel")
	require.Len(t, received, 1)

	// Channel redelivery of the same id is a no-op.
	rig.transport.DeliverMessage("group-1/Bob", wire, "gmsg-1")
	assert.Len(t, received, 1)
}

func TestGroupEchoOfOwnMessageIsDiscarded(t *testing.T) {
	rig := newManagerRig(t)
	bob := newPeer(t, bobIdentity)
	rig.addContact(t, bob, "Bob")
	_, err := rig.manager.CreateGroup("group-1", "Pair", []string{bobIdentity})
	require.NoError(t, err)

	msg, err := rig.manager.SendGroupMessage("group-1", "echo test")
	require.NoError(t, err)

	calls := 0
	defer rig.manager.OnMessage(func(*storage.Message) { calls++ })()

	// The channel bounces our own message back under our display name.
	sent := rig.transport.Sent()
	require.Len(t, sent, 1)
	rig.transport.DeliverMessage("group-1/Alice", sent[0].Payload, msg.ID+"-echo")

	assert.Equal(t, 0, calls)
	_, err = rig.store.GetMessage(msg.ID + "-echo")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGroupUnmappableSenderIsDropped(t *testing.T) {
	rig := newManagerRig(t)
	bob := newPeer(t, bobIdentity)
	rig.addContact(t, bob, "Bob")
	group, err := rig.manager.CreateGroup("group-1", "Pair", []string{bobIdentity})
	require.NoError(t, err)

	payload, err := bob.engine.EncryptWithMode([]byte("who am I"),
		[]encryption.Recipient{rig.selfRecipient()},
		encryption.Mode(group.EncryptionMode))
	require.NoError(t, err)
	wire, err := encryption.MarshalPayload(payload)
	require.NoError(t, err)

	// "Mallory" maps to no directory entry; the message must not be
	// attributed to anyone.
	rig.transport.DeliverMessage("group-1/Mallory", wire, "gmsg-anon")

	_, err = rig.store.GetMessage("gmsg-anon")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, rig.transport.Acks())
}

func TestGroupMalformedPayloadIsDropped(t *testing.T) {
	rig := newManagerRig(t)
	bob := newPeer(t, bobIdentity)
	rig.addContact(t, bob, "Bob")
	_, err := rig.manager.CreateGroup("group-1", "Pair", []string{bobIdentity})
	require.NoError(t, err)

	rig.transport.DeliverMessage("group-1/Bob", []byte("garbage"), "gmsg-junk")

	_, err = rig.store.GetMessage("gmsg-junk")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGroupMemberMissingFromDirectoryIsSkipped(t *testing.T) {
	rig := newManagerRig(t)
	members := addKeyOnlyContacts(t, rig, 2)
	_, err := rig.manager.CreateGroup("group-1", "Lunch", members)
	require.NoError(t, err)

	// A member later removed from the directory cannot receive an
	// envelope but must not block the others.
	require.NoError(t, rig.store.DeleteContact(members[0]))

	rig.transport.SetConnected(false)
	_, err = rig.manager.SendGroupMessage("group-1", "still works")
	require.NoError(t, err)

	entries, err := rig.store.GetOutboxEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{members[1]}, entries[0].PendingRecipients)
}

func TestLeaveGroup(t *testing.T) {
	rig := newManagerRig(t)
	members := addKeyOnlyContacts(t, rig, 2)
	_, err := rig.manager.CreateGroup("group-1", "Lunch", members)
	require.NoError(t, err)

	assert.NoError(t, rig.manager.LeaveGroup("group-1"))
}
