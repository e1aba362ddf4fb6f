package app

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/dkeye/peershare/internal/core"
	"github.com/dkeye/peershare/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type stubConn struct{ id int }

func (*stubConn) IsOpen() bool             { return true }
func (*stubConn) TrySend(core.Frame) error { return nil }
func (*stubConn) Close()                   {}

func newConn(id int) *stubConn { return &stubConn{id: id} }

// checkInvariants fails the test if any member points at a missing group or
// a group lists a member that is absent from the index.
func checkInvariants(t *testing.T, r *Registry) {
	t.Helper()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for gid, g := range r.groups {
		assert.NotEmpty(t, g.members, "group %s kept alive with no members", gid)
		seen := map[string]bool{}
		for id := range g.members {
			m, ok := r.members[id]
			require.True(t, ok, "group %s lists unknown member %s", gid, id)
			assert.Equal(t, gid, m.member.GroupID)
			lower := strings.ToLower(m.member.Username)
			assert.False(t, seen[lower], "duplicate name %q in %s", lower, gid)
			seen[lower] = true
		}
	}
	for id, m := range r.members {
		g, ok := r.groups[m.member.GroupID]
		require.True(t, ok, "member %s references deleted group %s", id, m.member.GroupID)
		_, listed := g.members[id]
		assert.True(t, listed)
	}
}

func TestRegistryCreateAndJoin(t *testing.T) {
	r := NewRegistry()
	alice, bob := newConn(1), newConn(2)

	gid, creator, err := r.CreateGroup("Standup", "alice", alice)
	require.NoError(t, err)
	assert.True(t, domain.ValidGroupID(string(gid)))
	assert.Equal(t, "alice", creator.Username)
	assert.Equal(t, gid, creator.GroupID)
	assert.Equal(t, Stats{TotalGroups: 1, TotalMembers: 1, AverageGroupSize: 1}, r.Stats())

	joined, err := r.JoinGroup(gid, "bob", bob, "")
	require.NoError(t, err)
	assert.Equal(t, "bob", joined.Username)
	assert.Equal(t, core.SignalConnection(bob), joined.Conn)

	members := r.GroupMembers(gid)
	require.Len(t, members, 2)
	assert.Equal(t, "alice", members[0].Username)
	assert.Equal(t, 2, r.Stats().TotalMembers)

	info, ok := r.Group(gid)
	require.True(t, ok)
	assert.Equal(t, "Standup", info.Name)
	assert.Equal(t, 2, info.MemberCount)
	checkInvariants(t, r)
}

func TestRegistryValidation(t *testing.T) {
	r := NewRegistry()

	_, _, err := r.CreateGroup("   ", "alice", newConn(1))
	assert.ErrorIs(t, err, domain.ErrGroupNameEmpty)

	_, _, err = r.CreateGroup("ok", "al ice", newConn(1))
	assert.ErrorIs(t, err, domain.ErrUsernameInvalid)

	_, err = r.JoinGroup("group_missing", "bob", newConn(2), "")
	assert.ErrorIs(t, err, domain.ErrGroupNotFound)

	gid, _, err := r.CreateGroup("  trimmed ", "alice", newConn(1))
	require.NoError(t, err)
	info, _ := r.Group(gid)
	assert.Equal(t, "trimmed", info.Name)
}

func TestRegistryNameCollision(t *testing.T) {
	r := NewRegistry()
	gid, _, err := r.CreateGroup("Standup", "alice", newConn(1))
	require.NoError(t, err)

	second, err := r.JoinGroup(gid, "alice", newConn(2), "")
	require.NoError(t, err)
	assert.Equal(t, "alice1", second.Username)

	third, err := r.JoinGroup(gid, "ALICE", newConn(3), "")
	require.NoError(t, err)
	assert.Equal(t, "ALICE2", third.Username)

	// names only collide within a group
	other, _, err := r.CreateGroup("Other", "alice", newConn(4))
	require.NoError(t, err)
	assert.Equal(t, "alice", r.GroupMembers(other)[0].Username)
	checkInvariants(t, r)
}

func TestRegistryNameCollisionKeepsLengthBound(t *testing.T) {
	r := NewRegistry()
	long := strings.Repeat("a", domain.MaxUsernameLen)
	gid, _, err := r.CreateGroup("Standup", long, newConn(1))
	require.NoError(t, err)

	for i := 2; i <= 12; i++ {
		m, err := r.JoinGroup(gid, long, newConn(i), "")
		require.NoError(t, err)
		assert.NoError(t, domain.ValidateUsername(m.Username), m.Username)
	}
	second, _ := r.Member(r.GroupMembers(gid)[1].ID)
	assert.Len(t, second.Username, domain.MaxUsernameLen)

	seen := map[string]bool{}
	for _, m := range r.GroupMembers(gid) {
		assert.False(t, seen[strings.ToLower(m.Username)], m.Username)
		seen[strings.ToLower(m.Username)] = true
	}
	checkInvariants(t, r)
}

func TestRegistryLeaveDeletesEmptyGroup(t *testing.T) {
	r := NewRegistry()
	gid, alice, _ := r.CreateGroup("Standup", "alice", newConn(1))
	bob, _ := r.JoinGroup(gid, "bob", newConn(2), "")

	info, left, ok := r.LeaveGroup(bob.ID)
	require.True(t, ok)
	assert.Equal(t, bob.ID, left.ID)
	assert.Equal(t, 1, info.MemberCount)
	_, ok = r.Group(gid)
	assert.True(t, ok)

	info, _, ok = r.LeaveGroup(alice.ID)
	require.True(t, ok)
	assert.Equal(t, 0, info.MemberCount)
	_, ok = r.Group(gid)
	assert.False(t, ok)
	assert.Empty(t, r.GroupMembers(gid))
	assert.Equal(t, Stats{}, r.Stats())

	_, _, ok = r.LeaveGroup(alice.ID)
	assert.False(t, ok)
}

func TestRegistryCleanupByConnection(t *testing.T) {
	r := NewRegistry()
	aliceConn, bobConn := newConn(1), newConn(2)
	gid, _, _ := r.CreateGroup("Standup", "alice", aliceConn)
	bob, _ := r.JoinGroup(gid, "bob", bobConn, "peer-b")

	_, removed, ok := r.CleanupByConnection(bobConn)
	require.True(t, ok)
	assert.Equal(t, bob.ID, removed.ID)
	_, ok = r.Member(bob.ID)
	assert.False(t, ok)

	_, _, ok = r.CleanupByConnection(newConn(9))
	assert.False(t, ok)
	_, _, ok = r.CleanupByConnection(nil)
	assert.False(t, ok)
	checkInvariants(t, r)
}

func TestRegistryPeers(t *testing.T) {
	r := NewRegistry()
	gid, alice, _ := r.CreateGroup("Standup", "alice", newConn(1))
	_, _ = r.JoinGroup(gid, "bob", newConn(2), "peer-b")

	peers := r.GroupPeers(gid)
	require.Len(t, peers, 1)
	assert.Equal(t, "peer-b", peers[0].PeerID)

	assert.True(t, r.SetMemberPeerID(alice.ID, "peer-a"))
	assert.True(t, r.SetMemberPeerID(alice.ID, "peer-a"))
	assert.False(t, r.SetMemberPeerID("user_unknown", "peer-x"))
	assert.Len(t, r.GroupPeers(gid), 2)

	found, ok := r.MemberByPeerID("peer-a")
	require.True(t, ok)
	assert.Equal(t, alice.ID, found.ID)
	_, ok = r.MemberByPeerID("peer-z")
	assert.False(t, ok)
	_, ok = r.MemberByPeerID("")
	assert.False(t, ok)
}

func TestRegistryStatsAverage(t *testing.T) {
	r := NewRegistry()
	g1, _, _ := r.CreateGroup("one", "a", newConn(1))
	_, _ = r.JoinGroup(g1, "b", newConn(2), "")
	_, _, _ = r.CreateGroup("two", "c", newConn(3))
	_, _, _ = r.CreateGroup("three", "d", newConn(4))

	s := r.Stats()
	assert.Equal(t, 3, s.TotalGroups)
	assert.Equal(t, 4, s.TotalMembers)
	assert.Equal(t, 1.33, s.AverageGroupSize)
	assert.Len(t, r.Groups(), 3)
}

func TestRegistryMaxGroupSize(t *testing.T) {
	r := NewRegistry(WithMaxGroupSize(2))
	gid, _, _ := r.CreateGroup("pair", "a", newConn(1))
	_, err := r.JoinGroup(gid, "b", newConn(2), "")
	require.NoError(t, err)
	_, err = r.JoinGroup(gid, "c", newConn(3), "")
	assert.ErrorIs(t, err, domain.ErrGroupFull)
}

func TestRegistryRandomSequencesKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	r := NewRegistry()
	var live []domain.MemberID
	var groups []domain.GroupID

	for i := 0; i < 2000; i++ {
		switch op := rng.Intn(3); {
		case op == 0 || len(groups) == 0:
			gid, m, err := r.CreateGroup(fmt.Sprintf("g%d", i), "user", newConn(i))
			require.NoError(t, err)
			groups = append(groups, gid)
			live = append(live, m.ID)
		case op == 1:
			gid := groups[rng.Intn(len(groups))]
			m, err := r.JoinGroup(gid, []string{"user", "USER", "user1", "bob"}[rng.Intn(4)], newConn(i), "")
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrGroupNotFound)
				continue
			}
			live = append(live, m.ID)
		default:
			if len(live) == 0 {
				continue
			}
			idx := rng.Intn(len(live))
			info, _, ok := r.LeaveGroup(live[idx])
			require.True(t, ok)
			live = append(live[:idx], live[idx+1:]...)
			if info.MemberCount == 0 {
				_, exists := r.Group(info.ID)
				assert.False(t, exists)
			}
		}
		if i%50 == 0 {
			checkInvariants(t, r)
		}
	}
	checkInvariants(t, r)
	assert.Equal(t, len(live), r.Stats().TotalMembers)
}

func TestRegistryConcurrentJoinsKeepNamesUnique(t *testing.T) {
	r := NewRegistry()
	gid, _, err := r.CreateGroup("busy", "bob", newConn(0))
	require.NoError(t, err)

	var eg errgroup.Group
	for i := 1; i <= 64; i++ {
		i := i
		eg.Go(func() error {
			_, err := r.JoinGroup(gid, "bob", newConn(i), "")
			return err
		})
	}
	require.NoError(t, eg.Wait())

	names := map[string]bool{}
	for _, m := range r.GroupMembers(gid) {
		lower := strings.ToLower(m.Username)
		assert.False(t, names[lower])
		names[lower] = true
	}
	assert.Len(t, names, 65)
	checkInvariants(t, r)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("kick")
	require.NoError(t, err)
	assert.Equal(t, KickMember, p.OnBackPressure("g", newConn(1)))

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, DropFrame, p.OnBackPressure("g", newConn(1)))

	_, err = ParsePolicy("explode")
	assert.Error(t, err)
}
