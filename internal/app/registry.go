package app

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dkeye/peershare/internal/core"
	"github.com/dkeye/peershare/internal/domain"
	"github.com/rs/zerolog/log"
)

// Member is a registry snapshot: the domain identity plus the connection
// handle it was created with.
type Member struct {
	domain.Member
	Conn core.SignalConnection
}

// Stats is an observability snapshot of the registry.
type Stats struct {
	TotalGroups      int     `json:"totalGroups"`
	TotalMembers     int     `json:"totalMembers"`
	AverageGroupSize float64 `json:"averageGroupSize"`
}

type groupEntry struct {
	group   domain.Group
	members map[domain.MemberID]struct{}
}

type memberEntry struct {
	member domain.Member
	conn   core.SignalConnection
	seq    uint64
}

// Registry owns every group and member of the process. All mutations run
// under one lock, so joins and leaves on a group never interleave.
type Registry struct {
	mu      sync.RWMutex
	groups  map[domain.GroupID]*groupEntry
	members map[domain.MemberID]*memberEntry

	seq          uint64
	maxGroupSize int
	now          func() time.Time
}

type RegistryOption func(*Registry)

// WithMaxGroupSize caps membership per group. Zero means unlimited.
func WithMaxGroupSize(n int) RegistryOption {
	return func(r *Registry) { r.maxGroupSize = n }
}

func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		groups:  make(map[domain.GroupID]*groupEntry),
		members: make(map[domain.MemberID]*memberEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateGroup creates a group with the creator as its only member.
func (r *Registry) CreateGroup(name, creator string, conn core.SignalConnection) (domain.GroupID, Member, error) {
	name, err := domain.NormalizeGroupName(name)
	if err != nil {
		return "", Member{}, err
	}
	if err := domain.ValidateUsername(creator); err != nil {
		return "", Member{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	g := &groupEntry{
		group:   domain.Group{ID: domain.NewGroupID(), Name: name, CreatedAt: now},
		members: make(map[domain.MemberID]struct{}),
	}
	r.groups[g.group.ID] = g
	m := r.addMemberLocked(g, creator, conn, "", now)

	log.Info().Str("module", "app.registry").Str("group_id", string(g.group.ID)).Str("name", name).
		Str("member_id", string(m.member.ID)).Msg("group created")
	return g.group.ID, m.snapshot(), nil
}

// JoinGroup adds a member to an existing group. A display name already used
// in the group (case-insensitively) gets a numeric suffix instead of failing.
func (r *Registry) JoinGroup(groupID domain.GroupID, username string, conn core.SignalConnection, peerID string) (Member, error) {
	if err := domain.ValidateUsername(username); err != nil {
		return Member{}, err
	}
	if peerID != "" {
		if err := domain.ValidatePeerID(peerID); err != nil {
			return Member{}, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupID]
	if !ok {
		return Member{}, fmt.Errorf("join %s: %w", groupID, domain.ErrGroupNotFound)
	}
	if r.maxGroupSize > 0 && len(g.members) >= r.maxGroupSize {
		return Member{}, fmt.Errorf("join %s: %w", groupID, domain.ErrGroupFull)
	}

	unique := r.uniqueNameLocked(g, username)
	m := r.addMemberLocked(g, unique, conn, peerID, r.now())

	log.Info().Str("module", "app.registry").Str("group_id", string(groupID)).
		Str("member_id", string(m.member.ID)).Str("username", unique).Msg("member joined")
	return m.snapshot(), nil
}

// CheckJoin reports whether a join into groupID would currently succeed.
func (r *Registry) CheckJoin(groupID domain.GroupID) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[groupID]
	if !ok {
		return fmt.Errorf("join %s: %w", groupID, domain.ErrGroupNotFound)
	}
	if r.maxGroupSize > 0 && len(g.members) >= r.maxGroupSize {
		return fmt.Errorf("join %s: %w", groupID, domain.ErrGroupFull)
	}
	return nil
}

// LeaveGroup removes a member and deletes its group once empty.
// ok is false when the member is unknown or not in a group.
func (r *Registry) LeaveGroup(memberID domain.MemberID) (domain.GroupInfo, Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(memberID)
}

// CleanupByConnection performs LeaveGroup for whichever member owns conn.
func (r *Registry) CleanupByConnection(conn core.SignalConnection) (domain.GroupInfo, Member, bool) {
	if conn == nil {
		return domain.GroupInfo{}, Member{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, m := range r.members {
		if m.conn == conn {
			return r.removeLocked(id)
		}
	}
	return domain.GroupInfo{}, Member{}, false
}

func (r *Registry) GroupMembers(groupID domain.GroupID) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[groupID]
	if !ok {
		return []Member{}
	}
	entries := make([]*memberEntry, 0, len(g.members))
	for id := range g.members {
		entries = append(entries, r.members[id])
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]Member, 0, len(entries))
	for _, m := range entries {
		out = append(out, m.snapshot())
	}
	return out
}

func (r *Registry) Group(groupID domain.GroupID) (domain.GroupInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[groupID]
	if !ok {
		return domain.GroupInfo{}, false
	}
	return g.info(), true
}

// Groups lists the metadata of every live group, oldest first.
func (r *Registry) Groups() []domain.GroupInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.GroupInfo, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *Registry) Member(memberID domain.MemberID) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[memberID]
	if !ok {
		return Member{}, false
	}
	return m.snapshot(), true
}

// SetMemberPeerID is idempotent and returns false for unknown members.
func (r *Registry) SetMemberPeerID(memberID domain.MemberID, peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[memberID]
	if !ok {
		return false
	}
	m.member.PeerID = peerID
	log.Info().Str("module", "app.registry").Str("member_id", string(memberID)).Str("peer_id", peerID).Msg("peer id set")
	return true
}

func (r *Registry) MemberByPeerID(peerID string) (Member, bool) {
	if peerID == "" {
		return Member{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.members {
		if m.member.PeerID == peerID {
			return m.snapshot(), true
		}
	}
	return Member{}, false
}

// GroupPeers returns the members of a group that have a peer id assigned.
func (r *Registry) GroupPeers(groupID domain.GroupID) []Member {
	members := r.GroupMembers(groupID)
	out := members[:0]
	for _, m := range members {
		if m.HasPeer() {
			out = append(out, m)
		}
	}
	return out
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{TotalGroups: len(r.groups), TotalMembers: len(r.members)}
	if s.TotalGroups > 0 {
		avg := float64(s.TotalMembers) / float64(s.TotalGroups)
		s.AverageGroupSize = math.Round(avg*100) / 100
	}
	return s
}

func (r *Registry) addMemberLocked(g *groupEntry, username string, conn core.SignalConnection, peerID string, now time.Time) *memberEntry {
	m := &memberEntry{
		member: domain.Member{
			ID:       domain.NewMemberID(),
			Username: username,
			PeerID:   peerID,
			GroupID:  g.group.ID,
			JoinedAt: now,
		},
		conn: conn,
	}
	r.seq++
	m.seq = r.seq
	r.members[m.member.ID] = m
	g.members[m.member.ID] = struct{}{}
	return m
}

func (r *Registry) removeLocked(memberID domain.MemberID) (domain.GroupInfo, Member, bool) {
	m, ok := r.members[memberID]
	if !ok || m.member.GroupID == "" {
		return domain.GroupInfo{}, Member{}, false
	}
	g, ok := r.groups[m.member.GroupID]
	if !ok {
		// member pointing at a deleted group would be a registry bug
		panic(fmt.Sprintf("registry: member %s references missing group %s", memberID, m.member.GroupID))
	}

	delete(g.members, memberID)
	delete(r.members, memberID)
	info := g.info()
	if len(g.members) == 0 {
		delete(r.groups, g.group.ID)
		log.Info().Str("module", "app.registry").Str("group_id", string(g.group.ID)).Msg("group deleted")
	}

	log.Info().Str("module", "app.registry").Str("group_id", string(g.group.ID)).
		Str("member_id", string(memberID)).Int("remaining", info.MemberCount).Msg("member left")
	return info, m.snapshot(), true
}

func (r *Registry) uniqueNameLocked(g *groupEntry, username string) string {
	taken := func(name string) bool {
		for id := range g.members {
			if domain.SameUsername(r.members[id].member.Username, name) {
				return true
			}
		}
		return false
	}
	name := username
	for counter := 1; taken(name); counter++ {
		suffix := strconv.Itoa(counter)
		base := username
		// usernames are ASCII, so byte truncation is safe
		if len(base)+len(suffix) > domain.MaxUsernameLen {
			base = base[:domain.MaxUsernameLen-len(suffix)]
		}
		name = base + suffix
	}
	return name
}

func (g *groupEntry) info() domain.GroupInfo {
	return domain.GroupInfo{Group: g.group, MemberCount: len(g.members)}
}

func (m *memberEntry) snapshot() Member {
	return Member{Member: m.member, Conn: m.conn}
}
