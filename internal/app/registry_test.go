package app_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dkeye/meshroom/internal/app"
	"github.com/dkeye/meshroom/internal/core/mocks"
	"github.com/dkeye/meshroom/internal/domain"
)

func TestRegistryJoinSnapshotsPreJoinRoster(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := app.NewRegistry()

	_, err := reg.Join("r1", "a1", "Alice", mocks.NewMockSignalConnection(ctrl), func(self *app.Member, peers []domain.Peer, others []*app.Member) {
		require.Equal(t, domain.ClientID("a1"), self.ID)
		require.Empty(t, peers)
		require.Empty(t, others)
	})
	require.NoError(t, err)

	called := false
	m, err := reg.Join("r1", "b1", "Bob", mocks.NewMockSignalConnection(ctrl), func(self *app.Member, peers []domain.Peer, others []*app.Member) {
		called = true
		require.Equal(t, []domain.Peer{{ID: "a1", Name: "Alice"}}, peers)
		require.Len(t, others, 1)
		require.Equal(t, domain.ClientID("a1"), others[0].ID)
	})
	require.NoError(t, err)
	require.True(t, called)
	require.Equal(t, domain.Peer{ID: "b1", Name: "Bob"}, m.Peer())

	require.ElementsMatch(t, []domain.Peer{{ID: "a1", Name: "Alice"}}, reg.ListPeers("r1", "b1"))
	require.ElementsMatch(t, []domain.Peer{{ID: "a1", Name: "Alice"}, {ID: "b1", Name: "Bob"}}, reg.ListPeers("r1", ""))
}

func TestRegistryJoinValidation(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := app.NewRegistry()
	conn := mocks.NewMockSignalConnection(ctrl)

	_, err := reg.Join("", "a1", "Alice", conn, nil)
	require.ErrorIs(t, err, domain.ErrInvalidRoom)
	_, err = reg.Join("  ", "a1", "Alice", conn, nil)
	require.ErrorIs(t, err, domain.ErrInvalidRoom)
	_, err = reg.Join("r1", "a1", "", conn, nil)
	require.ErrorIs(t, err, domain.ErrInvalidName)
	require.False(t, reg.HasRoom("r1"))

	_, err = reg.Join("r1", "a1", "Alice", conn, nil)
	require.NoError(t, err)
	_, err = reg.Join("r1", "a1", "Mallory", conn, nil)
	require.ErrorIs(t, err, app.ErrDuplicateClient)

	m, ok := reg.Find("r1", "a1")
	require.True(t, ok)
	require.Equal(t, "Alice", m.Name)
}

func TestRegistryJoinStoresTrimmedKeys(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := app.NewRegistry()

	m, err := reg.Join(" r1 ", "a1", " Alice ", mocks.NewMockSignalConnection(ctrl), nil)
	require.NoError(t, err)
	require.Equal(t, "Alice", m.Name)
	require.True(t, reg.HasRoom("r1"))
	require.False(t, reg.HasRoom(" r1 "))

	_, err = reg.Join("r1", "b1", "Bob", mocks.NewMockSignalConnection(ctrl), nil)
	require.NoError(t, err)
	require.Equal(t, []domain.Peer{{ID: "a1", Name: "Alice"}}, reg.ListPeers("r1", "b1"))
	require.Equal(t, 1, reg.RoomCount())
}

func TestRegistryRoomRemovedWhenLastMemberLeaves(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := app.NewRegistry()

	ids := []domain.ClientID{"a", "b", "c", "d"}
	for _, id := range ids {
		_, err := reg.Join("r1", id, string(id), mocks.NewMockSignalConnection(ctrl), nil)
		require.NoError(t, err)
	}
	require.Equal(t, []app.RoomInfo{{ID: "r1", MemberCount: 4}}, reg.Rooms())

	for i, id := range ids {
		var remaining []*app.Member
		reg.Leave("r1", id, func(left *app.Member, rest []*app.Member) {
			require.Equal(t, id, left.ID)
			remaining = rest
		})
		require.Len(t, remaining, len(ids)-i-1)
	}

	require.False(t, reg.HasRoom("r1"))
	require.Empty(t, reg.Rooms())
	require.Empty(t, reg.ListPeers("r1", ""))
	_, ok := reg.Find("r1", "a")
	require.False(t, ok)
}

func TestRegistryLeaveAbsentIsNoop(t *testing.T) {
	reg := app.NewRegistry()
	reg.Leave("nope", "x", func(*app.Member, []*app.Member) {
		t.Fatal("callback must not run for absent room")
	})

	ctrl := gomock.NewController(t)
	_, err := reg.Join("r1", "a1", "Alice", mocks.NewMockSignalConnection(ctrl), nil)
	require.NoError(t, err)
	reg.Leave("r1", "ghost", func(*app.Member, []*app.Member) {
		t.Fatal("callback must not run for absent member")
	})
	reg.Leave("r1", "a1", nil)
	reg.Leave("r1", "a1", nil)
	require.False(t, reg.HasRoom("r1"))
}

func TestRegistryRoomsAreIsolated(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := app.NewRegistry()
	_, err := reg.Join("r1", "a1", "Alice", mocks.NewMockSignalConnection(ctrl), nil)
	require.NoError(t, err)
	_, err = reg.Join("r2", "b1", "Bob", mocks.NewMockSignalConnection(ctrl), nil)
	require.NoError(t, err)

	require.Empty(t, reg.ListPeers("r1", "a1"))
	require.Empty(t, reg.ListPeers("r2", "b1"))
	require.Equal(t, []app.RoomInfo{{ID: "r1", MemberCount: 1}, {ID: "r2", MemberCount: 1}}, reg.Rooms())

	other := app.NewRegistry()
	require.False(t, other.HasRoom("r1"))
}

// Every joiner's roster plus the announcements it receives afterwards must
// cover each other member exactly once.
func TestRegistryConcurrentJoinsSeeEachOtherExactlyOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	reg := app.NewRegistry()

	const n = 32
	var mu sync.Mutex
	seen := make(map[domain.ClientID]map[domain.ClientID]int, n)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := domain.ClientID(fmt.Sprintf("c%02d", i))
			_, err := reg.Join("r1", id, string(id), mocks.NewMockSignalConnection(ctrl), func(self *app.Member, peers []domain.Peer, others []*app.Member) {
				mu.Lock()
				defer mu.Unlock()
				if seen[self.ID] == nil {
					seen[self.ID] = make(map[domain.ClientID]int)
				}
				for _, p := range peers {
					seen[self.ID][p.ID]++
				}
				for _, o := range others {
					if seen[o.ID] == nil {
						seen[o.ID] = make(map[domain.ClientID]int)
					}
					seen[o.ID][self.ID]++
				}
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)
	for self, peers := range seen {
		require.Len(t, peers, n-1, "client %s", self)
		for peer, count := range peers {
			require.Equal(t, 1, count, "client %s saw %s %d times", self, peer, count)
		}
	}
}

func TestPolicyFromString(t *testing.T) {
	p, err := app.PolicyFromString("")
	require.NoError(t, err)
	require.Equal(t, app.DropFrame, p.OnBackPressure(nil))

	p, err = app.PolicyFromString("kick")
	require.NoError(t, err)
	require.Equal(t, app.KickMember, p.OnBackPressure(nil))

	_, err = app.PolicyFromString("mark")
	require.Error(t, err)
}
