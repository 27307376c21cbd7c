package profile

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-advisor/internal/bucketing"
	"auth-advisor/internal/models"
)

var base = time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)

func event(user, addr string, offset time.Duration) models.AuthEvent {
	return models.NewAuthEvent(base.Add(offset), user, addr, models.EventAuthSuccess, "")
}

func TestObserveCreatesProfile(t *testing.T) {
	s := NewStore(bucketing.NewShardManager(4))

	assert.False(t, s.Known("alice"))
	assert.Empty(t, s.UsualAddresses("alice"))

	s.Observe(event("alice", "10.0.0.5", 0))
	s.Observe(event("alice", "10.0.0.5", time.Minute))

	p, ok := s.Profile("alice")
	require.True(t, ok)
	assert.Equal(t, []string{"10.0.0.5"}, p.UsualAddresses)
	assert.Equal(t, int64(2), p.EventCount)
	assert.True(t, base.Add(time.Minute).Equal(p.LastSeen))
	assert.Equal(t, 1, s.Len())
}

func TestUsualAddressesKeepsFirstFive(t *testing.T) {
	s := NewStore(nil)

	var observed []string
	for i := 0; i < 9; i++ {
		addr := fmt.Sprintf("10.0.0.%d", i+1)
		observed = append(observed, addr)
		s.Observe(event("bob", addr, time.Duration(i)*time.Minute))
		// repeat an early address to make sure it is not counted twice
		s.Observe(event("bob", "10.0.0.1", time.Duration(i)*time.Minute))

		usual := s.UsualAddresses("bob")
		assert.LessOrEqual(t, len(usual), MaxUsualAddresses)
		assert.Equal(t, observed[:len(usual)], usual, "usual set must be a prefix of observation order")
	}

	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"}, s.UsualAddresses("bob"))
	assert.True(t, s.IsUnusual("bob", "10.0.0.9"))
	assert.False(t, s.IsUnusual("bob", "10.0.0.3"))
}

func TestUnknownUserIsNeverUnusual(t *testing.T) {
	s := NewStore(nil)
	assert.False(t, s.IsUnusual("mallory", "203.0.113.5"))
}

func TestLastSeenNeverMovesBackwards(t *testing.T) {
	s := NewStore(nil)
	s.Observe(event("carol", "10.0.0.6", time.Hour))
	s.Observe(event("carol", "10.0.0.6", 0))

	p, _ := s.Profile("carol")
	assert.True(t, base.Add(time.Hour).Equal(p.LastSeen))
	assert.Equal(t, int64(2), p.EventCount)
}

func TestProfileReturnsCopy(t *testing.T) {
	s := NewStore(nil)
	s.Observe(event("dave", "10.0.0.5", 0))

	p, _ := s.Profile("dave")
	p.UsualAddresses[0] = "tampered"

	assert.Equal(t, []string{"10.0.0.5"}, s.UsualAddresses("dave"))
}

func TestSnapshotRestore(t *testing.T) {
	src := NewStore(nil)
	src.Observe(event("alice", "10.0.0.5", 0))
	src.Observe(event("alice", "10.0.0.6", time.Minute))
	src.Observe(event("admin", "192.168.1.10", 2*time.Minute))

	snap := src.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "admin", snap[0].User)
	assert.Equal(t, "alice", snap[1].User)

	dst := NewStore(nil)
	dst.Observe(event("alice", "10.0.0.7", 0))
	dst.Restore(snap)

	assert.Equal(t, []string{"10.0.0.7", "10.0.0.5", "10.0.0.6"}, dst.UsualAddresses("alice"))
	p, _ := dst.Profile("alice")
	assert.Equal(t, int64(2), p.EventCount)
	assert.True(t, dst.Known("admin"))
	assert.Equal(t, 2, dst.Len())
}

func TestConcurrentObserve(t *testing.T) {
	s := NewStore(bucketing.NewShardManager(8))

	var wg sync.WaitGroup
	for u := 0; u < 16; u++ {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", u)
			for i := 0; i < 50; i++ {
				s.Observe(event(user, fmt.Sprintf("10.1.%d.%d", u, i%7), time.Duration(i)*time.Second))
			}
		}(u)
	}
	wg.Wait()

	assert.Equal(t, 16, s.Len())
	for u := 0; u < 16; u++ {
		user := fmt.Sprintf("user-%d", u)
		p, ok := s.Profile(user)
		require.True(t, ok)
		assert.Equal(t, int64(50), p.EventCount)
		assert.Equal(t, []string{
			fmt.Sprintf("10.1.%d.0", u),
			fmt.Sprintf("10.1.%d.1", u),
			fmt.Sprintf("10.1.%d.2", u),
			fmt.Sprintf("10.1.%d.3", u),
			fmt.Sprintf("10.1.%d.4", u),
		}, p.UsualAddresses)
	}
}
