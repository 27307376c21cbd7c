package profile

import (
	"sort"
	"sync"
	"time"

	"auth-advisor/internal/bucketing"
	"auth-advisor/internal/metrics"
	"auth-advisor/internal/models"
)

// MaxUsualAddresses is how many distinct source addresses become "usual" for a user. The
// first ones observed are kept for the life of the store and never replaced.
const MaxUsualAddresses = 5

type UserProfile struct {
	User           string    `json:"user"`
	UsualAddresses []string  `json:"usual_ips"`
	EventCount     int64     `json:"event_count"`
	LastSeen       time.Time `json:"last_seen"`
}

func (p UserProfile) clone() UserProfile {
	p.UsualAddresses = append([]string(nil), p.UsualAddresses...)
	return p
}

func (p *UserProfile) addAddress(addr string) {
	if len(p.UsualAddresses) >= MaxUsualAddresses {
		return
	}
	for _, a := range p.UsualAddresses {
		if a == addr {
			return
		}
	}
	p.UsualAddresses = append(p.UsualAddresses, addr)
}

type shard struct {
	mu       sync.RWMutex
	profiles map[string]*UserProfile
}

// Store holds one profile per user. Updates for the same user are serialized on the user's
// shard lock; different users proceed independently.
type Store struct {
	shards   []*shard
	sharding *bucketing.ShardManager

	mu    sync.Mutex
	count int
}

func NewStore(sharding *bucketing.ShardManager) *Store {
	if sharding == nil {
		sharding = bucketing.NewShardManager(64)
	}
	s := &Store{
		shards:   make([]*shard, sharding.Shards()),
		sharding: sharding,
	}
	for i := range s.shards {
		s.shards[i] = &shard{profiles: make(map[string]*UserProfile)}
	}
	return s
}

func (s *Store) shardFor(user string) *shard {
	return s.shards[s.sharding.ShardFor(user)]
}

// Observe records ev against its user's profile, creating the profile on first sight.
func (s *Store) Observe(ev models.AuthEvent) {
	sh := s.shardFor(ev.User)
	sh.mu.Lock()
	p, ok := sh.profiles[ev.User]
	if !ok {
		p = &UserProfile{User: ev.User}
		sh.profiles[ev.User] = p
	}
	p.addAddress(ev.Address)
	p.EventCount++
	if ev.Timestamp.After(p.LastSeen) {
		p.LastSeen = ev.Timestamp
	}
	sh.mu.Unlock()

	if !ok {
		s.trackNewProfile()
	}
}

// UsualAddresses returns the user's usual addresses in first-seen order, or an empty slice
// for a user the store has never observed.
func (s *Store) UsualAddresses(user string) []string {
	sh := s.shardFor(user)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	p, ok := sh.profiles[user]
	if !ok {
		return []string{}
	}
	return append([]string(nil), p.UsualAddresses...)
}

// IsUnusual reports whether addr falls outside the user's usual set. Users without a
// profile are never unusual.
func (s *Store) IsUnusual(user, addr string) bool {
	sh := s.shardFor(user)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	p, ok := sh.profiles[user]
	if !ok {
		return false
	}
	for _, a := range p.UsualAddresses {
		if a == addr {
			return false
		}
	}
	return true
}

func (s *Store) Known(user string) bool {
	sh := s.shardFor(user)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.profiles[user]
	return ok
}

func (s *Store) Profile(user string) (UserProfile, bool) {
	sh := s.shardFor(user)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	p, ok := sh.profiles[user]
	if !ok {
		return UserProfile{}, false
	}
	return p.clone(), true
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Snapshot copies every profile, sorted by user.
func (s *Store) Snapshot() []UserProfile {
	var out []UserProfile
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, p := range sh.profiles {
			out = append(out, p.clone())
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out
}

// Restore merges persisted profiles into the store. Addresses are appended in their saved
// order under the usual cap, counts and last-seen times only move forward.
func (s *Store) Restore(profiles []UserProfile) {
	for _, in := range profiles {
		if in.User == "" {
			continue
		}
		sh := s.shardFor(in.User)
		sh.mu.Lock()
		p, ok := sh.profiles[in.User]
		if !ok {
			p = &UserProfile{User: in.User}
			sh.profiles[in.User] = p
		}
		for _, addr := range in.UsualAddresses {
			p.addAddress(addr)
		}
		if in.EventCount > p.EventCount {
			p.EventCount = in.EventCount
		}
		if in.LastSeen.After(p.LastSeen) {
			p.LastSeen = in.LastSeen
		}
		sh.mu.Unlock()

		if !ok {
			s.trackNewProfile()
		}
	}
}

func (s *Store) trackNewProfile() {
	s.mu.Lock()
	s.count++
	n := s.count
	s.mu.Unlock()
	metrics.ProfilesTracked.Set(float64(n))
}
