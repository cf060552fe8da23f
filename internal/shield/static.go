package shield

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/hearthmail/gateway/internal/email"
)

// StaticResolver serves lookups from an in-memory table. Used in tests
// and in dev deployments that run without Postgres.
type StaticResolver struct {
	mu      sync.RWMutex
	entries map[string]Record // key: prefix@domain, normalized
}

// NewStaticResolver creates an empty static resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{entries: make(map[string]Record)}
}

// Add registers a shield address.
func (s *StaticResolver) Add(prefix, domain string, rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[email.NormalizeAddress(prefix+"@"+domain)] = rec
}

// Lookup implements Resolver.
func (s *StaticResolver) Lookup(_ context.Context, prefix, domain string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.entries[email.NormalizeAddress(prefix+"@"+domain)]
	if !ok {
		return nil, ErrUnknownShield
	}
	return &rec, nil
}

// staticTableFile is the YAML shape for a file-backed shield table.
type staticTableFile struct {
	Shields []struct {
		Address         string `yaml:"address"`
		UserID          string `yaml:"user_id"`
		DeliveryAddress string `yaml:"delivery_address"`
		Active          *bool  `yaml:"active"`
	} `yaml:"shields"`
}

// LoadStaticResolver reads a YAML shield table from disk.
func LoadStaticResolver(path string) (*StaticResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading shield table: %w", err)
	}
	var file staticTableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing shield table: %w", err)
	}

	r := NewStaticResolver()
	for _, s := range file.Shields {
		prefix, domain, ok := email.SplitAddress(email.NormalizeAddress(s.Address))
		if !ok {
			return nil, fmt.Errorf("invalid shield address %q in table", s.Address)
		}
		active := s.Active == nil || *s.Active
		r.Add(prefix, domain, Record{
			UserID:          s.UserID,
			DeliveryAddress: s.DeliveryAddress,
			ShieldActive:    active,
			UserActive:      active,
		})
	}
	return r, nil
}
