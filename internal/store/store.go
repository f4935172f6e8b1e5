package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when no host matches a hash or prefix
	ErrNotFound = errors.New("host not found")
	// ErrAmbiguous is returned when a prefix matches several hosts
	ErrAmbiguous = errors.New("hash prefix is ambiguous")
)

// Store manages the hosts a guest has joined before.
type Store struct {
	baseDir   string
	hostsDir  string
	indexPath string
	now       func() time.Time

	mu sync.Mutex
}

// Index contains quick lookup information for all hosts.
type Index struct {
	Hosts     map[string]IndexEntry `json:"hosts"` // hash -> entry
	UpdatedAt time.Time             `json:"updated_at"`
}

// IndexEntry contains summary info for quick listing.
type IndexEntry struct {
	Hash     string    `json:"-"`
	Protocol string    `json:"protocol"`
	Name     string    `json:"name"`
	Address  string    `json:"address"`
	Visits   int       `json:"visits"`
	LastSeen time.Time `json:"last_seen"`
}

// DefaultPath returns the default store path (~/.blesock/store).
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".blesock", "store"), nil
}

// Open opens or creates a store at the given path.
func Open(path string) (*Store, error) {
	s := &Store{
		baseDir:   path,
		hostsDir:  filepath.Join(path, "hosts"),
		indexPath: filepath.Join(path, "index.json"),
		now:       time.Now,
	}

	if err := os.MkdirAll(s.hostsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create hosts dir: %w", err)
	}

	return s, nil
}

// OpenDefault opens the store at the default path.
func OpenDefault() (*Store, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return Open(path)
}

// Remember records a visit to the host at address. The advertised name
// is refreshed on every visit. Returns the hash and whether the host was
// new.
func (s *Store) Remember(protocol, name, address string, visit Visit) (string, bool, error) {
	hash, err := ContentHash(protocol, address)
	if err != nil {
		return "", false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if visit.Timestamp.IsZero() {
		visit.Timestamp = now
	}

	host, err := s.readHost(hash)
	isNew := errors.Is(err, ErrNotFound)
	switch {
	case isNew:
		host = &Host{
			ContentHash: hash,
			Protocol:    protocol,
			Address:     address,
			CreatedAt:   now,
		}
	case err != nil:
		return "", false, err
	}
	host.Name = name
	host.UpdatedAt = now
	host.addVisit(visit)

	data, err := json.MarshalIndent(host, "", "  ")
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal host: %w", err)
	}
	if err := os.WriteFile(s.hostPath(hash), data, 0644); err != nil {
		return "", false, fmt.Errorf("failed to write host: %w", err)
	}

	if err := s.updateIndex(func(idx *Index) {
		idx.Hosts[hash] = IndexEntry{
			Protocol: host.Protocol,
			Name:     host.Name,
			Address:  host.Address,
			Visits:   len(host.Visits),
			LastSeen: visit.Timestamp,
		}
	}); err != nil {
		return "", false, fmt.Errorf("failed to update index: %w", err)
	}

	return hash, isNew, nil
}

// Get retrieves a host by full hash or unique prefix.
func (s *Store) Get(hash string) (*Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	full, err := s.resolve(hash)
	if err != nil {
		return nil, err
	}
	return s.readHost(full)
}

// List returns every remembered host, most recently seen first. With a
// non-empty protocol only hosts of that protocol are listed.
func (s *Store) List(protocol string) ([]IndexEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	entries := make([]IndexEntry, 0, len(index.Hosts))
	for hash, entry := range index.Hosts {
		if protocol != "" && entry.Protocol != protocol {
			continue
		}
		entry.Hash = hash
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].LastSeen.Equal(entries[j].LastSeen) {
			return entries[i].LastSeen.After(entries[j].LastSeen)
		}
		return entries[i].Hash < entries[j].Hash
	})

	return entries, nil
}

// Forget removes a host by full hash or unique prefix and returns the
// full hash removed.
func (s *Store) Forget(hash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	full, err := s.resolve(hash)
	if err != nil {
		return "", err
	}
	if err := os.Remove(s.hostPath(full)); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to remove host: %w", err)
	}
	if err := s.updateIndex(func(idx *Index) { delete(idx.Hosts, full) }); err != nil {
		return "", fmt.Errorf("failed to update index: %w", err)
	}
	return full, nil
}

// Count returns the number of hosts in the store.
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return 0, err
	}
	return len(index.Hosts), nil
}

// resolve expands a hash prefix, with or without "sha256:", to a full hash
func (s *Store) resolve(prefix string) (string, error) {
	index, err := s.loadIndex()
	if err != nil {
		return "", err
	}
	if _, ok := index.Hosts[prefix]; ok {
		return prefix, nil
	}
	want := hashToFilename(prefix)
	if want == "" {
		return "", ErrNotFound
	}
	var match string
	for hash := range index.Hosts {
		if strings.HasPrefix(hashToFilename(hash), want) {
			if match != "" {
				return "", fmt.Errorf("%w: %s", ErrAmbiguous, prefix)
			}
			match = hash
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, prefix)
	}
	return match, nil
}

func (s *Store) readHost(hash string) (*Host, error) {
	data, err := os.ReadFile(s.hostPath(hash))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read host: %w", err)
	}
	var host Host
	if err := json.Unmarshal(data, &host); err != nil {
		return nil, fmt.Errorf("failed to parse host: %w", err)
	}
	return &host, nil
}

func (s *Store) hostPath(hash string) string {
	return filepath.Join(s.hostsDir, hashToFilename(hash)+".json")
}

func (s *Store) loadIndex() (*Index, error) {
	data, err := os.ReadFile(s.indexPath)
	if os.IsNotExist(err) {
		return &Index{Hosts: make(map[string]IndexEntry)}, nil
	}
	if err != nil {
		return nil, err
	}

	var index Index
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, err
	}
	if index.Hosts == nil {
		index.Hosts = make(map[string]IndexEntry)
	}
	return &index, nil
}

func (s *Store) updateIndex(update func(*Index)) error {
	index, err := s.loadIndex()
	if err != nil {
		return err
	}

	update(index)
	index.UpdatedAt = s.now()

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.indexPath, data, 0644)
}

// hashToFilename converts a full hash to a safe filename.
func hashToFilename(hash string) string {
	return strings.TrimPrefix(hash, "sha256:")
}
