package nixfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store caches parsed files by cleaned path. It is safe for concurrent use;
// each file is read and parsed at most once.
type Store struct {
	parser *Parser

	mu      sync.Mutex
	entries map[string]*storeEntry
}

type storeEntry struct {
	once sync.Once
	file *File
	err  error
	// cancelled marks a failure caused by the caller's context, not the file.
	cancelled bool
}

// NewStore creates an empty Store. A nil parser gets a fresh one.
func NewStore(parser *Parser) *Store {
	if parser == nil {
		parser = NewParser()
	}

	return &Store{
		parser:  parser,
		entries: make(map[string]*storeEntry),
	}
}

// Get returns the parsed file at path, reading it from disk on first use.
// A failure caused by a cancelled context is not cached; the next call retries.
func (s *Store) Get(ctx context.Context, path string) (*File, error) {
	key := filepath.Clean(path)

	for {
		entry := s.entry(key)

		entry.once.Do(func() {
			if err := ctx.Err(); err != nil {
				entry.err, entry.cancelled = fmt.Errorf("read nix file: %w", err), true

				return
			}

			content, err := os.ReadFile(key)
			if err != nil {
				entry.err = fmt.Errorf("read nix file: %w", err)

				return
			}

			entry.file, entry.err = s.parser.Parse(ctx, key, content)
			if entry.err != nil && ctx.Err() != nil {
				entry.err, entry.cancelled = errors.Join(entry.err, ctx.Err()), true
			}
		})

		if !entry.cancelled {
			return entry.file, entry.err
		}

		s.forget(key, entry)

		// Another caller's context may have failed the entry; retry with ours.
		if ctx.Err() != nil {
			return nil, entry.err
		}
	}
}

func (s *Store) entry(key string) *storeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		entry = &storeEntry{}
		s.entries[key] = entry
	}

	return entry
}

func (s *Store) forget(key string, entry *storeEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries[key] == entry {
		delete(s.entries, key)
	}
}

// Len returns the number of cached paths.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}
