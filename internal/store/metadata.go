package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/semindex/semindex/internal/block"
	semerr "github.com/semindex/semindex/internal/errors"
)

// SearchHistoryLimit is the ring buffer size for recorded queries.
const SearchHistoryLimit = 1000

// backupKeep is how many timestamped backups are retained per file.
const backupKeep = 5

// MetadataStore keeps repository manifests, the search query log, and
// free-form key-values as JSON files under metadata/. Every write goes
// through a temp file and rename.
type MetadataStore struct {
	dir        string
	autoBackup bool

	repoMu    sync.Mutex
	historyMu sync.Mutex
	generalMu sync.Mutex
}

// NewMetadataStore opens or creates the metadata directory under
// baseDir.
func NewMetadataStore(baseDir string, autoBackup bool) (*MetadataStore, error) {
	dir := filepath.Join(baseDir, "metadata")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, semerr.NewStorageError(semerr.StorageConnection, "open metadata store", err)
	}
	return &MetadataStore{dir: dir, autoBackup: autoBackup}, nil
}

// SaveRepository upserts a repository manifest keyed by repository id.
func (s *MetadataStore) SaveRepository(manifest *block.RepositoryIndex) error {
	s.repoMu.Lock()
	defer s.repoMu.Unlock()

	repos, err := s.readRepositories()
	if err != nil {
		return err
	}
	repos[manifest.RepositoryID] = manifest
	return s.writeJSON("repositories.json", repos)
}

// GetRepository returns one manifest. Missing repositories return a
// not-found storage error.
func (s *MetadataStore) GetRepository(repositoryID string) (*block.RepositoryIndex, error) {
	s.repoMu.Lock()
	defer s.repoMu.Unlock()

	repos, err := s.readRepositories()
	if err != nil {
		return nil, err
	}
	manifest, ok := repos[repositoryID]
	if !ok {
		return nil, semerr.NewStorageError(semerr.StorageNotFound, "get repository",
			fmt.Errorf("repository %s", repositoryID))
	}
	return manifest, nil
}

// ListRepositories returns every manifest sorted by repository id.
func (s *MetadataStore) ListRepositories() ([]*block.RepositoryIndex, error) {
	s.repoMu.Lock()
	defer s.repoMu.Unlock()

	repos, err := s.readRepositories()
	if err != nil {
		return nil, err
	}

	list := make([]*block.RepositoryIndex, 0, len(repos))
	for _, manifest := range repos {
		list = append(list, manifest)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].RepositoryID < list[j].RepositoryID
	})
	return list, nil
}

// DeleteRepository removes a manifest. Reports whether it existed.
func (s *MetadataStore) DeleteRepository(repositoryID string) (bool, error) {
	s.repoMu.Lock()
	defer s.repoMu.Unlock()

	repos, err := s.readRepositories()
	if err != nil {
		return false, err
	}
	if _, ok := repos[repositoryID]; !ok {
		return false, nil
	}
	delete(repos, repositoryID)
	if err := s.writeJSON("repositories.json", repos); err != nil {
		return false, err
	}
	return true, nil
}

func (s *MetadataStore) readRepositories() (map[string]*block.RepositoryIndex, error) {
	repos := make(map[string]*block.RepositoryIndex)
	if err := s.readJSON("repositories.json", &repos); err != nil {
		return nil, err
	}
	return repos, nil
}

// RecordSearch appends a query to the history ring buffer, evicting the
// oldest entries past SearchHistoryLimit.
func (s *MetadataStore) RecordSearch(query block.SearchQuery) error {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	var history []block.SearchQuery
	if err := s.readJSON("search_history.json", &history); err != nil {
		return err
	}

	history = append(history, query)
	if len(history) > SearchHistoryLimit {
		history = history[len(history)-SearchHistoryLimit:]
	}
	return s.writeJSON("search_history.json", history)
}

// SearchHistory returns the most recent queries, newest first, capped
// at limit. Zero means all retained entries.
func (s *MetadataStore) SearchHistory(limit int) ([]block.SearchQuery, error) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	var history []block.SearchQuery
	if err := s.readJSON("search_history.json", &history); err != nil {
		return nil, err
	}

	// Stored oldest first; reverse for the caller.
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	return history, nil
}

// SetGeneral stores one key-value in the general metadata file.
func (s *MetadataStore) SetGeneral(key, value string) error {
	s.generalMu.Lock()
	defer s.generalMu.Unlock()

	general := make(map[string]string)
	if err := s.readJSON("general.json", &general); err != nil {
		return err
	}
	general[key] = value
	return s.writeJSON("general.json", general)
}

// GetGeneral reads one key from the general metadata file.
func (s *MetadataStore) GetGeneral(key string) (string, bool, error) {
	s.generalMu.Lock()
	defer s.generalMu.Unlock()

	general := make(map[string]string)
	if err := s.readJSON("general.json", &general); err != nil {
		return "", false, err
	}
	value, ok := general[key]
	return value, ok, nil
}

// readJSON loads name into out. A missing file leaves out untouched.
func (s *MetadataStore) readJSON(name string, out any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "read "+name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return semerr.NewStorageError(semerr.StorageIntegrity, "read "+name, err)
	}
	return nil
}

// writeJSON writes name atomically and rotates a backup of the previous
// version when auto-backup is on.
func (s *MetadataStore) writeJSON(name string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return semerr.NewStorageError(semerr.StorageIntegrity, "write "+name, err)
	}

	path := filepath.Join(s.dir, name)
	if s.autoBackup {
		s.rotateBackup(path, name)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return semerr.NewStorageError(diskKind(err), "write "+name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "write "+name, err)
	}
	return nil
}

// rotateBackup copies the current file into backups/ with a timestamp
// suffix and prunes old copies. Best effort; a failed backup never
// blocks the write.
func (s *MetadataStore) rotateBackup(path, name string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	backupDir := filepath.Join(s.dir, "backups")
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return
	}

	stamp := time.Now().UTC().Format("20060102T150405.000000000")
	backupPath := filepath.Join(backupDir, name+"."+stamp)
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		return
	}

	matches, err := filepath.Glob(filepath.Join(backupDir, name+".*"))
	if err != nil || len(matches) <= backupKeep {
		return
	}
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-backupKeep] {
		_ = os.Remove(old)
	}
}

// diskKind maps write failures to disk-full when the filesystem says so.
func diskKind(err error) semerr.StorageKind {
	if errors.Is(err, syscall.ENOSPC) {
		return semerr.StorageDiskFull
	}
	return semerr.StorageConnection
}
