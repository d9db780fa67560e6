// Package storage persists the device directory with atomic
// write-then-rename semantics, as a small JSON document: the persisted
// shape here is a plain key/value map, not a tabular EDS-style format.
package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Serial identifies a device uniquely; formatted as 4 colon-separated
// hex words, e.g. "00000005:32315110:34303539:34303539".
type Serial string

// DeviceRecord is the persisted shape of one known device.
type DeviceRecord struct {
	NodeId     uint8  `json:"nodeId"`
	Name       string `json:"name"`
	LastSeenMs int64  `json:"lastSeen"`
}

type document struct {
	Devices map[Serial]DeviceRecord `json:"devices"`
}

// Store is the lock-guarded cache in front of the on-disk document.
// Reads are served from the in-memory cache; writes update the cache
// first and then persist a copy of it by atomic rename.
type Store struct {
	mu   sync.RWMutex
	path string
	doc  document
}

func Open(path string) (*Store, error) {
	s := &Store{path: path, doc: document{Devices: map[Serial]DeviceRecord{}}}
	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if doc.Devices == nil {
		doc.Devices = map[Serial]DeviceRecord{}
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

// writeAtomic writes doc to a temp file in the same directory then
// renames over the target, so a crash mid-write never corrupts the
// previous contents.
func (s *Store) writeAtomic(doc document) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".devices-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.path)
}

// AddOrUpdate is idempotent under identical inputs.
func (s *Store) AddOrUpdate(serial Serial, nodeId uint8, lastSeenMs int64) error {
	s.mu.Lock()
	rec := s.doc.Devices[serial]
	rec.NodeId = nodeId
	rec.LastSeenMs = lastSeenMs
	if rec.Name == "" {
		rec.Name = string(serial)
	}
	s.doc.Devices[serial] = rec
	doc := s.cloneLocked()
	s.mu.Unlock()

	if err := s.writeAtomic(doc); err != nil {
		log.WithError(err).Error("storage: failed to persist devices")
		return err
	}
	return nil
}

func (s *Store) Rename(serial Serial, name string) error {
	s.mu.Lock()
	rec, ok := s.doc.Devices[serial]
	if !ok {
		s.mu.Unlock()
		return os.ErrNotExist
	}
	rec.Name = name
	s.doc.Devices[serial] = rec
	doc := s.cloneLocked()
	s.mu.Unlock()
	return s.writeAtomic(doc)
}

func (s *Store) Delete(serial Serial) error {
	s.mu.Lock()
	delete(s.doc.Devices, serial)
	doc := s.cloneLocked()
	s.mu.Unlock()
	return s.writeAtomic(doc)
}

func (s *Store) Get(serial Serial) (DeviceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.doc.Devices[serial]
	return rec, ok
}

func (s *Store) All() map[Serial]DeviceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Serial]DeviceRecord, len(s.doc.Devices))
	for k, v := range s.doc.Devices {
		out[k] = v
	}
	return out
}

func (s *Store) cloneLocked() document {
	out := document{Devices: make(map[Serial]DeviceRecord, len(s.doc.Devices))}
	for k, v := range s.doc.Devices {
		out.Devices[k] = v
	}
	return out
}

// SchemaPath returns where a device's cached parameter schema blob
// would live, named by the lowest serial word.
func SchemaPath(baseDir string, serial Serial) string {
	parts := string(serial)
	lowest := parts
	if len(parts) >= 8 {
		lowest = parts[len(parts)-8:]
	}
	return filepath.Join(baseDir, "schema-"+lowest+".bin")
}
