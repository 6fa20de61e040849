package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"amarillo.mfdz.de/internal/logging"
	"amarillo.mfdz.de/internal/models"
	"amarillo.mfdz.de/internal/utils"
)

// Partition is a logical area of the store, one directory per partition.
type Partition string

const (
	Carpool  Partition = "carpool"
	Trash    Partition = "trash"
	Enhanced Partition = "enhanced"
	Failed   Partition = "failed"
)

var Partitions = []Partition{Carpool, Trash, Enhanced, Failed}

// Entry identifies one stored offer and the time it was last written.
type Entry struct {
	Agency  string
	ID      string
	ModTime time.Time
}

// FileStore keeps one JSON file per offer under <root>/<partition>/<agency>/<id>.json.
// Writes go through a temp file and a rename, so readers never see partial files.
type FileStore struct {
	root   string
	logger *slog.Logger
	locks  sync.Map // "agency:id" -> *sync.Mutex
}

func NewFileStore(root string, logger *slog.Logger) (*FileStore, error) {
	for _, p := range Partitions {
		if err := os.MkdirAll(filepath.Join(root, string(p)), 0o755); err != nil {
			return nil, fmt.Errorf("creating partition %s: %w", p, err)
		}
	}
	return &FileStore{
		root:   root,
		logger: logging.ForComponent(logger, "file_store"),
	}, nil
}

// Lock serializes all work on one offer id and returns the unlock func.
func (s *FileStore) Lock(agencyID, offerID string) func() {
	v, _ := s.locks.LoadOrStore(utils.FormTripID(agencyID, offerID), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *FileStore) path(p Partition, agencyID, offerID string) (string, error) {
	if err := utils.ValidateID(agencyID); err != nil {
		return "", fmt.Errorf("agency %q: %w", agencyID, err)
	}
	if err := utils.ValidateID(offerID); err != nil {
		return "", fmt.Errorf("offer %q: %w", offerID, err)
	}
	return filepath.Join(s.root, string(p), agencyID, offerID+".json"), nil
}

// Save writes the offer into the partition, replacing an existing file.
func (s *FileStore) Save(p Partition, offer models.Offer) error {
	return s.write(p, offer.Agency, offer.ID, offer)
}

type failedOffer struct {
	models.Offer
	Reason        string    `json:"quarantineReason"`
	QuarantinedAt time.Time `json:"quarantinedAt"`
}

// SaveFailure quarantines an offer together with the reason it could not be processed.
func (s *FileStore) SaveFailure(offer models.Offer, reason error, at time.Time) error {
	record := failedOffer{Offer: offer, QuarantinedAt: at}
	if reason != nil {
		record.Reason = reason.Error()
	}
	return s.write(Failed, offer.Agency, offer.ID, record)
}

// FailureReason returns the quarantine reason stored for an offer.
func (s *FileStore) FailureReason(agencyID, offerID string) (string, error) {
	var record failedOffer
	if err := s.read(Failed, agencyID, offerID, &record); err != nil {
		return "", err
	}
	return record.Reason, nil
}

func (s *FileStore) write(p Partition, agencyID, offerID string, v any) (err error) {
	path, err := s.path(p, agencyID, offerID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", agencyID, offerID, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), offerID+".*.tmp")
	if err != nil {
		return err
	}
	defer logging.SafeRemoveWithLogging(tmp.Name(), s.logger, "remove_temp_offer_file")

	if err := s.fillTemp(tmp, data); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *FileStore) fillTemp(tmp *os.File, data []byte) (err error) {
	defer logging.HandleDeferredError(&err, tmp.Close, s.logger, "close_temp_offer_file")
	_, err = tmp.Write(data)
	return err
}

// Load reads an offer, returning models.ErrNotFound if it does not exist.
func (s *FileStore) Load(p Partition, agencyID, offerID string) (models.Offer, error) {
	var offer models.Offer
	if err := s.read(p, agencyID, offerID, &offer); err != nil {
		return models.Offer{}, err
	}
	return offer, nil
}

func (s *FileStore) read(p Partition, agencyID, offerID string, v any) error {
	path, err := s.path(p, agencyID, offerID)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrNotFound, err)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s %s:%s", models.ErrNotFound, p, agencyID, offerID)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

func (s *FileStore) Exists(p Partition, agencyID, offerID string) bool {
	path, err := s.path(p, agencyID, offerID)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Delete removes an offer file. Deleting a missing file is not an error.
func (s *FileStore) Delete(p Partition, agencyID, offerID string) error {
	path, err := s.path(p, agencyID, offerID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Agencies lists the agencies having at least a directory in the partition.
func (s *FileStore) Agencies(p Partition) ([]string, error) {
	dirEntries, err := os.ReadDir(filepath.Join(s.root, string(p)))
	if err != nil {
		return nil, err
	}
	var agencies []string
	for _, e := range dirEntries {
		if e.IsDir() && utils.ValidateID(e.Name()) == nil {
			agencies = append(agencies, e.Name())
		}
	}
	sort.Strings(agencies)
	return agencies, nil
}

// List enumerates the offers of one agency in the partition, sorted by id.
func (s *FileStore) List(p Partition, agencyID string) ([]Entry, error) {
	if err := utils.ValidateID(agencyID); err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(filepath.Join(s.root, string(p), agencyID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, e := range dirEntries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if utils.ValidateID(id) != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed concurrently
			continue
		}
		entries = append(entries, Entry{Agency: agencyID, ID: id, ModTime: info.ModTime()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// ListAll enumerates the offers of every agency in the partition.
func (s *FileStore) ListAll(p Partition) ([]Entry, error) {
	agencies, err := s.Agencies(p)
	if err != nil {
		return nil, err
	}
	var all []Entry
	for _, agencyID := range agencies {
		entries, err := s.List(p, agencyID)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	return all, nil
}

// MoveToTrash copies the offer into the trash partition and removes it from carpool.
func (s *FileStore) MoveToTrash(agencyID, offerID string) (models.Offer, error) {
	offer, err := s.Load(Carpool, agencyID, offerID)
	if err != nil {
		return models.Offer{}, err
	}
	if err := s.Save(Trash, offer); err != nil {
		return models.Offer{}, fmt.Errorf("trashing %s:%s: %w", agencyID, offerID, err)
	}
	if err := s.Delete(Carpool, agencyID, offerID); err != nil {
		return models.Offer{}, err
	}
	return offer, nil
}
