// Package registry holds the agency, region and agency configuration data the
// service is configured with, and resolves api keys to agencies.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"amarillo.mfdz.de/internal/logging"
	"amarillo.mfdz.de/internal/models"
)

// AdminID is returned by CheckAPIKey for the admin token.
const AdminID = "admin"

var ErrInvalidAPIKey = errors.New("X-API-Key header invalid")

type Paths struct {
	// AgencyDir holds one <id>.json per agency.
	AgencyDir string
	// RegionDir holds one <id>.json per region.
	RegionDir string
	// AgencyConfDir holds the writable agency configurations.
	AgencyConfDir string
}

// DefaultPaths follows the conf/ and data/ layout of a deployment.
func DefaultPaths(confDir, dataDir string) Paths {
	return Paths{
		AgencyDir:     filepath.Join(confDir, "agency"),
		RegionDir:     filepath.Join(confDir, "region"),
		AgencyConfDir: filepath.Join(dataDir, "agencyconf"),
	}
}

type Registry struct {
	paths      Paths
	adminToken string
	logger     *slog.Logger

	mu       sync.RWMutex
	agencies map[string]models.Agency
	regions  map[string]models.Region
	confs    map[string]models.AgencyConf
	apiKeys  map[string]string
}

// Load reads every agency, region and agency configuration file. A file that
// does not decode or validate fails the load.
func Load(paths Paths, adminToken string, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		paths:      paths,
		adminToken: adminToken,
		logger:     logging.ForComponent(logger, "registry"),
		agencies:   make(map[string]models.Agency),
		regions:    make(map[string]models.Region),
		confs:      make(map[string]models.AgencyConf),
		apiKeys:    make(map[string]string),
	}

	err := loadDir(paths.AgencyDir, func(a models.Agency) {
		r.agencies[a.ID] = a
	})
	if err != nil {
		return nil, err
	}
	err = loadDir(paths.RegionDir, func(region models.Region) {
		r.regions[region.ID] = region
	})
	if err != nil {
		return nil, err
	}
	err = loadDir(paths.AgencyConfDir, func(conf models.AgencyConf) {
		r.confs[conf.AgencyID] = conf
		r.apiKeys[conf.APIKey] = conf.AgencyID
	})
	if err != nil {
		return nil, err
	}

	logging.LogOperation(r.logger, "registry_loaded",
		slog.Int("agencies", len(r.agencies)),
		slog.Int("regions", len(r.regions)),
		slog.Int("agency_confs", len(r.confs)))
	return r, nil
}

func loadDir[T any](dir string, add func(T)) error {
	if dir == "" {
		return nil
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, name := range files {
		data, err := os.ReadFile(name)
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("decoding %s: %w", name, err)
		}
		if err := models.Validate(v); err != nil {
			return fmt.Errorf("validating %s: %w", name, err)
		}
		add(v)
	}
	return nil
}

func sortedValues[T any](m map[string]T) []T {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]T, 0, len(keys))
	for _, k := range keys {
		values = append(values, m[k])
	}
	return values
}

func (r *Registry) Agencies() []models.Agency {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedValues(r.agencies)
}

func (r *Registry) Agency(id string) (models.Agency, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agencies[id]
	if !ok {
		return models.Agency{}, fmt.Errorf("agency %s: %w", id, models.ErrNotFound)
	}
	return a, nil
}

func (r *Registry) Regions() []models.Region {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedValues(r.regions)
}

func (r *Registry) Region(id string) (models.Region, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	region, ok := r.regions[id]
	if !ok {
		return models.Region{}, fmt.Errorf("region %s: %w", id, models.ErrNotFound)
	}
	return region, nil
}

func (r *Registry) AgencyConfs() []models.AgencyConf {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedValues(r.confs)
}

func (r *Registry) AgencyConf(agencyID string) (models.AgencyConf, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conf, ok := r.confs[agencyID]
	if !ok {
		return models.AgencyConf{}, fmt.Errorf("agency conf %s: %w", agencyID, models.ErrNotFound)
	}
	return conf, nil
}

// AgencyIDs lists the agencies that have a configuration.
func (r *Registry) AgencyIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.confs))
	for id := range r.confs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CheckAPIKey returns the agency owning key, or AdminID for the admin token.
func (r *Registry) CheckAPIKey(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidAPIKey
	}
	r.mu.RLock()
	agencyID, ok := r.apiKeys[key]
	r.mu.RUnlock()
	if ok {
		return agencyID, nil
	}
	if r.adminToken != "" && key == r.adminToken {
		return AdminID, nil
	}
	return "", ErrInvalidAPIKey
}

// Add stores a new agency configuration. Updating requires deleting first, and
// an api key may belong to one agency only.
func (r *Registry) Add(conf models.AgencyConf) error {
	if err := models.Validate(conf); err != nil {
		return &models.ParseError{Agency: conf.AgencyID, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.confs[conf.AgencyID]; exists {
		return fmt.Errorf("agency %s exists already, delete it first to update: %w", conf.AgencyID, models.ErrConflict)
	}
	if owner, used := r.apiKeys[conf.APIKey]; used && owner != conf.AgencyID {
		return fmt.Errorf("duplicate api key for %s: %w", conf.AgencyID, models.ErrConflict)
	}

	if err := r.writeConf(conf); err != nil {
		return err
	}
	r.confs[conf.AgencyID] = conf
	r.apiKeys[conf.APIKey] = conf.AgencyID

	logging.LogOperation(r.logger, "agency_conf_added", slog.String("agency", conf.AgencyID))
	return nil
}

func (r *Registry) Delete(agencyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conf, ok := r.confs[agencyID]
	if !ok {
		return fmt.Errorf("agency conf %s: %w", agencyID, models.ErrNotFound)
	}
	if r.paths.AgencyConfDir != "" {
		err := os.Remove(filepath.Join(r.paths.AgencyConfDir, agencyID+".json"))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing agency conf %s: %w", agencyID, err)
		}
	}
	delete(r.apiKeys, conf.APIKey)
	delete(r.confs, agencyID)

	logging.LogOperation(r.logger, "agency_conf_deleted", slog.String("agency", agencyID))
	return nil
}

func (r *Registry) writeConf(conf models.AgencyConf) error {
	if r.paths.AgencyConfDir == "" {
		return nil
	}
	if err := os.MkdirAll(r.paths.AgencyConfDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(conf, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(r.paths.AgencyConfDir, conf.AgencyID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing agency conf %s: %w", conf.AgencyID, err)
	}
	return os.Rename(tmp, path)
}
