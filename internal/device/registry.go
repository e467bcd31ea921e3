package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry provides device inventory access with caching and thread safety.
// It wraps a Repository and adds an in-memory cache for fast lookups.
//
// The cache is populated by RefreshCache or Seed and kept in sync by the
// write operations.
//
// All public methods are thread-safe.
type Registry struct {
	repo    Repository
	cache   map[string]*Device
	cacheMu sync.RWMutex
	logger  Logger
}

// NewRegistry creates a new device registry.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*Device),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	r.logger = logger
}

// RefreshCache reloads all devices from the repository into the cache.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[string]*Device, len(devices))
	for i := range devices {
		r.cache[devices[i].ID] = devices[i].Clone()
	}

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// SeedResult counts the records a Seed call wrote.
type SeedResult struct {
	Created int
	Updated int
	Removed int
}

// Seed makes the inventory match seeds: new devices are created, changed
// bindings updated and records absent from seeds deleted. Records whose
// binding is unchanged are left untouched so their timestamps survive
// restarts. Every seed is validated before anything is written.
func (r *Registry) Seed(ctx context.Context, seeds []Device) (SeedResult, error) {
	var res SeedResult
	if err := r.RefreshCache(ctx); err != nil {
		return res, err
	}

	seeds = append([]Device(nil), seeds...)
	wanted := make(map[string]bool, len(seeds))
	for i := range seeds {
		if err := Validate(&seeds[i]); err != nil {
			return res, fmt.Errorf("seeding %s: %w", seeds[i].ID, err)
		}
		wanted[seeds[i].ID] = true
	}

	for i := range seeds {
		d := seeds[i]
		existing, err := r.GetDevice(ctx, d.ID)
		switch {
		case errors.Is(err, ErrDeviceNotFound):
			if err := r.CreateDevice(ctx, &d); err != nil {
				return res, err
			}
			res.Created++
		case err != nil:
			return res, err
		case !existing.sameBinding(&d):
			d.CreatedAt = existing.CreatedAt
			d.LastSeenAt = existing.LastSeenAt
			if err := r.UpdateDevice(ctx, &d); err != nil {
				return res, err
			}
			res.Updated++
		}
	}

	for _, d := range r.ListDevices() {
		if wanted[d.ID] {
			continue
		}
		if err := r.DeleteDevice(ctx, d.ID); err != nil {
			return res, fmt.Errorf("removing %s: %w", d.ID, err)
		}
		res.Removed++
	}

	r.logger.Info("device inventory seeded",
		"created", res.Created, "updated", res.Updated, "removed", res.Removed)
	return res, nil
}

// GetDevice retrieves a device by ID.
// Returns ErrDeviceNotFound if the device does not exist.
// The returned device is a copy; callers can safely modify it.
func (r *Registry) GetDevice(ctx context.Context, id string) (*Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()
	if ok {
		return cached.Clone(), nil
	}

	d, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[id] = d.Clone()
	r.cacheMu.Unlock()

	return d, nil
}

// ListDevices returns all cached devices sorted by id.
func (r *Registry) ListDevices() []Device {
	r.cacheMu.RLock()
	devices := make([]Device, 0, len(r.cache))
	for _, d := range r.cache {
		devices = append(devices, *d.Clone())
	}
	r.cacheMu.RUnlock()

	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// CreateDevice validates and inserts a device.
func (r *Registry) CreateDevice(ctx context.Context, d *Device) error {
	if err := Validate(d); err != nil {
		return err
	}
	if err := r.repo.Create(ctx, d); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[d.ID] = d.Clone()
	r.cacheMu.Unlock()

	r.logger.Info("device created", "device", d.ID, "address", d.Address)
	return nil
}

// UpdateDevice validates and stores a changed device.
func (r *Registry) UpdateDevice(ctx context.Context, d *Device) error {
	if err := Validate(d); err != nil {
		return err
	}
	if err := r.repo.Update(ctx, d); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[d.ID] = d.Clone()
	r.cacheMu.Unlock()

	r.logger.Info("device updated", "device", d.ID)
	return nil
}

// DeleteDevice removes a device.
func (r *Registry) DeleteDevice(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()

	r.logger.Info("device deleted", "device", id)
	return nil
}

// MarkSeen records a successful connection.
func (r *Registry) MarkSeen(ctx context.Context, id string, at time.Time) error {
	if err := r.repo.UpdateLastSeen(ctx, id, at); err != nil {
		return err
	}

	at = at.UTC().Truncate(time.Second)
	r.cacheMu.Lock()
	if d, ok := r.cache[id]; ok {
		d.LastSeenAt = &at
	}
	r.cacheMu.Unlock()
	return nil
}

// Len returns the number of cached devices.
func (r *Registry) Len() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}
