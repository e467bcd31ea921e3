package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// MockRepository is a test implementation of Repository.
type MockRepository struct {
	mu      sync.Mutex
	devices map[string]*Device
	creates int
	updates int

	createErr error
}

func NewMockRepository() *MockRepository {
	return &MockRepository{devices: make(map[string]*Device)}
}

func (m *MockRepository) GetByID(_ context.Context, id string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return d.Clone(), nil
}

func (m *MockRepository) List(_ context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, *d.Clone())
	}
	return out, nil
}

func (m *MockRepository) Create(_ context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.devices[d.ID]; ok {
		return ErrDeviceExists
	}
	m.creates++
	m.devices[d.ID] = d.Clone()
	return nil
}

func (m *MockRepository) Update(_ context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[d.ID]; !ok {
		return ErrDeviceNotFound
	}
	m.updates++
	m.devices[d.ID] = d.Clone()
	return nil
}

func (m *MockRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[id]; !ok {
		return ErrDeviceNotFound
	}
	delete(m.devices, id)
	return nil
}

func (m *MockRepository) UpdateLastSeen(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	d.LastSeenAt = &at
	return nil
}

func testDevice(id string) *Device {
	return &Device{
		ID:        id,
		Name:      "Fingerbot " + id,
		Address:   "dc:23:4d:11:22:33",
		Category:  "szjqr",
		ProductID: "3yqdo5yt",
	}
}

func TestRegistry_CreateAndGet(t *testing.T) {
	repo := NewMockRepository()
	registry := NewRegistry(repo)
	ctx := context.Background()

	d := testDevice("kitchen-bot")
	if err := registry.CreateDevice(ctx, d); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	if d.Address != "DC:23:4D:11:22:33" {
		t.Errorf("Address = %q, want normalised colon form", d.Address)
	}
	if d.ProtocolVersion != 3 {
		t.Errorf("ProtocolVersion = %d, want default 3", d.ProtocolVersion)
	}

	got, err := registry.GetDevice(ctx, "kitchen-bot")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	got.Name = "mutated"
	again, _ := registry.GetDevice(ctx, "kitchen-bot")
	if again.Name == "mutated" {
		t.Error("GetDevice() returned a cached pointer")
	}

	if _, err := registry.GetDevice(ctx, "missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetDevice(missing) error = %v, want ErrDeviceNotFound", err)
	}
	if err := registry.CreateDevice(ctx, testDevice("kitchen-bot")); !errors.Is(err, ErrDeviceExists) {
		t.Errorf("duplicate CreateDevice() error = %v, want ErrDeviceExists", err)
	}
}

func TestRegistry_CreateInvalid(t *testing.T) {
	registry := NewRegistry(NewMockRepository())
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*Device)
		want   error
	}{
		{"bad id", func(d *Device) { d.ID = "a/b" }, ErrInvalidDevice},
		{"empty id", func(d *Device) { d.ID = "" }, ErrInvalidDevice},
		{"bad address", func(d *Device) { d.Address = "not-a-mac" }, ErrInvalidAddress},
		{"no category", func(d *Device) { d.Category = "" }, ErrInvalidDevice},
		{"bad version", func(d *Device) { d.ProtocolVersion = 4 }, ErrInvalidDevice},
		{"long name", func(d *Device) { d.Name = string(make([]byte, maxNameLength+1)) }, ErrInvalidName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testDevice("x")
			tt.mutate(d)
			if err := registry.CreateDevice(ctx, d); !errors.Is(err, tt.want) {
				t.Errorf("CreateDevice() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRegistry_Seed(t *testing.T) {
	repo := NewMockRepository()
	registry := NewRegistry(repo)
	ctx := context.Background()

	seeds := []Device{*testDevice("a"), *testDevice("b")}
	seeds[1].Address = "DC:23:4D:11:22:44"

	res, err := registry.Seed(ctx, seeds)
	if err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	if res != (SeedResult{Created: 2}) {
		t.Errorf("Seed() = %+v, want 2 created", res)
	}

	// Same seeds again: nothing written.
	if _, err := registry.Seed(ctx, seeds); err != nil {
		t.Fatalf("second Seed() error = %v", err)
	}
	if repo.updates != 0 {
		t.Errorf("unchanged seed caused %d updates", repo.updates)
	}

	seen := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	if err := registry.MarkSeen(ctx, "a", seen); err != nil {
		t.Fatalf("MarkSeen() error = %v", err)
	}

	seeds[0].Name = "Renamed"
	res, err = registry.Seed(ctx, seeds)
	if err != nil {
		t.Fatalf("third Seed() error = %v", err)
	}
	if res != (SeedResult{Updated: 1}) {
		t.Errorf("Seed() = %+v, want 1 updated", res)
	}

	got, _ := registry.GetDevice(ctx, "a")
	if got.Name != "Renamed" {
		t.Errorf("Name = %q, want Renamed", got.Name)
	}
	if got.LastSeenAt == nil || !got.LastSeenAt.Equal(seen) {
		t.Errorf("LastSeenAt = %v, want %v kept across update", got.LastSeenAt, seen)
	}

	bad := []Device{seeds[0], {ID: "c", Address: "zz", Category: "szjqr"}}
	if _, err := registry.Seed(ctx, bad); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("Seed(invalid) error = %v, want ErrInvalidAddress", err)
	}
	if registry.Len() != 2 {
		t.Errorf("Len() = %d after rejected seed, want 2 (nothing removed)", registry.Len())
	}
}

func TestRegistry_SeedRemovesUnlisted(t *testing.T) {
	registry := NewRegistry(NewMockRepository())
	ctx := context.Background()

	seeds := []Device{*testDevice("a"), *testDevice("b")}
	seeds[1].Address = "DC:23:4D:11:22:44"
	if _, err := registry.Seed(ctx, seeds); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}

	res, err := registry.Seed(ctx, seeds[:1])
	if err != nil {
		t.Fatalf("Seed(a) error = %v", err)
	}
	if res != (SeedResult{Removed: 1}) {
		t.Errorf("Seed(a) = %+v, want 1 removed", res)
	}
	if _, err := registry.GetDevice(ctx, "b"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetDevice(b) error = %v, want ErrDeviceNotFound", err)
	}
	if registry.Len() != 1 {
		t.Errorf("Len() = %d, want 1", registry.Len())
	}
}

func TestRegistry_ListAndDelete(t *testing.T) {
	registry := NewRegistry(NewMockRepository())
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		d := testDevice(id)
		d.Address = "DC:23:4D:11:22:0" + map[string]string{"a": "1", "b": "2", "c": "3"}[id]
		if err := registry.CreateDevice(ctx, d); err != nil {
			t.Fatalf("CreateDevice(%s) error = %v", id, err)
		}
	}

	list := registry.ListDevices()
	if len(list) != 3 || list[0].ID != "a" || list[2].ID != "c" {
		t.Errorf("ListDevices() = %+v, want a, b, c", list)
	}

	if err := registry.DeleteDevice(ctx, "b"); err != nil {
		t.Fatalf("DeleteDevice() error = %v", err)
	}
	if registry.Len() != 2 {
		t.Errorf("Len() = %d, want 2", registry.Len())
	}
	if err := registry.DeleteDevice(ctx, "b"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("second DeleteDevice() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	registry := NewRegistry(NewMockRepository())
	ctx := context.Background()

	if err := registry.CreateDevice(ctx, testDevice("concurrent")); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, _ = registry.GetDevice(ctx, "concurrent")
		}()
		go func() {
			defer wg.Done()
			_ = registry.MarkSeen(ctx, "concurrent", time.Now())
		}()
		go func() {
			defer wg.Done()
			_ = registry.ListDevices()
		}()
	}
	wg.Wait()

	if _, err := registry.GetDevice(ctx, "concurrent"); err != nil {
		t.Errorf("GetDevice() after concurrent access error = %v", err)
	}
}
