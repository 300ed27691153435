package tool

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"propwatch/internal/domain"
)

// Fixtures is the YAML seed for a MemoryBackend.
type Fixtures struct {
	Ledgers   []domain.TenantLedger    `yaml:"ledgers"`
	Tickets   []domain.Ticket          `yaml:"tickets"`
	Occupancy []domain.OccupancyWindow `yaml:"occupancy"`
	Rooms     []domain.Room            `yaml:"rooms"`
	GridPrice domain.GridPrice         `yaml:"grid_price"`
}

// LoadFixtures reads a fixtures file. An empty path yields an empty set.
func LoadFixtures(path string) (*Fixtures, error) {
	if path == "" {
		return &Fixtures{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	var f Fixtures
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixtures %s: %w", path, err)
	}
	return &f, nil
}

// Seed replaces the backend's state with the fixtures.
func (f *Fixtures) Seed(m *MemoryBackend) {
	m.SetLedgers(f.Ledgers...)
	for _, t := range f.Tickets {
		m.AddTicket(t)
	}
	m.SetOccupancy(f.Occupancy...)
	m.SetRooms(f.Rooms...)
	m.SetGridPrice(f.GridPrice)
}
