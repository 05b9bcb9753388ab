// Package bindfile implements the binding directory from a YAML catalog
// file, for standalone and dev runs without PostgreSQL.
//
// Device trust learned through MarkDeviceTrusted is kept in memory only; the
// catalog file is never rewritten.
package bindfile

import (
	"fmt"
	"os"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/voucher-orchestrator/internal/domain"
)

type serverYAML struct {
	ID                   string `yaml:"id" validate:"required"`
	BaseURL              string `yaml:"base_url" validate:"required,url"`
	TimeoutMS            int    `yaml:"timeout_ms" validate:"gte=0"`
	Retries              int    `yaml:"retries" validate:"gte=0"`
	WaitBetweenRetriesMS int    `yaml:"wait_between_retries_ms" validate:"gte=0"`
}

type bindingYAML struct {
	ID           string `yaml:"id" validate:"required"`
	MSISDN       string `yaml:"msisdn" validate:"required"`
	DeviceID     string `yaml:"device_id"`
	LastDeviceID string `yaml:"last_device_id"`
	Server       string `yaml:"server" validate:"required"`
}

type catalogYAML struct {
	Servers  []serverYAML  `yaml:"servers"`
	Bindings []bindingYAML `yaml:"bindings"`
}

// Entry pairs one binding with the id of its server, as declared in the
// catalog. The seeder uses it to populate PostgreSQL.
type Entry struct {
	Binding  domain.Binding
	ServerID string
}

// Catalog is the parsed and validated YAML catalog.
type Catalog struct {
	Servers map[string]domain.Server
	Entries []Entry
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (Catalog, error) {
	var raw catalogYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Catalog{}, fmt.Errorf("op=bindfile.parse: %w", err)
	}
	v := getValidator()

	servers := make(map[string]domain.Server, len(raw.Servers))
	for _, s := range raw.Servers {
		if err := v.Struct(s); err != nil {
			return Catalog{}, fmt.Errorf("op=bindfile.parse: server %q: %w: %v", s.ID, domain.ErrInvalidArgument, err)
		}
		if _, dup := servers[s.ID]; dup {
			return Catalog{}, fmt.Errorf("op=bindfile.parse: duplicate server %q: %w", s.ID, domain.ErrInvalidArgument)
		}
		servers[s.ID] = domain.Server{
			BaseURL:              s.BaseURL,
			TimeoutMS:            s.TimeoutMS,
			Retries:              s.Retries,
			WaitBetweenRetriesMS: s.WaitBetweenRetriesMS,
		}
	}

	entries := make([]Entry, 0, len(raw.Bindings))
	seen := make(map[string]bool, len(raw.Bindings))
	for _, b := range raw.Bindings {
		if err := v.Struct(b); err != nil {
			return Catalog{}, fmt.Errorf("op=bindfile.parse: binding %q: %w: %v", b.ID, domain.ErrInvalidArgument, err)
		}
		if seen[b.ID] {
			return Catalog{}, fmt.Errorf("op=bindfile.parse: duplicate binding %q: %w", b.ID, domain.ErrInvalidArgument)
		}
		seen[b.ID] = true
		srv, ok := servers[b.Server]
		if !ok {
			return Catalog{}, fmt.Errorf("op=bindfile.parse: binding %q references unknown server %q: %w", b.ID, b.Server, domain.ErrInvalidArgument)
		}
		entries = append(entries, Entry{
			Binding: domain.Binding{
				ID:           b.ID,
				MSISDN:       b.MSISDN,
				DeviceID:     b.DeviceID,
				LastDeviceID: b.LastDeviceID,
				Server:       srv,
			},
			ServerID: b.Server,
		})
	}
	return Catalog{Servers: servers, Entries: entries}, nil
}

// Directory is an in-memory BindingDirectory built from a catalog.
type Directory struct {
	mu       sync.RWMutex
	bindings map[string]domain.Binding
}

// Load reads and parses the catalog at path into a Directory.
func Load(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=bindfile.load: %w", err)
	}
	cat, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return FromCatalog(cat), nil
}

// FromCatalog builds a Directory from an already-parsed catalog.
func FromCatalog(cat Catalog) *Directory {
	m := make(map[string]domain.Binding, len(cat.Entries))
	for _, e := range cat.Entries {
		m[e.Binding.ID] = e.Binding
	}
	return &Directory{bindings: m}
}

// Resolve returns the binding with the given id.
func (d *Directory) Resolve(_ domain.Context, bindingID string) (domain.Binding, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.bindings[bindingID]
	if !ok {
		return domain.Binding{}, fmt.Errorf("op=binding.resolve: %w", domain.ErrNotFound)
	}
	return b, nil
}

// MarkDeviceTrusted records the device id in memory for this process.
func (d *Directory) MarkDeviceTrusted(_ domain.Context, bindingID, deviceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.bindings[bindingID]
	if !ok {
		return fmt.Errorf("op=binding.mark_device_trusted: %w", domain.ErrNotFound)
	}
	b.LastDeviceID = deviceID
	d.bindings[bindingID] = b
	return nil
}
