package remote

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Host Inventory
// =============================================================================

// Host describes one deployment host from the inventory file.
type Host struct {
	Name    string `yaml:"name"`
	Addr    string `yaml:"addr"`
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	KeyFile string `yaml:"key_file"`
}

// inventoryFile is the on-disk layout of hosts.yaml.
type inventoryFile struct {
	Hosts []Host `yaml:"hosts"`
}

// Inventory is the fixed set of hosts deployments can target.
type Inventory struct {
	hosts map[string]Host
	order []string
}

// LoadInventory reads and validates a hosts.yaml file.
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	return ParseInventory(data)
}

// ParseInventory parses inventory YAML.
func ParseInventory(data []byte) (*Inventory, error) {
	var file inventoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}
	if len(file.Hosts) == 0 {
		return nil, fmt.Errorf("parse inventory: no hosts defined")
	}

	inv := &Inventory{hosts: make(map[string]Host, len(file.Hosts))}
	for _, h := range file.Hosts {
		if h.Name == "" {
			return nil, fmt.Errorf("parse inventory: host with empty name")
		}
		if h.Addr == "" {
			return nil, fmt.Errorf("parse inventory: host %s has no addr", h.Name)
		}
		if _, dup := inv.hosts[h.Name]; dup {
			return nil, fmt.Errorf("parse inventory: duplicate host %s", h.Name)
		}
		if h.Port == 0 {
			h.Port = 22
		}
		if h.User == "" {
			h.User = "deploy"
		}
		inv.hosts[h.Name] = h
		inv.order = append(inv.order, h.Name)
	}
	return inv, nil
}

// Lookup returns the host with the given name.
func (i *Inventory) Lookup(name string) (Host, error) {
	h, ok := i.hosts[name]
	if !ok {
		return Host{}, fmt.Errorf("%w: %s", ErrUnknownHost, name)
	}
	return h, nil
}

// Names returns host names in file order.
func (i *Inventory) Names() []string {
	out := make([]string, len(i.order))
	copy(out, i.order)
	return out
}
