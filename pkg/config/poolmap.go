package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PoolMap maps VLAN tags seen in NAS-Port-Id to a Framed-Pool name.
type PoolMap struct {
	Default string     `yaml:"default"`
	VLANs   []VLANPool `yaml:"vlans"`
}

// VLANPool binds an S-VLAN (and optionally a C-VLAN range) to a pool.
type VLANPool struct {
	SVLAN     uint16 `yaml:"svlan"`
	CVLANFrom uint16 `yaml:"cvlan_from,omitempty"`
	CVLANTo   uint16 `yaml:"cvlan_to,omitempty"`
	Pool      string `yaml:"pool"`
}

// LoadPoolMap reads a YAML pool map. An empty path yields an empty map.
func LoadPoolMap(path string) (*PoolMap, error) {
	if path == "" {
		return &PoolMap{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read pool map %s: %v", ErrInvalid, path, err)
	}
	return ParsePoolMap(data)
}

// ParsePoolMap decodes and validates a YAML pool map.
func ParsePoolMap(data []byte) (*PoolMap, error) {
	var pm PoolMap
	if err := yaml.Unmarshal(data, &pm); err != nil {
		return nil, fmt.Errorf("%w: failed to parse pool map: %v", ErrInvalid, err)
	}

	for i, v := range pm.VLANs {
		if v.Pool == "" {
			return nil, fmt.Errorf("%w: pool map entry %d has no pool", ErrInvalid, i)
		}
		if v.SVLAN == 0 || v.SVLAN > 4094 {
			return nil, fmt.Errorf("%w: pool map entry %d has invalid svlan %d", ErrInvalid, i, v.SVLAN)
		}
		if v.CVLANTo < v.CVLANFrom {
			return nil, fmt.Errorf("%w: pool map entry %d has inverted cvlan range", ErrInvalid, i)
		}
	}
	return &pm, nil
}

// Lookup returns the pool for the given VLAN pair. The first matching
// entry wins; entries without a C-VLAN range match any C-VLAN.
func (pm *PoolMap) Lookup(svlan, cvlan uint16) (string, bool) {
	if pm == nil {
		return "", false
	}
	for _, v := range pm.VLANs {
		if v.SVLAN != svlan {
			continue
		}
		if v.CVLANFrom == 0 && v.CVLANTo == 0 {
			return v.Pool, true
		}
		if cvlan >= v.CVLANFrom && cvlan <= v.CVLANTo {
			return v.Pool, true
		}
	}
	if pm.Default != "" {
		return pm.Default, true
	}
	return "", false
}
