package emit

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Manifest maps logical asset names to emitted filenames. Keys keep their
// insertion order and each key can be set once.
type Manifest struct {
	keys   []string
	values map[string]string
}

// NewManifest returns an empty manifest.
func NewManifest() *Manifest {
	return &Manifest{values: map[string]string{}}
}

// Set records key. It fails if key is already present.
func (m *Manifest) Set(key, filename string) error {
	if prev, ok := m.values[key]; ok {
		return fmt.Errorf("manifest key %q already maps to %s", key, prev)
	}
	m.keys = append(m.keys, key)
	m.values[key] = filename
	return nil
}

// Get returns the filename for key.
func (m *Manifest) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (m *Manifest) Keys() []string {
	return append([]string(nil), m.keys...)
}

// Len returns the number of entries.
func (m *Manifest) Len() int { return len(m.keys) }

// MarshalJSON writes the manifest as an object in insertion order.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteString("{")
	for i, k := range m.keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("\n  ")
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, err
		}
		b.Write(key)
		b.WriteString(": ")
		b.Write(value)
	}
	if len(m.keys) > 0 {
		b.WriteString("\n")
	}
	b.WriteString("}")
	return b.Bytes(), nil
}
