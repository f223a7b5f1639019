// Package fleet implements the model fleet manager: the authoritative
// registry of model descriptors, per-model runtime state, server lifecycle,
// and the background health-check loop.
package fleet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/synapsehq/synapse/pkg/models"
)

// registryDoc is the persisted model registry document: an ordered list of
// descriptors plus the reserved port range. Rewritten atomically on every
// admin mutation.
type registryDoc struct {
	PortRangeStart int                      `json:"port_range_start"`
	PortRangeEnd   int                      `json:"port_range_end"`
	Models         []models.ModelDescriptor `json:"models"`
}

// Registry owns the on-disk model registry document.
type Registry struct {
	mu   sync.Mutex
	path string
	doc  registryDoc
}

// LoadRegistry reads the registry document at path, creating an empty one
// with the given port range if the file does not exist.
func LoadRegistry(path string, portStart, portEnd int) (*Registry, error) {
	r := &Registry{
		path: path,
		doc: registryDoc{
			PortRangeStart: portStart,
			PortRangeEnd:   portEnd,
		},
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &r.doc); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}
	if r.doc.PortRangeStart == 0 {
		r.doc.PortRangeStart = portStart
		r.doc.PortRangeEnd = portEnd
	}

	if err := r.validateLocked(); err != nil {
		return nil, err
	}
	return r, nil
}

// List returns the descriptors in registry order.
func (r *Registry) List() []models.ModelDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ModelDescriptor, len(r.doc.Models))
	copy(out, r.doc.Models)
	return out
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (models.ModelDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.doc.Models {
		if m.ID == id {
			return m, true
		}
	}
	return models.ModelDescriptor{}, false
}

// Put inserts or replaces a descriptor and rewrites the document. A zero port
// is allocated from the reserved range.
func (r *Registry) Put(desc models.ModelDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if desc.ID == "" {
		return fmt.Errorf("descriptor id is required")
	}
	if desc.Port == 0 {
		port, err := r.allocatePortLocked()
		if err != nil {
			return err
		}
		desc.Port = port
	}

	replaced := false
	for i, m := range r.doc.Models {
		if m.ID == desc.ID {
			r.doc.Models[i] = desc
			replaced = true
			break
		}
	}
	if !replaced {
		r.doc.Models = append(r.doc.Models, desc)
	}

	if err := r.validateLocked(); err != nil {
		return err
	}
	return r.saveLocked()
}

// Remove deletes a descriptor and rewrites the document. Removing an unknown
// id is a no-op (idempotent admin surface).
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, m := range r.doc.Models {
		if m.ID == id {
			r.doc.Models = append(r.doc.Models[:i], r.doc.Models[i+1:]...)
			return r.saveLocked()
		}
	}
	return nil
}

// validateLocked enforces the port-uniqueness invariant across enabled models.
func (r *Registry) validateLocked() error {
	used := make(map[int]string)
	for _, m := range r.doc.Models {
		if !m.Enabled {
			continue
		}
		if other, dup := used[m.Port]; dup {
			return fmt.Errorf("port %d assigned to both %s and %s", m.Port, other, m.ID)
		}
		used[m.Port] = m.ID
	}
	return nil
}

func (r *Registry) allocatePortLocked() (int, error) {
	used := make(map[int]bool)
	for _, m := range r.doc.Models {
		used[m.Port] = true
	}
	for p := r.doc.PortRangeStart; p <= r.doc.PortRangeEnd; p++ {
		if !used[p] {
			return p, nil
		}
	}
	return 0, fmt.Errorf("port range [%d,%d] exhausted", r.doc.PortRangeStart, r.doc.PortRangeEnd)
}

// saveLocked rewrites the document atomically (write temp, rename).
func (r *Registry) saveLocked() error {
	data, err := json.MarshalIndent(r.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".registry-*.json")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp registry: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}

// ── Disk Scan ────────────────────────────────────────────────

// ggufName captures "<name>[-<params>b].<QUANT>.gguf" style filenames, e.g.
// "mistral-7b.Q4_K_M.gguf" or "phi-3-mini.q8_0.gguf".
var ggufName = regexp.MustCompile(`(?i)^(.+?)[.\-]((?:i?q\d[\w]*)|f16|fp16|bf16)\.gguf$`)

var paramFragment = regexp.MustCompile(`(?i)(?:^|[-_.])(\d+(?:\.\d+)?)b(?:$|[-_.])`)

// Rescan walks dir for GGUF files, adding descriptors for new files and
// removing descriptors whose files vanished. Returns the ids added/removed.
func (r *Registry) Rescan(dir string) (added, removed []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("scan model dir %s: %w", dir, err)
	}

	onDisk := make(map[string]models.ModelDescriptor)
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".gguf") {
			continue
		}
		desc, ok := descriptorFromFile(filepath.Join(dir, e.Name()))
		if !ok {
			log.Debug().Str("file", e.Name()).Msg("skipping unparseable model file")
			continue
		}
		onDisk[desc.ID] = desc
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	known := make(map[string]bool)
	kept := r.doc.Models[:0]
	for _, m := range r.doc.Models {
		if _, exists := onDisk[m.ID]; exists {
			kept = append(kept, m)
			known[m.ID] = true
		} else {
			removed = append(removed, m.ID)
		}
	}
	r.doc.Models = kept

	ids := make([]string, 0, len(onDisk))
	for id := range onDisk {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if known[id] {
			continue
		}
		desc := onDisk[id]
		port, perr := r.allocatePortLocked()
		if perr != nil {
			return added, removed, perr
		}
		desc.Port = port
		r.doc.Models = append(r.doc.Models, desc)
		added = append(added, id)
	}

	if len(added) > 0 || len(removed) > 0 {
		if err := r.saveLocked(); err != nil {
			return added, removed, err
		}
	}
	return added, removed, nil
}

// descriptorFromFile derives a descriptor from a GGUF filename. The model id
// is the base name with the quantization tag folded in, the tier defaults
// from the quantization level.
func descriptorFromFile(path string) (models.ModelDescriptor, bool) {
	base := filepath.Base(path)
	m := ggufName.FindStringSubmatch(base)
	if m == nil {
		return models.ModelDescriptor{}, false
	}
	name, quantStr := m[1], m[2]

	quant, err := models.ParseQuantization(quantStr)
	if err != nil {
		return models.ModelDescriptor{}, false
	}

	var paramsB float64
	if pm := paramFragment.FindStringSubmatch(name); pm != nil {
		paramsB, _ = strconv.ParseFloat(pm[1], 64)
	}

	return models.ModelDescriptor{
		ID:          fmt.Sprintf("%s-%s", strings.ToLower(name), strings.ToLower(quant.String())),
		DisplayName: name,
		FilePath:    path,
		Quant:       quant,
		ParamsB:     paramsB,
		Tier:        DefaultTier(quant),
		Enabled:     true,
	}, true
}

// DefaultTier maps a quantization level to its default capability tier.
func DefaultTier(q models.Quantization) models.Tier {
	switch {
	case q <= models.QuantQ2:
		return models.TierFast
	case q == models.QuantQ3:
		return models.TierBalanced
	default:
		return models.TierPowerful
	}
}
