package fleet

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/synapsehq/synapse/pkg/models"
)

func TestRegistryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")

	reg, err := LoadRegistry(path, 8601, 8699)
	if err != nil {
		t.Fatalf("LoadRegistry() error = %v", err)
	}

	desc := models.ModelDescriptor{
		ID:          "mistral-7b-q4",
		DisplayName: "mistral-7b",
		FilePath:    "/models/mistral-7b.Q4_K_M.gguf",
		Quant:       models.QuantQ4,
		ParamsB:     7,
		Tier:        models.TierPowerful,
		Enabled:     true,
	}
	if err := reg.Put(desc); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	stored, ok := reg.Get("mistral-7b-q4")
	if !ok {
		t.Fatal("Get() did not find stored descriptor")
	}
	if stored.Port != 8601 {
		t.Errorf("allocated port = %d, want 8601", stored.Port)
	}

	reloaded, err := LoadRegistry(path, 8601, 8699)
	if err != nil {
		t.Fatalf("LoadRegistry() after save error = %v", err)
	}
	desc.Port = 8601
	if diff := cmp.Diff([]models.ModelDescriptor{desc}, reloaded.List()); diff != "" {
		t.Errorf("reloaded registry mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistryPortAllocation(t *testing.T) {
	reg, err := LoadRegistry(filepath.Join(t.TempDir(), "registry.json"), 9000, 9001)
	if err != nil {
		t.Fatalf("LoadRegistry() error = %v", err)
	}

	for _, id := range []string{"a", "b"} {
		if err := reg.Put(models.ModelDescriptor{ID: id, Enabled: true}); err != nil {
			t.Fatalf("Put(%q) error = %v", id, err)
		}
	}
	if err := reg.Put(models.ModelDescriptor{ID: "c", Enabled: true}); err == nil {
		t.Error("Put() with exhausted port range did not fail")
	}

	if err := reg.Remove("a"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := reg.Put(models.ModelDescriptor{ID: "c", Enabled: true}); err != nil {
		t.Errorf("Put() after Remove freed a port, error = %v", err)
	}
}

func TestRegistryRejectsDuplicatePorts(t *testing.T) {
	reg, err := LoadRegistry(filepath.Join(t.TempDir(), "registry.json"), 9000, 9099)
	if err != nil {
		t.Fatalf("LoadRegistry() error = %v", err)
	}
	if err := reg.Put(models.ModelDescriptor{ID: "a", Port: 9005, Enabled: true}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := reg.Put(models.ModelDescriptor{ID: "b", Port: 9005, Enabled: true}); err == nil {
		t.Error("Put() with duplicate enabled port did not fail")
	}
}

func TestRescan(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"phi-3-mini.Q2_K.gguf",
		"mistral-7b.Q4_K_M.gguf",
		"notes.txt",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	reg, err := LoadRegistry(filepath.Join(t.TempDir(), "registry.json"), 8601, 8699)
	if err != nil {
		t.Fatalf("LoadRegistry() error = %v", err)
	}

	added, removed, err := reg.Rescan(dir)
	if err != nil {
		t.Fatalf("Rescan() error = %v", err)
	}
	if len(added) != 2 || len(removed) != 0 {
		t.Fatalf("Rescan() added %v removed %v, want 2 added 0 removed", added, removed)
	}

	// Second scan is a no-op.
	added, removed, err = reg.Rescan(dir)
	if err != nil {
		t.Fatalf("Rescan() error = %v", err)
	}
	if len(added) != 0 || len(removed) != 0 {
		t.Errorf("second Rescan() added %v removed %v, want none", added, removed)
	}

	// Deleting a file removes its descriptor.
	if err := os.Remove(filepath.Join(dir, "phi-3-mini.Q2_K.gguf")); err != nil {
		t.Fatal(err)
	}
	_, removed, err = reg.Rescan(dir)
	if err != nil {
		t.Fatalf("Rescan() error = %v", err)
	}
	if len(removed) != 1 {
		t.Errorf("Rescan() removed %v, want exactly the vanished model", removed)
	}
}

func TestDescriptorFromFile(t *testing.T) {
	tests := []struct {
		file      string
		wantID    string
		wantQuant models.Quantization
		wantTier  models.Tier
		wantPB    float64
	}{
		{"mistral-7b.Q4_K_M.gguf", "mistral-7b-q4", models.QuantQ4, models.TierPowerful, 7},
		{"phi-3-mini.Q2_K.gguf", "phi-3-mini-q2", models.QuantQ2, models.TierFast, 0},
		{"llama-3-8b.q3_k_m.gguf", "llama-3-8b-q3", models.QuantQ3, models.TierBalanced, 8},
		{"gemma-2b-f16.gguf", "gemma-2b-f16", models.QuantF16, models.TierPowerful, 2},
	}
	for _, tt := range tests {
		desc, ok := descriptorFromFile("/models/" + tt.file)
		if !ok {
			t.Errorf("descriptorFromFile(%q) not parsed", tt.file)
			continue
		}
		if desc.ID != tt.wantID {
			t.Errorf("%s: id = %q, want %q", tt.file, desc.ID, tt.wantID)
		}
		if desc.Quant != tt.wantQuant {
			t.Errorf("%s: quant = %v, want %v", tt.file, desc.Quant, tt.wantQuant)
		}
		if desc.Tier != tt.wantTier {
			t.Errorf("%s: tier = %v, want %v", tt.file, desc.Tier, tt.wantTier)
		}
		if desc.ParamsB != tt.wantPB {
			t.Errorf("%s: params = %v, want %v", tt.file, desc.ParamsB, tt.wantPB)
		}
	}

	if _, ok := descriptorFromFile("/models/README.md"); ok {
		t.Error("descriptorFromFile() parsed a non-gguf file")
	}
}
