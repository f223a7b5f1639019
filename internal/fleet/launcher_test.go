package fleet

import (
	"strings"
	"testing"

	"github.com/synapsehq/synapse/pkg/models"
)

func TestLaunchArgs(t *testing.T) {
	desc := models.ModelDescriptor{
		ID:       "phi-3-mini-q2",
		FilePath: "/models/phi-3-mini.q2_k.gguf",
		Port:     8601,
	}

	base := strings.Join(launchArgs(desc), " ")
	if base != "-m /models/phi-3-mini.q2_k.gguf --host 127.0.0.1 --port 8601" {
		t.Errorf("base args = %q", base)
	}

	layers, ctxSize, threads, batch := 32, 4096, 8, 512
	thinking := false
	desc.Overrides = &models.RuntimeOverrides{
		GPULayers:   &layers,
		ContextSize: &ctxSize,
		Threads:     &threads,
		BatchSize:   &batch,
		Thinking:    &thinking,
	}
	got := strings.Join(launchArgs(desc), " ")
	for _, want := range []string{
		"--n-gpu-layers 32",
		"--ctx-size 4096",
		"--threads 8",
		"--batch-size 512",
		"--reasoning-budget 0",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("args %q missing %q", got, want)
		}
	}

	thinking = true
	got = strings.Join(launchArgs(desc), " ")
	if !strings.Contains(got, "--reasoning-budget -1") {
		t.Errorf("args %q, want unbounded reasoning budget", got)
	}
}
