package fleet

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/synapsehq/synapse/pkg/models"
)

// Launcher starts external model server processes. Swapped out in tests.
type Launcher interface {
	Launch(ctx context.Context, desc models.ModelDescriptor) (Process, error)
}

// ExecLauncher runs a llama-server binary per model.
type ExecLauncher struct {
	// BinPath is the server binary; defaults to "llama-server" on PATH.
	BinPath string
}

// Launch starts the server process for desc and returns once it is running.
// Readiness is the caller's concern (the manager polls the health endpoint).
func (l ExecLauncher) Launch(ctx context.Context, desc models.ModelDescriptor) (Process, error) {
	bin := l.BinPath
	if bin == "" {
		bin = "llama-server"
	}

	cmd := exec.Command(bin, launchArgs(desc)...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start model server %s: %w", desc.ID, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan error, 1)}
	go func() { p.done <- cmd.Wait() }()

	log.Info().
		Str("model", desc.ID).
		Int("pid", cmd.Process.Pid).
		Int("port", desc.Port).
		Msg("model server launched")
	return p, nil
}

// launchArgs builds the llama-server command line for desc. Thinking maps to
// the reasoning budget: -1 leaves it unbounded, 0 disables reasoning tokens.
func launchArgs(desc models.ModelDescriptor) []string {
	args := []string{
		"-m", desc.FilePath,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(desc.Port),
	}
	if ov := desc.Overrides; ov != nil {
		if ov.GPULayers != nil {
			args = append(args, "--n-gpu-layers", strconv.Itoa(*ov.GPULayers))
		}
		if ov.ContextSize != nil {
			args = append(args, "--ctx-size", strconv.Itoa(*ov.ContextSize))
		}
		if ov.Threads != nil {
			args = append(args, "--threads", strconv.Itoa(*ov.Threads))
		}
		if ov.BatchSize != nil {
			args = append(args, "--batch-size", strconv.Itoa(*ov.BatchSize))
		}
		if ov.Thinking != nil {
			budget := "0"
			if *ov.Thinking {
				budget = "-1"
			}
			args = append(args, "--reasoning-budget", budget)
		}
	}
	return args
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan error
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Stop sends SIGTERM and escalates to SIGKILL when ctx expires first.
func (p *execProcess) Stop(ctx context.Context) error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return p.cmd.Process.Kill()
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		if err := p.cmd.Process.Kill(); err != nil {
			return err
		}
		<-p.done
		return nil
	}
}
