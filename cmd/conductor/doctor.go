package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/conductor/internal/config"
	"github.com/basket/conductor/internal/workspace"
)

// doctorCheck is one diagnostic result.
type doctorCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// runDoctorCommand checks the engine's external preconditions: config
// validity, Docker reachability, and socket-path writability.
func runDoctorCommand(ctx context.Context, configPath string, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	checks := runDoctorChecks(ctx, configPath)

	allOK := true
	for _, c := range checks {
		if !c.OK {
			allOK = false
		}
	}

	if *jsonOut {
		_ = json.NewEncoder(os.Stdout).Encode(checks)
	} else {
		for _, c := range checks {
			mark := "ok"
			if !c.OK {
				mark = "FAIL"
			}
			fmt.Printf("%-24s %-4s %s\n", c.Name, mark, c.Detail)
		}
	}

	if allOK {
		return 0
	}
	return 1
}

func runDoctorChecks(ctx context.Context, configPath string) []doctorCheck {
	var checks []doctorCheck

	cfg, err := config.Load(configPath)
	if err != nil {
		checks = append(checks, doctorCheck{Name: "config", OK: false, Detail: err.Error()})
		return checks
	}
	checks = append(checks, doctorCheck{Name: "config", OK: true, Detail: config.ConfigPath(cfg.HomeDir)})

	checks = append(checks, checkWritableDir("home_dir", cfg.HomeDir))
	checks = append(checks, checkWritableDir("workspace_root", cfg.WorkspaceRoot))
	checks = append(checks, checkSocketPath(cfg.Communication.SocketPath))
	checks = append(checks, checkDocker(ctx, cfg))

	return checks
}

// checkWritableDir verifies the directory exists (creating it if needed) and
// accepts writes.
func checkWritableDir(name, dir string) doctorCheck {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return doctorCheck{Name: name, OK: false, Detail: err.Error()}
	}
	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return doctorCheck{Name: name, OK: false, Detail: err.Error()}
	}
	_ = os.Remove(probe)
	return doctorCheck{Name: name, OK: true, Detail: dir}
}

// checkSocketPath verifies the broker socket's parent directory is writable
// and no live socket squats on the path.
func checkSocketPath(path string) doctorCheck {
	dir := filepath.Dir(path)
	if c := checkWritableDir("socket_dir", dir); !c.OK {
		return doctorCheck{Name: "socket_path", OK: false, Detail: c.Detail}
	}
	if _, err := os.Stat(path); err == nil {
		return doctorCheck{Name: "socket_path", OK: true, Detail: path + " (stale socket will be unlinked)"}
	}
	return doctorCheck{Name: "socket_path", OK: true, Detail: path}
}

func checkDocker(ctx context.Context, cfg *config.Config) doctorCheck {
	ctl, err := workspace.NewDockerController(workspace.Options{
		WorkspaceRoot: cfg.WorkspaceRoot,
		DefaultEnv:    cfg.Workspace.DefaultEnv,
		Environments:  cfg.Workspace.Environments,
	})
	if err != nil {
		return doctorCheck{Name: "docker", OK: false, Detail: err.Error()}
	}
	defer ctl.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := ctl.Ping(pingCtx); err != nil {
		return doctorCheck{Name: "docker", OK: false, Detail: err.Error()}
	}
	return doctorCheck{Name: "docker", OK: true, Detail: "daemon reachable"}
}
