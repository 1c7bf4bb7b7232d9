package kernel

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// ResolveInterpreter maps an optional environment root to a concrete
// interpreter path. Preference order: explicit env root (OS-specific
// layout), then a PATH lookup of the configured fallback. The returned
// environment name is the env root's base name, or "system".
func ResolveInterpreter(envRoot, fallback string) (string, string, error) {
	if envRoot != "" {
		root := filepath.Clean(envRoot)
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			return "", "", fmt.Errorf("environment root %s is not a directory", envRoot)
		}
		for _, rel := range interpreterCandidates() {
			p := filepath.Join(root, rel)
			if isExecutable(p) {
				return p, filepath.Base(root), nil
			}
		}
		return "", "", fmt.Errorf("no interpreter under %s (tried %s)",
			envRoot, strings.Join(interpreterCandidates(), ", "))
	}
	if fallback == "" {
		fallback = "python3"
	}
	p, err := exec.LookPath(fallback)
	if err != nil {
		return "", "", fmt.Errorf("interpreter %q not found on PATH: %w", fallback, err)
	}
	return p, "system", nil
}

func interpreterCandidates() []string {
	if runtime.GOOS == "windows" {
		return []string{filepath.Join("Scripts", "python.exe"), "python.exe"}
	}
	return []string{filepath.Join("bin", "python3"), filepath.Join("bin", "python")}
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}

// childEnv builds the kernel subprocess environment: the server env plus
// the reaping marker, the owning server pid, and virtualenv activation
// when an env root is in play.
func childEnv(kernelUUID, envRoot, interpreter string) []string {
	env := os.Environ()
	env = append(env,
		EnvKernelUUID+"="+kernelUUID,
		EnvServerPID+"="+fmt.Sprintf("%d", os.Getpid()),
	)
	if envRoot != "" {
		binDir := filepath.Dir(interpreter)
		env = append(env, "VIRTUAL_ENV="+envRoot)
		env = setPath(env, binDir)
	}
	return env
}

// setPath prepends dir to PATH, replacing the existing entry.
func setPath(env []string, dir string) []string {
	sep := string(os.PathListSeparator)
	for i, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			env[i] = "PATH=" + dir + sep + strings.TrimPrefix(kv, "PATH=")
			return env
		}
	}
	return append(env, "PATH="+dir)
}
