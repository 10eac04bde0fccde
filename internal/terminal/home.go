package terminal

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	startupScriptName = ".shellgate_env"
	sourceLine        = `[ -f "$HOME/.shellgate_env" ] && . "$HOME/.shellgate_env"`
)

// prepareHomeLocked creates the shared shell home and makes sure .bashrc
// sources the startup script.
func (r *Registry) prepareHomeLocked() error {
	if r.homeDir == "" {
		return fmt.Errorf("terminal home directory is not configured")
	}
	if err := os.MkdirAll(r.homeDir, 0o700); err != nil {
		return fmt.Errorf("create terminal home: %w", err)
	}

	rc := filepath.Join(r.homeDir, ".bashrc")
	existing, err := os.ReadFile(rc)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read .bashrc: %w", err)
	}
	if !bytes.Contains(existing, []byte(sourceLine)) {
		f, err := os.OpenFile(rc, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open .bashrc: %w", err)
		}
		_, werr := fmt.Fprintf(f, "\n%s\n", sourceLine)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return fmt.Errorf("update .bashrc: %w", werr)
		}
	}

	if _, err := os.Stat(filepath.Join(r.homeDir, startupScriptName)); os.IsNotExist(err) {
		return r.writeStartupScriptLocked()
	}
	return nil
}

// writeStartupScriptLocked writes the exports for the current token and env
// vars. The file is replaced atomically so a shell never sources a partial
// script.
func (r *Registry) writeStartupScriptLocked() error {
	if r.homeDir == "" {
		return nil
	}
	if err := os.MkdirAll(r.homeDir, 0o700); err != nil {
		return fmt.Errorf("create terminal home: %w", err)
	}

	var b strings.Builder
	b.WriteString("# Managed by shellgate. Rewritten on token rotation and config changes.\n")
	fmt.Fprintf(&b, "export %s=%s\n", TokenEnvVar, shellQuote(r.token))
	for _, k := range sortedKeys(r.envVars) {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(r.envVars[k]))
	}

	path := filepath.Join(r.homeDir, startupScriptName)
	tmp, err := os.CreateTemp(r.homeDir, startupScriptName+".*")
	if err != nil {
		return fmt.Errorf("create startup script: %w", err)
	}
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write startup script: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write startup script: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("install startup script: %w", err)
	}
	return nil
}

// shellQuote wraps s in single quotes for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
