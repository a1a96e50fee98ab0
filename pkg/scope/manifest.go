package scope

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest is the YAML summary written next to the transferred files.
type Manifest struct {
	RunID     string         `yaml:"run_id"`
	Finished  time.Time      `yaml:"finished"`
	Resource  string         `yaml:"resource"`
	Identity  string         `yaml:"identity"`
	Handshake string         `yaml:"handshake"`
	RemoteDir string         `yaml:"remote_dir"`
	OutputDir string         `yaml:"output_dir"`
	Attempted int            `yaml:"attempted"`
	Succeeded int            `yaml:"succeeded"`
	Files     []ManifestFile `yaml:"files"`
}

type ManifestFile struct {
	Name   string `yaml:"name"`
	Bytes  int    `yaml:"bytes,omitempty"`
	Status string `yaml:"status"`
	Reason string `yaml:"reason,omitempty"`
}

// NewManifest assembles a manifest from the run's results.
func NewManifest(runID string, finished time.Time, cfg Config, hs HandshakeResult, report TransferReport) Manifest {
	m := Manifest{
		RunID:     runID,
		Finished:  finished.UTC(),
		Resource:  cfg.Resource,
		Identity:  hs.Identity,
		Handshake: hs.Status.String(),
		RemoteDir: cfg.RemoteDir,
		OutputDir: report.OutputDir,
		Attempted: report.Attempted,
		Succeeded: report.Succeeded,
	}
	for _, o := range report.Outcomes {
		f := ManifestFile{Name: o.Name, Bytes: o.Bytes, Status: "ok"}
		if o.Err != nil {
			f.Status = "failed"
			f.Reason = transferErrorKind(o.Err)
		}
		m.Files = append(m.Files, f)
	}
	return m
}

// WriteManifest stores m as YAML in dir/name and returns the path.
func WriteManifest(dir, name string, m Manifest) (string, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("scope: encode manifest: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("scope: write manifest: %w", err)
	}
	return path, nil
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("scope: decode manifest %s: %w", path, err)
	}
	return m, nil
}
