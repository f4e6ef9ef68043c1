// Package smb provides an SMB/CIFS network share storage backend.
// The share must be pre-mounted on the host (mount.cifs or fstab); all I/O
// goes through the local filesystem backend at the mount path.
package smb

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ardzix/masjid-display-service/internal/storage/local"
)

// Config holds SMB backend settings. Server is informational only.
type Config struct {
	Server    string `json:"server"`     // e.g. //nas.masjid.local/media
	MountPath string `json:"mount_path"` // local mount point of the share
	BaseURL   string `json:"base_url"`
}

// SMBBackend wraps a LocalBackend at the SMB mount point.
type SMBBackend struct {
	*local.LocalBackend
	server string
}

// New creates a new SMB backend from the given config.
func New(cfg Config) (*SMBBackend, error) {
	if cfg.MountPath == "" {
		return nil, fmt.Errorf("mount_path is required")
	}

	// The mount point must already exist; creating it would write to the
	// host disk instead of the share. Folders below it are created on write.
	info, err := os.Stat(cfg.MountPath)
	if err != nil {
		return nil, fmt.Errorf("smb mount %s: %w", cfg.MountPath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("smb mount %s is not a directory", cfg.MountPath)
	}

	lb, err := local.New(local.Config{
		RootPath:   cfg.MountPath,
		CreateDirs: true,
		BaseURL:    cfg.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("smb backend at %s: %w", cfg.MountPath, err)
	}

	return &SMBBackend{LocalBackend: lb, server: cfg.Server}, nil
}

// NewFromJSON creates an SMBBackend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*SMBBackend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse smb config: %w", err)
	}
	return New(cfg)
}

// Server returns the configured share address.
func (b *SMBBackend) Server() string { return b.server }

// Type returns "smb".
func (b *SMBBackend) Type() string { return "smb" }
