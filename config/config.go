package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// ScratchDir holds in-flight transfer files. Every file placed here is
	// owned by exactly one task and removed on its terminal transition.
	ScratchDir string `json:"scratch_dir" yaml:"scratch_dir"`
	// CredsDir holds the Telegram session file and per-user Drive token files.
	CredsDir string `json:"creds_dir" yaml:"creds_dir"`
	LogDir   string `json:"log_dir"   yaml:"log_dir"`
	// UsersFile is the durable role-assignment store.
	UsersFile string `json:"users_file" yaml:"users_file"`
	// DriveFolderID, when set, is the preconfigured upload destination. It
	// must reference a folder; otherwise the named-folder fallback applies.
	DriveFolderID string `json:"drive_folder_id" yaml:"drive_folder_id"`
	// DriveFolderName is the folder found-or-created at Drive root when no
	// valid DriveFolderID is configured.
	DriveFolderName string  `json:"drive_folder_name" yaml:"drive_folder_name"`
	SuperAdminIDs   []int64 `json:"super_admin_ids"   yaml:"super_admin_ids"`
	// TokenScanAlertThreshold triggers an admin alert log entry when the
	// startup token scan removes at least this many corrupt token files.
	// Zero disables the alert.
	TokenScanAlertThreshold int `json:"token_scan_alert_threshold" yaml:"token_scan_alert_threshold"`
}

func (cfg *Config) validate() error {
	if cfg.ScratchDir == "" {
		return errors.New("scratch dir is empty")
	}

	if cfg.CredsDir == "" {
		return errors.New("credentials dir is empty")
	}

	if cfg.LogDir == "" {
		return errors.New("log dir is empty")
	}

	if cfg.UsersFile == "" {
		return errors.New("users file is empty")
	}

	if cfg.DriveFolderID == "" && cfg.DriveFolderName == "" {
		return errors.New("either drive folder ID or drive folder name must be set")
	}

	if len(cfg.SuperAdminIDs) == 0 {
		return errors.New("at least one super admin ID must be set")
	}

	if cfg.TokenScanAlertThreshold < 0 {
		return errors.New("token scan alert threshold must not be negative")
	}

	return nil
}

func FromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if nil != err {
		return nil, fmt.Errorf("failed to read config file %q: %v", filePath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); nil != err {
		return nil, fmt.Errorf("failed to unmarshal config file %q: %v", filePath, err)
	}

	if err := cfg.validate(); nil != err {
		return nil, fmt.Errorf("validation failed: %v", err)
	}

	return &cfg, nil
}

func FromString(data string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(data), &cfg); nil != err {
		return nil, fmt.Errorf("failed to unmarshal config: %v", err)
	}

	if err := cfg.validate(); nil != err {
		return nil, fmt.Errorf("validation failed: %v", err)
	}

	return &cfg, nil
}
