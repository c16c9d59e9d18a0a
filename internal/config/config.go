package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// USBConfig holds the process-level settings for locating the ADB
// device and persisting the host key, loaded with the same
// .env-file-then-environment-variable layering the rest of this repo's
// tooling uses.
type USBConfig struct {
	VendorID  uint16
	ProductID uint16
	KeyPath   string
}

var (
	usbConfig    *USBConfig
	configLoaded bool
)

const defaultKeyPath = "adbhost.key.json"

func LoadUSBConfig() (*USBConfig, error) {
	if usbConfig != nil && configLoaded {
		return usbConfig, nil
	}

	cfg := &USBConfig{KeyPath: defaultKeyPath}

	projectRoot := findProjectRoot()
	envPath := filepath.Join(projectRoot, ".env")

	data, err := os.ReadFile(envPath)
	if err == nil {
		parseEnvFile(string(data), cfg)
	}

	if vid := os.Getenv("ADB_USB_VENDOR_ID"); vid != "" {
		if v, err := strconv.ParseUint(vid, 0, 16); err == nil {
			cfg.VendorID = uint16(v)
		}
	}
	if pid := os.Getenv("ADB_USB_PRODUCT_ID"); pid != "" {
		if v, err := strconv.ParseUint(pid, 0, 16); err == nil {
			cfg.ProductID = uint16(v)
		}
	}
	if path := os.Getenv("ADB_KEY_PATH"); path != "" {
		cfg.KeyPath = path
	}

	usbConfig = cfg
	configLoaded = true
	return cfg, nil
}

func parseEnvFile(content string, cfg *USBConfig) {
	lines := strings.Split(content, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "ADB_USB_VENDOR_ID":
			if v, err := strconv.ParseUint(value, 0, 16); err == nil {
				cfg.VendorID = uint16(v)
			}
		case "ADB_USB_PRODUCT_ID":
			if v, err := strconv.ParseUint(value, 0, 16); err == nil {
				cfg.ProductID = uint16(v)
			}
		case "ADB_KEY_PATH":
			cfg.KeyPath = value
		}
	}
}

func findProjectRoot() string {
	cwd, _ := os.Getwd()
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}

// GetUSBIDs returns the configured vendor/product id override, or
// (0, 0) to match any device exposing the ADB interface descriptor.
func GetUSBIDs() (vid, pid uint16) {
	cfg, err := LoadUSBConfig()
	if err != nil {
		return 0, 0
	}
	return cfg.VendorID, cfg.ProductID
}

// GetKeyPath returns the configured host key-store path.
func GetKeyPath() string {
	cfg, err := LoadUSBConfig()
	if err != nil || cfg.KeyPath == "" {
		return defaultKeyPath
	}
	return cfg.KeyPath
}
