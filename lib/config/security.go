package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// SecureFilePermissions for the config and key files.
const SecureFilePermissions = 0o600

// SecureDirPermissions for the base directory.
const SecureDirPermissions = 0o700

// CreateSecureDirectory creates path with owner-only permissions.
func CreateSecureDirectory(path string) error {
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(cleanPath, SecureDirPermissions); err != nil {
		return oops.Wrapf(err, "failed to create secure directory %q", cleanPath)
	}

	// MkdirAll leaves an existing directory's mode alone
	if err := os.Chmod(cleanPath, SecureDirPermissions); err != nil {
		log.WithFields(logger.Fields{
			"at":     "CreateSecureDirectory",
			"reason": "chmod_failed",
			"path":   cleanPath,
		}).WithError(err).Warn("could not set secure permissions on directory")
	}

	log.WithFields(logger.Fields{
		"at":     "CreateSecureDirectory",
		"reason": "directory_created",
		"path":   cleanPath,
		"mode":   fmt.Sprintf("%04o", SecureDirPermissions),
	}).Debug("created secure directory")
	return nil
}

// WriteSecureFile writes data to path with owner-only permissions.
func WriteSecureFile(path string, data []byte) error {
	cleanPath := filepath.Clean(path)
	if err := os.WriteFile(cleanPath, data, SecureFilePermissions); err != nil {
		return oops.Wrapf(err, "failed to write secure file %q", cleanPath)
	}
	if err := os.Chmod(cleanPath, SecureFilePermissions); err != nil {
		log.WithFields(logger.Fields{
			"at":     "WriteSecureFile",
			"reason": "chmod_failed",
			"path":   cleanPath,
		}).WithError(err).Warn("could not set secure permissions on file")
	}
	return nil
}

// IsPathSecure reports whether path grants no permission bits beyond
// maxMode. A path that does not exist is secure.
func IsPathSecure(path string, maxMode os.FileMode) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return info.Mode().Perm()&^maxMode == 0, nil
}
