package session

import (
	"os"
	"path/filepath"
)

// HomeEnv overrides the base directory when set.
const HomeEnv = "AIR_HOME"

const keyFile = "store.key"

// BaseDir returns $AIR_HOME, or ~/.air.
func BaseDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".air")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// SocketPath returns the UDS socket path for a session.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// LockPath returns the lock file path for a session.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// StorePath returns the encrypted client database shared by the daemon and
// the notification extension.
func StorePath(name string) string {
	return filepath.Join(Dir(name), "air.db")
}

// KeyPath returns the random store key file.
func KeyPath(name string) string {
	return filepath.Join(Dir(name), keyFile)
}

// KeyPathFor returns the key file that belongs to the store at storePath.
// The notification extension only knows the store path.
func KeyPathFor(storePath string) string {
	return filepath.Join(filepath.Dir(storePath), keyFile)
}

// SaltPath returns the argon2 salt used when the store key comes from a
// passphrase.
func SaltPath(name string) string {
	return filepath.Join(Dir(name), "store.salt")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "airsyncd.log")
}

// BackgroundLogPath returns the notification extension's log file.
func BackgroundLogPath(name string) string {
	return filepath.Join(LogDir(name), "airnse.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
