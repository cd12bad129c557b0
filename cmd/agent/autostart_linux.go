//go:build linux

package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// installAutostart writes an XDG autostart entry for the desktop session.
func installAutostart() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", err
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	dest := filepath.Join(configDir, "autostart", "worksync-agent.desktop")
	entry := fmt.Sprintf("[Desktop Entry]\nType=Application\nName=WorkSync Agent\nExec=%q\nX-GNOME-Autostart-enabled=true\n", exePath)
	return writeIfChanged(dest, entry)
}
