//go:build windows

package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// installAutostart drops a launcher script into the user's Startup folder.
func installAutostart() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", err
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	startupDir := filepath.Join(configDir, "Microsoft", "Windows", "Start Menu", "Programs", "Startup")
	dest := filepath.Join(startupDir, "worksync-agent.cmd")
	script := fmt.Sprintf("@echo off\r\nstart \"\" \"%s\"\r\n", exePath)
	return writeIfChanged(dest, script)
}
