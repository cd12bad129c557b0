//go:build darwin

package main

import (
	"fmt"
	"os"
	"path/filepath"
)

const launchAgent = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>com.worksync.agent</string>
	<key>ProgramArguments</key>
	<array>
		<string>%s</string>
	</array>
	<key>RunAtLoad</key>
	<true/>
</dict>
</plist>
`

// installAutostart registers a per-user LaunchAgent.
func installAutostart() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", err
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dest := filepath.Join(home, "Library", "LaunchAgents", "com.worksync.agent.plist")
	content := fmt.Sprintf(launchAgent, exePath)
	return writeIfChanged(dest, content)
}
