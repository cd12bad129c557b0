//go:build !windows && !linux && !darwin

package main

import "golang.org/x/xerrors"

func installAutostart() (string, error) {
	return "", xerrors.New("autostart is not supported on this platform")
}
