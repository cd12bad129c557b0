package agent

import (
	"net"
	"os"
	"runtime"

	"worksync/internal/agent/remote"
)

func deviceInfo() remote.DeviceInfo {
	hostname, _ := os.Hostname()
	return remote.DeviceInfo{
		Hostname:  hostname,
		OS:        runtime.GOOS,
		IPAddress: localIP(),
	}
}

// localIP returns the first non-loopback IPv4 address.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "unknown"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return ipNet.IP.String()
		}
	}
	return "unknown"
}
