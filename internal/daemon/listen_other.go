//go:build !linux
// +build !linux

package daemon

import "net"

func listenUnix(path string, backlog int) (net.Listener, error) {
	return net.Listen("unix", path)
}
