package net

import (
	"fmt"
	"net"
)

// FreeLocalPort returns a loopback TCP port that was free when it was checked.
func FreeLocalPort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// FreeLocalAddr is FreeLocalPort as a dialable host:port.
func FreeLocalAddr() (string, int, error) {
	port, err := FreeLocalPort()
	if err != nil {
		return "", 0, err
	}
	return net.JoinHostPort("127.0.0.1", fmt.Sprint(port)), port, nil
}
