// Package sdnotify reports the aegis daemon's lifecycle to systemd by
// writing sd_notify states to the NOTIFY_SOCKET datagram socket. No cgo;
// outside a systemd unit every call is a no-op.
package sdnotify

import (
	"net"
	"os"
)

// Ready reports the daemon has finished startup and its loops are live.
func Ready() error {
	return notify("READY=1")
}

// Watchdog pets the systemd watchdog. The daemon calls this on a ticker
// shorter than WatchdogSec.
func Watchdog() error {
	return notify("WATCHDOG=1")
}

// Stopping reports the daemon has begun draining for shutdown.
func Stopping() error {
	return notify("STOPPING=1")
}

// Status sets the free-form status line shown by systemctl status.
func Status(msg string) error {
	return notify("STATUS=" + msg)
}

func notify(state string) error {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return nil // not running under systemd
	}

	conn, err := net.Dial("unixgram", socketPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Write([]byte(state))
	return err
}
