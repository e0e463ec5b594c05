//go:build linux

package socketcan

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-stalk-gateway/internal/can"
)

type Device struct {
	fd int
}

// Open binds a raw CAN socket to iface with error frames enabled.
func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// Older kernels may not know this option.
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER, errFilter); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("enable error frames: %w", err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// ReadFrame reads one classic CAN frame or error frame from the socket.
func (d *Device) ReadFrame(fr *can.Frame) (Condition, error) {
	var buf [mtu]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return CondNone, err
	}
	return decode(buf[:n], fr)
}

// WriteFrame writes one classic CAN frame to the socket.
func (d *Device) WriteFrame(fr can.Frame) error {
	var buf [mtu]byte
	encode(fr, &buf)
	_, err := unix.Write(d.fd, buf[:])
	return err
}
