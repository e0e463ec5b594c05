//go:build !linux

package socketcan

// Open is unavailable off Linux.
func Open(iface string) (Dev, error) { return nil, ErrUnsupported }
