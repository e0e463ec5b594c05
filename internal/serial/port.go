package serial

import (
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}

// Setup sends the close, bitrate and open sequence to an SLCAN adapter.
func Setup(p Port, kbps int) error {
	cmds, err := SetupCommands(kbps)
	if err != nil {
		return err
	}
	for _, c := range cmds {
		if _, err := p.Write(c); err != nil {
			return fmt.Errorf("slcan setup %q: %w", c[:len(c)-1], err)
		}
	}
	return nil
}
