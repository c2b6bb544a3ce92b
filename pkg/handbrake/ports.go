package handbrake

import (
	"fmt"

	"go.bug.st/serial/enumerator"
)

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(details))
	for _, d := range details {
		result = append(result, Port{
			Name:        d.Name,
			Description: describePort(d),
		})
	}

	return result, nil
}

// describePort builds a human readable description, falling back to the name.
func describePort(d *enumerator.PortDetails) string {
	if !d.IsUSB {
		return d.Name
	}
	if d.Product != "" {
		return d.Product
	}
	return fmt.Sprintf("USB %s:%s", d.VID, d.PID)
}
