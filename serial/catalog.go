package serial

import (
	"log/slog"
	"sort"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// PortInfo describes an attached serial device. Only Name is guaranteed;
// the USB fields are filled when the OS exposes them.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"is_usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

// Catalog enumerates serial devices currently attached to the host
type Catalog struct {
	detailed func() ([]*enumerator.PortDetails, error)
	names    func() ([]string, error)
	logger   *slog.Logger
}

// NewCatalog creates a Catalog backed by go.bug.st/serial
func NewCatalog(logger *slog.Logger) *Catalog {
	return &Catalog{
		detailed: enumerator.GetDetailedPortsList,
		names:    serial.GetPortsList,
		logger:   logger,
	}
}

// List returns the attached ports sorted by name. Enumeration failures
// yield an empty list: callers cannot tell "no ports" from "enumeration
// failed", and do not need to.
func (c *Catalog) List() []PortInfo {
	ports := c.listDetailed()
	if ports == nil {
		ports = c.listNames()
	}
	if ports == nil {
		return []PortInfo{}
	}

	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
	return ports
}

func (c *Catalog) listDetailed() []PortInfo {
	details, err := c.detailed()
	if err != nil {
		c.logger.Debug("Detailed port enumeration failed", "error", err)
		return nil
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		if d == nil || d.Name == "" {
			continue
		}
		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports
}

func (c *Catalog) listNames() []PortInfo {
	names, err := c.names()
	if err != nil {
		c.logger.Debug("Port enumeration failed", "error", err)
		return nil
	}

	ports := make([]PortInfo, 0, len(names))
	for _, name := range names {
		if name != "" {
			ports = append(ports, PortInfo{Name: name})
		}
	}
	return ports
}
