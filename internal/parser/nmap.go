package parser

import (
	"fmt"
	"strconv"

	"github.com/Ullaakut/nmap/v3"

	"github.com/anstrom/scanpilot/internal/tools"
)

// Host is one scanned host from an nmap report.
type Host struct {
	Status    string    `json:"status"`
	Address   string    `json:"address"`
	Addresses []Address `json:"addresses"`
	Ports     []Port    `json:"ports"`
}

// Address is one address of a host.
type Address struct {
	Addr     string `json:"addr"`
	AddrType string `json:"addrtype"`
}

// Port is one probed port. Service is nil when nmap reported none.
type Port struct {
	Port     string   `json:"port"`
	Protocol string   `json:"protocol"`
	State    string   `json:"state"`
	Service  *Service `json:"service,omitempty"`
}

// Service describes what nmap detected on a port.
type Service struct {
	Name      string `json:"name"`
	Product   string `json:"product,omitempty"`
	Version   string `json:"version,omitempty"`
	ExtraInfo string `json:"extrainfo,omitempty"`
}

func parseNmap(stdout, stderr string) Findings {
	doc, ok := xmlContent(stdout, stderr, "nmaprun")
	if !ok {
		return textFallback(tools.Nmap)
	}

	run := &nmap.Run{}
	if err := nmap.Parse([]byte(doc), run); err != nil {
		return parseFailure(tools.Nmap, fmt.Errorf("XML parse error: %w", err))
	}

	f := Findings{Tool: string(tools.Nmap), Parsed: true, Format: FormatXML, Hosts: make([]Host, 0, len(run.Hosts))}
	for i := range run.Hosts {
		f.Hosts = append(f.Hosts, convertHost(&run.Hosts[i]))
	}
	return f
}

func convertHost(h *nmap.Host) Host {
	host := Host{
		Status:    h.Status.State,
		Addresses: make([]Address, 0, len(h.Addresses)),
		Ports:     make([]Port, 0, len(h.Ports)),
	}
	for _, a := range h.Addresses {
		host.Addresses = append(host.Addresses, Address{Addr: a.Addr, AddrType: a.AddrType})
	}
	if len(host.Addresses) > 0 {
		host.Address = host.Addresses[0].Addr
	}

	for j := range h.Ports {
		p := &h.Ports[j]
		port := Port{
			Port:     strconv.Itoa(int(p.ID)),
			Protocol: p.Protocol,
			State:    p.State.State,
		}
		if p.Service.Name != "" || p.Service.Product != "" {
			port.Service = &Service{
				Name:      p.Service.Name,
				Product:   p.Service.Product,
				Version:   p.Service.Version,
				ExtraInfo: p.Service.ExtraInfo,
			}
		}
		host.Ports = append(host.Ports, port)
	}
	return host
}

// OpenPorts returns every open port across all hosts.
func (f Findings) OpenPorts() []Port {
	var out []Port
	for _, h := range f.Hosts {
		for _, p := range h.Ports {
			if p.State == "open" {
				out = append(out, p)
			}
		}
	}
	return out
}
