package netdetect

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/gopacket/pcap"
)

// InterfaceInfo represents a network interface with its properties.
type InterfaceInfo struct {
	Name        string   // System interface name (e.g., "en0", "eth0", "\Device\NPF_{GUID}")
	DisplayName string   // Human-readable name for display
	Description string   // Human-readable description
	Addresses   []string // IP addresses assigned to this interface
	MAC         net.HardwareAddr
	IsUp        bool
	IsLoopback  bool
}

// ListInterfaces returns all interfaces suitable for raw Ethernet use.
func ListInterfaces() ([]InterfaceInfo, error) {
	devices, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("find network devices: %w", err)
	}

	var interfaces []InterfaceInfo
	for _, device := range devices {
		info := InterfaceInfo{
			Name:        device.Name,
			DisplayName: device.Name,
			Description: device.Description,
		}

		for _, addr := range device.Addresses {
			if addr.IP != nil {
				info.Addresses = append(info.Addresses, addr.IP.String())
				if addr.IP.IsLoopback() {
					info.IsLoopback = true
				}
			}
		}

		iface, err := net.InterfaceByName(device.Name)
		if err == nil {
			info.IsUp = (iface.Flags & net.FlagUp) != 0
			info.MAC = iface.HardwareAddr
			if iface.Name != "" && iface.Name != device.Name {
				info.DisplayName = iface.Name
			}
		}

		// Windows pcap names are GUIDs; prefer the description there
		if info.Description != "" && isGUIDName(info.Name) {
			info.DisplayName = info.Description
		}

		interfaces = append(interfaces, info)
	}

	return interfaces, nil
}

// isGUIDName checks if a name looks like a Windows GUID-style interface name.
func isGUIDName(name string) bool {
	return len(name) > 20 && (strings.Contains(name, "{") || strings.HasPrefix(name, "\\Device\\"))
}

// ControllerIdentity is the local endpoint used for PROFINET traffic.
type ControllerIdentity struct {
	Interface string
	MAC       net.HardwareAddr
	IP        net.IP
}

// Autodetect resolves the controller's interface, MAC and IPv4
// address. With an empty iface it picks the first up, non-loopback
// interface carrying both a MAC and an IPv4 address.
func Autodetect(iface string) (ControllerIdentity, error) {
	interfaces, err := ListInterfaces()
	if err != nil {
		return ControllerIdentity{}, err
	}

	for _, info := range interfaces {
		if iface != "" && info.Name != iface && info.DisplayName != iface {
			continue
		}
		if iface == "" && (info.IsLoopback || !info.IsUp) {
			continue
		}
		ip := firstIPv4(info.Addresses)
		if len(info.MAC) != 6 || ip == nil {
			if iface != "" {
				return ControllerIdentity{}, fmt.Errorf("interface %s lacks a MAC or IPv4 address", iface)
			}
			continue
		}
		return ControllerIdentity{Interface: info.Name, MAC: info.MAC, IP: ip}, nil
	}

	if iface != "" {
		return ControllerIdentity{}, fmt.Errorf("interface %s not found", iface)
	}
	return ControllerIdentity{}, fmt.Errorf("no usable non-loopback interface found")
}

func firstIPv4(addrs []string) net.IP {
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}
		if ip4 := ip.To4(); ip4 != nil {
			return ip4
		}
	}
	return nil
}

// DisplayName returns a display-friendly name for an interface.
func DisplayName(info InterfaceInfo) string {
	if info.DisplayName != "" && info.DisplayName != info.Name {
		return info.DisplayName
	}
	if info.Description != "" && info.Description != info.Name {
		return info.Description
	}
	return info.Name
}

// AddressString returns a short comma-separated address summary.
func AddressString(info InterfaceInfo) string {
	if len(info.Addresses) == 0 {
		return "no addresses"
	}
	result := info.Addresses[0]
	for i := 1; i < len(info.Addresses) && i < 3; i++ {
		result += ", " + info.Addresses[i]
	}
	if len(info.Addresses) > 3 {
		result += fmt.Sprintf(" (+%d more)", len(info.Addresses)-3)
	}
	return result
}
