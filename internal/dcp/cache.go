package dcp

// Device cache populated from DCP identify responses

import (
	"net"
	"sort"
	"sync"
	"time"
)

// DeviceIdentity describes a device as last seen on the wire. It carries
// no connection state; ownership of a connection lives with the AR.
type DeviceIdentity struct {
	MAC         net.HardwareAddr
	Address     net.IP
	Mask        net.IP
	Gateway     net.IP
	StationName string
	VendorID    uint16
	DeviceID    uint16
	VendorName  string
	Role        uint8
	LastSeen    time.Time
}

// Clone returns a deep copy safe to hand across the cache boundary.
func (d DeviceIdentity) Clone() DeviceIdentity {
	c := d
	c.MAC = append(net.HardwareAddr(nil), d.MAC...)
	c.Address = append(net.IP(nil), d.Address...)
	c.Mask = append(net.IP(nil), d.Mask...)
	c.Gateway = append(net.IP(nil), d.Gateway...)
	return c
}

// Cache holds discovered devices keyed by MAC address. Entries never
// expire on their own; callers clear explicitly when appropriate.
type Cache struct {
	mu      sync.Mutex
	devices map[string]*DeviceIdentity
}

// NewCache creates an empty device cache.
func NewCache() *Cache {
	return &Cache{devices: make(map[string]*DeviceIdentity)}
}

// Upsert merges an identify response into the cache and returns a
// snapshot of the updated entry. Zero-valued fields in update do not
// overwrite known values.
func (c *Cache) Upsert(update DeviceIdentity) DeviceIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := update.MAC.String()
	dev, ok := c.devices[key]
	if !ok {
		dev = &DeviceIdentity{MAC: append(net.HardwareAddr(nil), update.MAC...)}
		c.devices[key] = dev
	}

	if update.Address != nil {
		dev.Address = append(net.IP(nil), update.Address...)
	}
	if update.Mask != nil {
		dev.Mask = append(net.IP(nil), update.Mask...)
	}
	if update.Gateway != nil {
		dev.Gateway = append(net.IP(nil), update.Gateway...)
	}
	if update.StationName != "" {
		dev.StationName = update.StationName
	}
	if update.VendorID != 0 {
		dev.VendorID = update.VendorID
	}
	if update.DeviceID != 0 {
		dev.DeviceID = update.DeviceID
	}
	if update.VendorName != "" {
		dev.VendorName = update.VendorName
	}
	if update.Role != 0 {
		dev.Role = update.Role
	}
	dev.LastSeen = update.LastSeen
	if dev.LastSeen.IsZero() {
		dev.LastSeen = time.Now()
	}

	return dev.Clone()
}

// Get returns the cached entry for a MAC, if present.
func (c *Cache) Get(mac net.HardwareAddr) (DeviceIdentity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dev, ok := c.devices[mac.String()]
	if !ok {
		return DeviceIdentity{}, false
	}
	return dev.Clone(), true
}

// GetByName returns the cached entry with the given station name.
func (c *Cache) GetByName(name string) (DeviceIdentity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, dev := range c.devices {
		if dev.StationName == name {
			return dev.Clone(), true
		}
	}
	return DeviceIdentity{}, false
}

// List returns all cached devices ordered by station name then MAC.
func (c *Cache) List() []DeviceIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]DeviceIdentity, 0, len(c.devices))
	for _, dev := range c.devices {
		out = append(out, dev.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StationName != out[j].StationName {
			return out[i].StationName < out[j].StationName
		}
		return out[i].MAC.String() < out[j].MAC.String()
	})
	return out
}

// Len returns the number of cached devices.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.devices)
}

// Clear removes all cached devices.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices = make(map[string]*DeviceIdentity)
}
