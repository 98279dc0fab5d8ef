// Package registry tracks every device and property the drivers have
// defined. It is the authority consulted before an inbound command is
// forwarded: unknown or read-only targets stop here.
//
// The registry is constructed once and passed to the components that need
// it; a bbolt snapshot lets command validation work right after a restart,
// before drivers have re-announced their properties.
package registry

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"remscope/pkg/indi"
)

// Property is one registered property of a device.
type Property struct {
	Name     string             `json:"name"`
	Type     indi.PropertyType  `json:"type"`
	Perm     indi.Perm          `json:"perm"`
	Rule     indi.SwitchRule    `json:"rule,omitempty"`
	Label    string             `json:"label,omitempty"`
	Group    string             `json:"group,omitempty"`
	State    indi.PropertyState `json:"state"`
	Elements []string           `json:"elements,omitempty"`
}

// Device is a named instrument and its properties.
type Device struct {
	Name       string               `json:"name"`
	Driver     string               `json:"driver,omitempty"` // owning driver label
	Connected  bool                 `json:"connected"`
	Properties map[string]*Property `json:"properties"`
}

// Registry is the in-memory device/property table, optionally backed by a
// snapshot store.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
	store   *store
	logger  log.FieldLogger
}

// New builds a Registry. When db is non-nil the persisted snapshot is
// loaded, with every restored device marked disconnected until its driver
// defines it again.
func New(db *bolt.DB, logger log.FieldLogger) (*Registry, error) {
	r := Registry{
		devices: make(map[string]*Device),
		logger:  logger,
	}

	if db != nil {
		st, err := newStore(db)
		if err != nil {
			return nil, fmt.Errorf("failed to open registry store: %v", err)
		}
		r.store = st

		devices, err := st.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load registry snapshot: %v", err)
		}
		for name, dev := range devices {
			dev.Connected = false
			r.devices[name] = dev
		}
		if len(devices) > 0 {
			logger.Infof("Restored %d devices from snapshot", len(devices))
		}
	}

	return &r, nil
}

// Define records a property definition from a driver. driver is the label
// of the process that produced it.
func (r *Registry) Define(m *indi.Message, driver string) {
	if m.Op != indi.OpDefine {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[m.Device]
	if !ok {
		dev = &Device{
			Name:       m.Device,
			Properties: make(map[string]*Property),
		}
		r.devices[m.Device] = dev
	}
	dev.Driver = driver
	dev.Connected = true

	prop := Property{
		Name:  m.Property,
		Type:  m.Type,
		Perm:  m.Perm,
		Rule:  m.Rule,
		Label: m.Label,
		Group: m.Group,
		State: m.State,
	}
	for _, e := range m.Elements {
		prop.Elements = append(prop.Elements, e.Name)
	}
	if m.Blob != nil {
		prop.Elements = append(prop.Elements, m.Blob.Name)
	}
	dev.Properties[m.Property] = &prop

	r.persist(dev)
}

// Update tracks the latest reported state of a property. Unknown targets
// are ignored; only definitions create entries.
func (r *Registry) Update(m *indi.Message) {
	if m.Op != indi.OpSet {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[m.Device]
	if !ok {
		return
	}
	if prop, ok := dev.Properties[m.Property]; ok {
		prop.State = m.State
	}
}

// Delete removes a property, or the whole device when property is empty.
func (r *Registry) Delete(device, property string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[device]
	if !ok {
		return
	}

	if property == "" {
		delete(r.devices, device)
		r.unpersist(device)
		return
	}

	delete(dev.Properties, property)
	r.persist(dev)
}

// Lookup returns a copy of the registered property.
func (r *Registry) Lookup(device, property string) (Property, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dev, ok := r.devices[device]
	if !ok {
		return Property{}, false
	}
	prop, ok := dev.Properties[property]
	if !ok {
		return Property{}, false
	}
	return *prop, true
}

// Device returns a shallow copy of a device's metadata. Its Properties map
// is nil; use PropertiesOf for the contents.
func (r *Registry) Device(name string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dev, ok := r.devices[name]
	if !ok {
		return Device{}, false
	}
	out := *dev
	out.Properties = nil
	return out, true
}

// Owner returns the driver label a device belongs to.
func (r *Registry) Owner(device string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dev, ok := r.devices[device]
	if !ok || dev.Driver == "" {
		return "", false
	}
	return dev.Driver, true
}

// SetConnected flips a device's connected flag, returning false for unknown
// devices.
func (r *Registry) SetConnected(device string, connected bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[device]
	if !ok {
		return false
	}
	dev.Connected = connected
	return true
}

// DevicesOf lists the device names owned by a driver, sorted.
func (r *Registry) DevicesOf(driver string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, dev := range r.devices {
		if dev.Driver == driver {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// PropertiesOf returns copies of a device's properties, sorted by name.
func (r *Registry) PropertiesOf(device string) []Property {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dev, ok := r.devices[device]
	if !ok {
		return nil
	}
	props := make([]Property, 0, len(dev.Properties))
	for _, p := range dev.Properties {
		props = append(props, *p)
	}
	sort.Slice(props, func(i, j int) bool { return props[i].Name < props[j].Name })
	return props
}

// Snapshot returns a deep copy of all devices, sorted by name, for the
// status surface.
func (r *Registry) Snapshot() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]Device, 0, len(r.devices))
	for _, dev := range r.devices {
		cp := Device{
			Name:       dev.Name,
			Driver:     dev.Driver,
			Connected:  dev.Connected,
			Properties: make(map[string]*Property, len(dev.Properties)),
		}
		for name, prop := range dev.Properties {
			p := *prop
			cp.Properties[name] = &p
		}
		devices = append(devices, cp)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })
	return devices
}

func (r *Registry) persist(dev *Device) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveDevice(dev); err != nil {
		r.logger.Warnf("failed to persist device %s: %v", dev.Name, err)
	}
}

func (r *Registry) unpersist(device string) {
	if r.store == nil {
		return
	}
	if err := r.store.DeleteDevice(device); err != nil {
		r.logger.Warnf("failed to remove device %s from store: %v", device, err)
	}
}
