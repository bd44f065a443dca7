package entity

// DeviceStatus is the connectivity status of a device session.
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
	DeviceStatusPaired  DeviceStatus = "paired"
)

// DeviceSession identifies the addressable execution target (the device)
// and its authorization principal (the user). Device auth and the
// credential vault are an external collaborator; this entity only carries
// the fields the pipeline reads.
type DeviceSession struct {
	deviceID     string
	userID       string
	platform     string
	capabilities []string
	timezone     string
	status       DeviceStatus
}

// NewDeviceSession creates a device session in the given status.
func NewDeviceSession(deviceID, userID, platform string, capabilities []string, timezone string, status DeviceStatus) *DeviceSession {
	return &DeviceSession{
		deviceID:     deviceID,
		userID:       userID,
		platform:     platform,
		capabilities: append([]string(nil), capabilities...),
		timezone:     timezone,
		status:       status,
	}
}

func (d *DeviceSession) DeviceID() string       { return d.deviceID }
func (d *DeviceSession) UserID() string         { return d.userID }
func (d *DeviceSession) Platform() string       { return d.platform }
func (d *DeviceSession) Timezone() string       { return d.timezone }
func (d *DeviceSession) Status() DeviceStatus    { return d.status }
func (d *DeviceSession) Capabilities() []string {
	out := make([]string, len(d.capabilities))
	copy(out, d.capabilities)
	return out
}

// HasCapability reports whether the device advertises the given capability.
func (d *DeviceSession) HasCapability(name string) bool {
	for _, c := range d.capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// SetStatus transitions the session's connectivity status.
func (d *DeviceSession) SetStatus(status DeviceStatus) {
	d.status = status
}

// IsOnline reports whether the device can currently accept execution
// commands.
func (d *DeviceSession) IsOnline() bool {
	return d.status == DeviceStatusOnline
}
