package protocol

import (
	"fmt"
	"strings"
)

// DeviceClass is the hardware family a peer reports during the session handshake.
type DeviceClass uint8

const (
	DeviceUnknown DeviceClass = iota
	DevicePhone
	DeviceTablet
	DeviceDesktop
	DeviceWatch
	DeviceHeadsetXR
	DeviceTV
)

var deviceNames = map[DeviceClass]string{
	DeviceUnknown:   "unknown",
	DevicePhone:     "phone",
	DeviceTablet:    "tablet",
	DeviceDesktop:   "desktop",
	DeviceWatch:     "watch",
	DeviceHeadsetXR: "headset-xr",
	DeviceTV:        "tv",
}

// DeviceClasses returns every concrete class, excluding DeviceUnknown.
func DeviceClasses() []DeviceClass {
	return []DeviceClass{DevicePhone, DeviceTablet, DeviceDesktop, DeviceWatch, DeviceHeadsetXR, DeviceTV}
}

func (c DeviceClass) String() string {
	if name, ok := deviceNames[c]; ok {
		return name
	}
	return fmt.Sprintf("DeviceClass(%d)", uint8(c))
}

// MarshalText implements encoding.TextMarshaler.
func (c DeviceClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so config files can name a class.
func (c *DeviceClass) UnmarshalText(b []byte) error {
	parsed, err := ParseDeviceClass(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseDeviceClass accepts the canonical names plus a few platform aliases.
func ParseDeviceClass(s string) (DeviceClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "phone", "iphone", "ios", "android":
		return DevicePhone, nil
	case "tablet", "ipad", "ipados":
		return DeviceTablet, nil
	case "desktop", "mac", "macos", "linux", "windows":
		return DeviceDesktop, nil
	case "watch", "watchos":
		return DeviceWatch, nil
	case "headset-xr", "headsetxr", "xr", "visionos", "vision":
		return DeviceHeadsetXR, nil
	case "tv", "tvos":
		return DeviceTV, nil
	default:
		return DeviceUnknown, fmt.Errorf("unknown device class %q", s)
	}
}
