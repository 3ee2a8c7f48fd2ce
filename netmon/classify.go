package netmon

import "path"

// Classifier maps interface names to transports using shell glob patterns.
type Classifier struct {
	Wifi       []string `yaml:"wifi" json:"wifi"`
	Cellular   []string `yaml:"cellular" json:"cellular"`
	Restricted []string `yaml:"restricted" json:"restricted"`
}

// DefaultClassifier returns the naming conventions of common Linux and
// Android drivers.
func DefaultClassifier() Classifier {
	return Classifier{
		Wifi:       []string{"wlan*", "wlp*", "wlx*", "wifi*"},
		Cellular:   []string{"rmnet*", "wwan*", "ccmni*", "wwp*", "usb*"},
		Restricted: []string{"rmnet_ims*", "rmnet_ipa*", "ccmni_ims*", "*ims*"},
	}
}

// Transport returns the transport of the interface called name.
func (c Classifier) Transport(name string) (Transport, bool) {
	if matchAny(c.Wifi, name) {
		return Wifi, true
	}
	if matchAny(c.Cellular, name) {
		return Cellular, true
	}
	return 0, false
}

// IsRestricted reports whether name matches a restricted pattern.
func (c Classifier) IsRestricted(name string) bool {
	return matchAny(c.Restricted, name)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
