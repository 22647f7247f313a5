package model

// Switch is a named external signal a sleeping step can wait on. A switch is
// unacknowledged when it changed while the transaction was not actively
// running; it becomes acknowledged exactly when a running step reads it.
type Switch struct {
	Name         string `json:"name"`
	Value        string `json:"value"`
	Acknowledged bool   `json:"acknowledged"`
}

// FindSwitch returns the index of the named switch in an ordered switch set,
// or -1 when absent.
func FindSwitch(switches []Switch, name string) int {
	for i, sw := range switches {
		if sw.Name == name {
			return i
		}
	}
	return -1
}

// SetSwitch applies an external write to an ordered switch set. The switch is
// appended on first write and flagged unacknowledged whenever the value
// actually changed. It reports whether the value changed.
func SetSwitch(switches []Switch, name string, value string) ([]Switch, bool) {
	idx := FindSwitch(switches, name)
	if idx == -1 {
		return append(switches, Switch{Name: name, Value: value, Acknowledged: false}), true
	}
	if switches[idx].Value == value {
		return switches, false
	}
	switches[idx].Value = value
	switches[idx].Acknowledged = false
	return switches, true
}
