package watchdog

import "fmt"

// Action is what the control loop does with a WatchEvent.
type Action int

const (
	ActionRestart Action = iota
	ActionNodeReinstallRestart
	ActionPythonReinstallRestart
)

var actionNames = map[Action]string{
	ActionRestart:                "restart",
	ActionNodeReinstallRestart:   "node_reinstall_restart",
	ActionPythonReinstallRestart: "python_reinstall_restart",
}

func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// ParseAction maps a configuration keyword to an Action.
func ParseAction(s string) (Action, error) {
	for a, name := range actionNames {
		if name == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown watch action %q", s)
}

func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Action) UnmarshalText(b []byte) error {
	v, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}
