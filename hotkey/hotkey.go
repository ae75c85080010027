package hotkey

import (
	"fmt"
	"strings"
)

type Hotkey interface {
	Register() error
	Unregister()
	Keydown() <-chan struct{}
	Keyup() <-chan struct{}
}

// Binding is a key with its required modifiers. Key is "space" or a single
// letter a-z.
type Binding struct {
	Ctrl  bool
	Shift bool
	Key   string
}

var DefaultBinding = Binding{Ctrl: true, Shift: true, Key: "space"}

// ParseBinding reads forms like "ctrl+shift+space" or "Ctrl+R".
func ParseBinding(s string) (Binding, error) {
	var b Binding
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "+")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		last := i == len(parts)-1
		switch {
		case p == "ctrl" && !last:
			b.Ctrl = true
		case p == "shift" && !last:
			b.Shift = true
		case last && validKey(p):
			b.Key = p
		default:
			return Binding{}, fmt.Errorf("invalid hotkey %q: unexpected %q", s, p)
		}
	}
	if !b.Ctrl && !b.Shift {
		return Binding{}, fmt.Errorf("invalid hotkey %q: needs ctrl or shift", s)
	}
	return b, nil
}

func (b Binding) String() string {
	var parts []string
	if b.Ctrl {
		parts = append(parts, "Ctrl")
	}
	if b.Shift {
		parts = append(parts, "Shift")
	}
	key := b.Key
	if key == "space" {
		key = "Space"
	} else {
		key = strings.ToUpper(key)
	}
	return strings.Join(append(parts, key), "+")
}

func validKey(k string) bool {
	return k == "space" || (len(k) == 1 && k[0] >= 'a' && k[0] <= 'z')
}
