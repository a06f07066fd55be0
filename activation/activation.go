// Package activation describes the narrow view the update core needs of
// the firmware-inventory object manager: per-object activation state and
// version, and which object corresponds to the BMC currently running.
//
// The core only consumes this surface; it never publishes to it directly.
// Production wiring supplies an Inventory backed by the real phosphor
// object manager over D-Bus. Table, below, is a standalone in-memory
// reference implementation so the daemon and its tests can run without
// one.
package activation

import "sync"

// State is the externally visible state of a firmware object.
type State int

const (
	NotReady State = iota
	Ready
	Activating
	Active
	Failed
	Invalid
	Staged
)

func (s State) String() string {
	switch s {
	case NotReady:
		return "NotReady"
	case Ready:
		return "Ready"
	case Activating:
		return "Activating"
	case Active:
		return "Active"
	case Failed:
		return "Failed"
	case Invalid:
		return "Invalid"
	case Staged:
		return "Staged"
	default:
		return "Unknown"
	}
}

// Object is one managed software object: its activation state and
// version string.
type Object struct {
	Path    string
	State   State
	Version string
	// Running marks the object associated with the BMC's own currently
	// executing firmware; the reboot-guard supervisor skips it.
	Running bool
}

// Inventory is the capability the reboot-guard supervisor and the update
// manager need from the firmware-inventory surface.
type Inventory interface {
	// Objects returns every managed software object, in no particular
	// order.
	Objects() []Object
	// SetState transitions the object at path to state. It is the only
	// mutation the update core performs on the inventory.
	SetState(path string, state State) error
}

// Table is an in-memory Inventory, safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	objects map[string]Object
}

// NewTable returns an empty in-memory inventory.
func NewTable() *Table {
	return &Table{objects: make(map[string]Object)}
}

// Put inserts or replaces the object at obj.Path.
func (t *Table) Put(obj Object) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.objects[obj.Path] = obj
}

func (t *Table) Objects() []Object {
	t.mu.Lock()
	defer t.mu.Unlock()
	objs := make([]Object, 0, len(t.objects))
	for _, obj := range t.objects {
		objs = append(objs, obj)
	}
	return objs
}

func (t *Table) SetState(path string, state State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.objects[path]
	if !ok {
		return errObjectNotFound(path)
	}
	obj.State = state
	t.objects[path] = obj
	return nil
}

type errObjectNotFound string

func (e errObjectNotFound) Error() string {
	return "activation: object not found: " + string(e)
}
