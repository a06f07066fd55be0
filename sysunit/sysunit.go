// Package sysunit talks to systemd over D-Bus to assert/release the
// reboot guard, reboot the host, and spawn the BMC copy-helper as a
// transient unit whose completion is observed via a JobRemoved signal
// match — the Go-side counterpart of the original's
// `bus.new_method_call(SYSTEMD_BUSNAME, ..., "StartUnit")` calls.
package sysunit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	busName   = "org.freedesktop.systemd1"
	objPath   = dbus.ObjectPath("/org/freedesktop/systemd1")
	ifaceName = "org.freedesktop.systemd1.Manager"

	// RebootGuardEnableUnit and RebootGuardDisableUnit assert/release
	// the host reboot guard.
	RebootGuardEnableUnit  = "reboot-guard-enable.service"
	RebootGuardDisableUnit = "reboot-guard-disable.service"
	// HostRebootUnit is started when the CEC requests an immediate
	// reboot.
	HostRebootUnit = "nvidia-reboot.service"
)

// Bus is a connection to the system D-Bus, scoped to the systemd unit
// calls the update core needs.
type Bus struct {
	conn *dbus.Conn
}

// Dial connects to the system bus.
func Dial() (*Bus, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("sysunit: connect: %w", err)
	}
	return &Bus{conn: conn}, nil
}

// Close releases the underlying D-Bus connection.
func (b *Bus) Close() error {
	return b.conn.Close()
}

// StartUnit starts the named unit in "replace" mode and waits for the
// method call to complete (not for the unit's own job to finish).
func (b *Bus) StartUnit(name string) error {
	obj := b.conn.Object(busName, objPath)
	call := obj.Call(ifaceName+".StartUnit", 0, name, "replace")
	if call.Err != nil {
		return fmt.Errorf("sysunit: StartUnit %s: %w", name, call.Err)
	}
	return nil
}

// EnableRebootGuard asserts the reboot guard.
func (b *Bus) EnableRebootGuard() error { return b.StartUnit(RebootGuardEnableUnit) }

// DisableRebootGuard releases the reboot guard.
func (b *Bus) DisableRebootGuard() error { return b.StartUnit(RebootGuardDisableUnit) }

// RebootHost starts the host reboot unit, used when the CEC requests an
// immediate reboot.
func (b *Bus) RebootHost() error { return b.StartUnit(HostRebootUnit) }

// transientUnitProperty mirrors one (sv) entry of StartTransientUnit's
// a(sv) property array.
type transientUnitProperty struct {
	Name  string
	Value dbus.Variant
}

type execStart struct {
	Path          string
	Argv          []string
	IgnoreFailure bool
}

// StartTransientUnit spawns argv as a transient, oneshot service unit
// named name. Completion is observed separately via WatchJobRemoved.
func (b *Bus) StartTransientUnit(name string, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("sysunit: StartTransientUnit %s: empty argv", name)
	}
	props := []transientUnitProperty{
		{Name: "Type", Value: dbus.MakeVariant("oneshot")},
		{Name: "ExecStart", Value: dbus.MakeVariant([]execStart{
			{Path: argv[0], Argv: argv, IgnoreFailure: false},
		})},
	}
	obj := b.conn.Object(busName, objPath)
	call := obj.Call(ifaceName+".StartTransientUnit", 0, name, "replace", props, []struct {
		Name string
		Deps []transientUnitProperty
	}{})
	if call.Err != nil {
		return fmt.Errorf("sysunit: StartTransientUnit %s: %w", name, call.Err)
	}
	return nil
}

// JobResult is the outcome systemd reports for a completed job.
type JobResult struct {
	Unit   string
	Result string // "done", "failed", or "dependency"
}

// WatchJobRemoved subscribes to systemd's JobRemoved signal and returns
// a channel of job completions. The channel is closed when ctx is done.
func (b *Bus) WatchJobRemoved(ctx context.Context) (<-chan JobResult, error) {
	if err := b.conn.AddMatchSignal(
		dbus.WithMatchInterface(ifaceName),
		dbus.WithMatchMember("JobRemoved"),
	); err != nil {
		return nil, fmt.Errorf("sysunit: AddMatchSignal: %w", err)
	}

	raw := make(chan *dbus.Signal, 16)
	b.conn.Signal(raw)

	out := make(chan JobResult, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				b.conn.RemoveSignal(raw)
				return
			case sig, ok := <-raw:
				if !ok {
					return
				}
				jr, ok := parseJobRemoved(sig)
				if ok {
					out <- jr
				}
			}
		}
	}()
	return out, nil
}

func parseJobRemoved(sig *dbus.Signal) (JobResult, bool) {
	if sig.Name != ifaceName+".JobRemoved" || len(sig.Body) < 4 {
		return JobResult{}, false
	}
	unit, ok1 := sig.Body[2].(string)
	result, ok2 := sig.Body[3].(string)
	if !ok1 || !ok2 {
		return JobResult{}, false
	}
	return JobResult{Unit: unit, Result: result}, true
}

// UnitName deterministically derives the copy-helper unit name from an
// image path and its logical size, so the JobRemoved listener can match
// it without round-tripping a generated identifier.
func UnitName(path string, size uint32) string {
	sum := sha256.Sum256([]byte(path))
	return fmt.Sprintf("cec-copy@%s-%d.service", hex.EncodeToString(sum[:8]), size)
}
