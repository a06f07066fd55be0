package sysunit

import (
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestUnitNameIsDeterministic(t *testing.T) {
	a := UnitName("/tmp/cec_images/img.bin", 4096)
	b := UnitName("/tmp/cec_images/img.bin", 4096)
	if a != b {
		t.Fatalf("UnitName not deterministic: %q != %q", a, b)
	}
}

func TestUnitNameDiffersByPathOrSize(t *testing.T) {
	base := UnitName("/tmp/cec_images/img.bin", 4096)
	if UnitName("/tmp/cec_images/other.bin", 4096) == base {
		t.Error("UnitName should differ for a different path")
	}
	if UnitName("/tmp/cec_images/img.bin", 8192) == base {
		t.Error("UnitName should differ for a different size")
	}
}

func TestParseJobRemovedExtractsUnitAndResult(t *testing.T) {
	sig := &dbus.Signal{
		Name: ifaceName + ".JobRemoved",
		Body: []interface{}{uint32(1), dbus.ObjectPath("/org/freedesktop/systemd1/job/1"), "cec-copy@abc-4096.service", "done"},
	}
	jr, ok := parseJobRemoved(sig)
	if !ok {
		t.Fatal("expected parseJobRemoved to succeed")
	}
	if jr.Unit != "cec-copy@abc-4096.service" || jr.Result != "done" {
		t.Errorf("jr = %+v, want unit=cec-copy@abc-4096.service result=done", jr)
	}
}

func TestParseJobRemovedIgnoresOtherSignals(t *testing.T) {
	sig := &dbus.Signal{Name: "org.freedesktop.systemd1.Manager.UnitNew", Body: []interface{}{"x"}}
	if _, ok := parseJobRemoved(sig); ok {
		t.Error("expected parseJobRemoved to reject a non-JobRemoved signal")
	}
}
