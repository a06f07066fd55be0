package activation

import "testing"

func TestTablePutAndSetState(t *testing.T) {
	tbl := NewTable()
	tbl.Put(Object{Path: "/bmc/active", State: Active, Version: "1.0"})

	objs := tbl.Objects()
	if len(objs) != 1 {
		t.Fatalf("Objects() len = %d, want 1", len(objs))
	}

	if err := tbl.SetState("/bmc/active", Failed); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	objs = tbl.Objects()
	if objs[0].State != Failed {
		t.Errorf("State after SetState = %v, want Failed", objs[0].State)
	}
}

func TestTableSetStateUnknownPath(t *testing.T) {
	tbl := NewTable()
	if err := tbl.SetState("/missing", Active); err == nil {
		t.Fatal("expected error for unknown object path")
	}
}
