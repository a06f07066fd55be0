package updatefsm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cecupdate.dev/cec"
	"cecupdate.dev/image"
	"cecupdate.dev/transport"
)

type recordingSink struct{ reports []int }

func (s *recordingSink) Report(percent int) { s.reports = append(s.reports, percent) }

type fakeScheduler struct {
	scheduled []string
	armed     []time.Duration
	cancelled int
}

func (f *fakeScheduler) Schedule(unit string) error {
	f.scheduled = append(f.scheduled, unit)
	return nil
}

func (f *fakeScheduler) ArmTimer(d time.Duration) func() {
	f.armed = append(f.armed, d)
	return func() { f.cancelled++ }
}

func sumBytes(b []byte) byte {
	var s byte
	for _, c := range b {
		s += c
	}
	return s
}

func statusResponse(status cec.CECState) []byte {
	resp := make([]byte, 4)
	resp[3] = byte(status)
	resp[0] = sumBytes(resp[1:])
	return resp
}

func updateResponse(progress byte, status cec.FWUpdateStatus) []byte {
	resp := make([]byte, 3)
	resp[1] = progress
	resp[2] = byte(status)
	resp[0] = sumBytes(resp[1:])
	return resp
}

func interruptResponse(status cec.InterruptStatus) []byte {
	resp := make([]byte, 2)
	resp[1] = byte(status)
	resp[0] = sumBytes(resp[1:])
	return resp
}

func newAPContext(t *testing.T, dev *transport.Sim, fileSize int) (*Context, *recordingSink, *fakeScheduler) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "image.bin")
	if err := os.WriteFile(path, make([]byte, fileSize), 0o644); err != nil {
		t.Fatal(err)
	}
	desc, err := image.Load(path, image.KindAP)
	if err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{}
	sched := &fakeScheduler{}
	rc := &Context{
		Ctx:        context.Background(),
		Descriptor: desc,
		Flavor:     FlavorAP,
		CEC:        cec.New(dev, func(time.Duration) {}),
		Sink:       sink,
		Sched:      sched,
	}
	return rc, sink, sched
}

func TestAPFlowHappyPath(t *testing.T) {
	dev := transport.NewSim()
	dev.Queue(cec.RegStatus, statusResponse(cec.StateSuccess)) // PROBE
	dev.Queue(cec.RegStatus, statusResponse(cec.StateSuccess)) // StartFWUpdate poll
	dev.Queue(cec.RegStatus, statusResponse(cec.StateSuccess)) // CopyBlock poll (single chunk)
	dev.Queue(cec.RegUpdate, updateResponse(100, cec.StatusFinish))
	dev.Queue(cec.RegInterrupt, interruptResponse(cec.InterruptResetLater))

	rc, sink, _ := newAPContext(t, dev, 64)
	m := NewFlow(rc)
	if err := m.Trigger(); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if rc.Result != ResultSucceeded {
		t.Fatalf("Result = %v, want ResultSucceeded; diagnostic: %s", rc.Result, rc.Diagnostic)
	}
	want := []int{checkpointProbe, checkpointStart, checkpointCopyInitiated, checkpointPoll, checkpointComplete}
	if len(sink.reports) != len(want) {
		t.Fatalf("reports = %v, want %v", sink.reports, want)
	}
	for i, w := range want {
		if sink.reports[i] != w {
			t.Errorf("reports[%d] = %d, want %d", i, sink.reports[i], w)
		}
	}
}

func TestAPFlowBusyAtProbeFails(t *testing.T) {
	dev := transport.NewSim()
	dev.Queue(cec.RegStatus, statusResponse(cec.StateBusy))

	rc, sink, _ := newAPContext(t, dev, 64)
	m := NewFlow(rc)
	if err := m.Trigger(); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if rc.Result != ResultFailed {
		t.Fatalf("Result = %v, want ResultFailed", rc.Result)
	}
	if len(sink.reports) != 1 || sink.reports[0] != checkpointProbe {
		t.Errorf("reports = %v, want [%d]", sink.reports, checkpointProbe)
	}
}

func TestPollRearmBoundedByMaxRetries(t *testing.T) {
	dev := transport.NewSim()
	for i := 0; i < maxPollRearms+1; i++ {
		dev.Queue(cec.RegUpdate, updateResponse(50, cec.StatusInProgress))
	}

	sink := &recordingSink{}
	sched := &fakeScheduler{}
	rc := &Context{
		Ctx:   context.Background(),
		CEC:   cec.New(dev, func(time.Duration) {}),
		Sink:  sink,
		Sched: sched,
	}

	for i := 0; i <= maxPollRearms; i++ {
		tr := statePoll(rc)
		if rc.Result == ResultFailed {
			if i != maxPollRearms {
				t.Fatalf("POLL failed after %d re-arms, want %d", i, maxPollRearms)
			}
			if tr.Fire != true || tr.Next != StateTerminate {
				t.Fatalf("expected a fired transition to TERMINATE on the final over-budget poll")
			}
			return
		}
		if tr.Fire {
			t.Fatalf("POLL fired early at re-arm %d: %+v", i, tr)
		}
	}
	t.Fatal("POLL never failed after exceeding maxPollRearms")
}

func TestCopySuspendsThenResumesOnHelperDone(t *testing.T) {
	dev := transport.NewSim()
	sink := &recordingSink{}
	sched := &fakeScheduler{}
	rc := &Context{
		Ctx:        context.Background(),
		Descriptor: nil,
		Flavor:     FlavorBMC,
		HelperUnit: "cec-copy@deadbeef.service",
		CEC:        cec.New(dev, func(time.Duration) {}),
		Sink:       sink,
		Sched:      sched,
	}

	tr := stateCopy(rc)
	if tr.Fire {
		t.Fatal("COPY should suspend waiting for the helper unit")
	}
	if len(sched.scheduled) != 1 || sched.scheduled[0] != rc.HelperUnit {
		t.Fatalf("scheduled = %v, want [%s]", sched.scheduled, rc.HelperUnit)
	}

	rc.event = Event{Kind: EventHelperDone, HelperResult: "done"}
	tr = stateCopy(rc)
	if !tr.Fire || tr.Next != StateSendCopyComplete {
		t.Fatalf("COPY after helper done = %+v, want fire to SEND_COPY_COMPLETE", tr)
	}
	if sched.cancelled != 1 {
		t.Fatalf("cancelled = %d, want 1", sched.cancelled)
	}
}
