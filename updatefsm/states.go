package updatefsm

import (
	"fmt"
	"io"
	"os"
	"time"

	"cecupdate.dev/cec"
)

// Checkpoints match the manager's canonical progress percentages.
const (
	checkpointProbe         = 10
	checkpointStart         = 20
	checkpointCopyInitiated = 50
	checkpointPoll          = 90
	checkpointComplete      = 100
)

const (
	copyHelperTimeout = 10 * time.Minute
	pollRearmPeriod   = 3 * time.Second
)

func stateIdle(rc *Context) Transition {
	return fire(StateProbe)
}

func stateProbe(rc *Context) Transition {
	rc.Sink.Report(checkpointProbe)
	state, err := rc.CEC.GetCECState(rc.Ctx)
	if err != nil {
		rc.fail("PROBE: %v", err)
		return fire(StateTerminate)
	}
	switch state {
	case cec.StateSuccess:
		return fire(StateStart)
	case cec.StateBusy:
		rc.fail("PROBE: ERR_BUSY")
		return fire(StateTerminate)
	default:
		rc.fail("PROBE: %s", state)
		return fire(StateTerminate)
	}
}

func stateStart(rc *Context) Transition {
	rc.Sink.Report(checkpointStart)
	size := uint32(rc.Descriptor.Size)
	if rc.Descriptor.LogicalSize != 0 {
		size = rc.Descriptor.LogicalSize
	}
	if err := rc.CEC.StartFWUpdate(rc.Ctx, rc.Descriptor.Kind.FWID(), size); err != nil {
		rc.fail("START: %v", err)
		return fire(StateTerminate)
	}
	return fire(StateCopy)
}

func stateCopy(rc *Context) Transition {
	rc.Sink.Report(checkpointCopyInitiated)

	if rc.Flavor == FlavorAP {
		if err := streamImage(rc); err != nil {
			rc.fail("COPY: %v", err)
			return fire(StateTerminate)
		}
		return fire(StatePoll)
	}

	// BMC flavor: hand the transfer to an external copy-helper unit and
	// wait for its completion or a long timeout, whichever comes first.
	if rc.event.Kind == EventNone {
		if err := rc.Sched.Schedule(rc.HelperUnit); err != nil {
			rc.fail("COPY: schedule helper: %v", err)
			return fire(StateTerminate)
		}
		rc.cancelTimer = rc.Sched.ArmTimer(copyHelperTimeout)
		return suspend()
	}

	rc.cancelArmedTimer()
	if rc.event.Kind == EventHelperDone && rc.event.HelperResult != "done" {
		rc.fail("COPY: helper result %q", rc.event.HelperResult)
		return fire(StateTerminate)
	}
	return fire(StateSendCopyComplete)
}

// streamImage sends the image in BlockSize chunks directly over the
// transport, the AP/CEC flavor's in-band copy path. It streams exactly
// the size declared to StartFWUpdate: for a ROM-wrapped input that is
// the embedded header plus logical payload starting at HeaderOffset,
// not the padded container from byte zero, so the CEC never receives
// more (or different) bytes than it was told to expect. The final
// chunk carries the remainder, even when that remainder is a full
// BlockSize (an exact multiple still needs its last-block quiescence).
func streamImage(rc *Context) error {
	f, err := os.Open(rc.Descriptor.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	remaining := rc.Descriptor.Size
	if rc.Descriptor.LogicalSize != 0 {
		if _, err := f.Seek(rc.Descriptor.HeaderOffset, io.SeekStart); err != nil {
			return err
		}
		remaining = int64(rc.Descriptor.LogicalSize)
	}
	buf := make([]byte, cec.BlockSize)
	for remaining > 0 {
		n := int64(cec.BlockSize)
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(f, buf[:n]); err != nil {
			return err
		}
		remaining -= n
		last := remaining == 0
		if err := rc.CEC.CopyBlock(rc.Ctx, buf[:n], last); err != nil {
			return err
		}
	}
	return nil
}

func stateSendCopyComplete(rc *Context) Transition {
	if rc.event.Kind == EventNone {
		if err := rc.CEC.CopyImageComplete(rc.Ctx); err != nil {
			rc.fail("SEND_COPY_COMPLETE: %v", err)
			return fire(StateTerminate)
		}
		rc.cancelTimer = rc.Sched.ArmTimer(copyHelperTimeout)
		return suspend()
	}
	// A CEC interrupt is treated equivalently to timer expiry: poll
	// once and succeed or fail accordingly, by handing off to POLL.
	rc.cancelArmedTimer()
	return fire(StatePoll)
}

func statePoll(rc *Context) Transition {
	rc.Sink.Report(checkpointPoll)
	progress, status, err := rc.CEC.GetFWUpdateStatus(rc.Ctx)
	if err != nil {
		rc.fail("POLL: %v", err)
		return fire(StateTerminate)
	}
	switch status {
	case cec.StatusFinish:
		rc.succeed()
		rc.Sink.Report(checkpointComplete)
		consultRebootInterrupt(rc)
		return fire(StateTerminate)
	case cec.StatusInProgress:
		rc.PollCount++
		if rc.PollCount > maxPollRearms {
			rc.fail("POLL: exceeded %d re-arms at %d%%", maxPollRearms, progress)
			return fire(StateTerminate)
		}
		rc.cancelTimer = rc.Sched.ArmTimer(pollRearmPeriod)
		return suspend()
	default:
		rc.fail("POLL: %s", status)
		return fire(StateTerminate)
	}
}

// consultRebootInterrupt checks whether the CEC is requesting an
// immediate host reboot now that the update has finished successfully.
func consultRebootInterrupt(rc *Context) {
	status, err := rc.CEC.QueryInterrupt(rc.Ctx)
	if err != nil {
		rc.Diagnostic = fmt.Sprintf("POLL: QueryInterrupt: %v", err)
		return
	}
	if status == cec.InterruptResetNow {
		rc.Diagnostic = "CEC requested immediate reboot"
	}
}

func stateTerminate(rc *Context) Transition {
	rc.cancelArmedTimer()
	return suspend()
}
