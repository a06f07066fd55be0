// Command cec-updated is the secure firmware update daemon. It owns one
// CEC I²C link and drives firmware updates submitted by files dropped
// into a watched directory, exposing its state only through the
// progress file, the firmware inventory's activation transitions, and
// process logs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"cecupdate.dev/activation"
	"cecupdate.dev/cec"
	"cecupdate.dev/guard"
	"cecupdate.dev/image"
	"cecupdate.dev/manager"
	"cecupdate.dev/progress"
	"cecupdate.dev/sysunit"
	"cecupdate.dev/transport"
	"cecupdate.dev/updatefsm"
	"cecupdate.dev/watch"
)

var (
	flags        = flag.NewFlagSet("cec-updated", flag.ExitOnError)
	busID        = flags.Int("bus", 1, "I2C bus number (/dev/i2c-N)")
	busAddr      = flags.Uint("addr", 0x50, "I2C 7-bit device address")
	imageDir     = flags.String("imagedir", "/tmp/cec_images", "directory watched for completed firmware images")
	progressPath = flags.String("progress", "/run/cec-updated/progress", "progress file path")
	helperBin    = flags.String("helper", "/usr/libexec/cec-copy", "copy-helper binary path")
	gpioPin      = flags.String("gpio", "", "named GPIO pin wired to the CEC interrupt line; disabled if empty")
)

func main() {
	flags.Parse(os.Args[1:])
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(2)
	}
}

func run() error {
	log.SetFlags(log.Flags() &^ (log.Ldate | log.Ltime))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bus, err := transport.Open(*busID, uint8(*busAddr))
	if err != nil {
		return fmt.Errorf("cec-updated: %w", err)
	}
	defer bus.Close()
	cmds := cec.New(bus, nil)

	sysBus, err := sysunit.Dial()
	if err != nil {
		return fmt.Errorf("cec-updated: %w", err)
	}
	defer sysBus.Close()

	// Reference in-memory inventory; production wiring swaps this for a
	// real D-Bus-backed implementation satisfying activation.Inventory.
	inventory := activation.NewTable()

	progressWriter := progress.NewWriter(*progressPath)

	timerFired := make(chan updatefsm.Event, 4)
	sched := newHelperScheduler(sysBus, *helperBin, timerFired)

	mgr := manager.New(cmds, progressWriter, sched, sysBus, inventory, sysunit.UnitName)

	watcher, err := watch.Open(*imageDir)
	if err != nil {
		return fmt.Errorf("cec-updated: %w", err)
	}
	defer watcher.Close()

	jobEvents, err := sysBus.WatchJobRemoved(ctx)
	if err != nil {
		return fmt.Errorf("cec-updated: %w", err)
	}

	var pin guard.Pin
	if *gpioPin != "" {
		p, err := guard.OpenInterruptPin(*gpioPin)
		if err != nil {
			return fmt.Errorf("cec-updated: %w", err)
		}
		pin = p
	}
	supervisor := guard.New(cmds, sysBus, inventory, pin)
	if err := supervisor.Run(ctx); err != nil {
		return fmt.Errorf("cec-updated: reboot-guard supervisor: %w", err)
	}

	log.Println("cec-updated: watching", *imageDir)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events():
			if !ok {
				return fmt.Errorf("cec-updated: image watcher closed")
			}
			submitImage(ctx, mgr, sched, ev.Path)

		case jr := <-jobEvents:
			if !strings.HasPrefix(jr.Unit, "cec-copy@") {
				continue
			}
			if err := mgr.Advance(updatefsm.Event{Kind: updatefsm.EventHelperDone, HelperResult: jr.Result}); err != nil {
				log.Printf("cec-updated: advance (helper done): %v", err)
			}

		case ev := <-timerFired:
			if err := mgr.Advance(ev); err != nil {
				log.Printf("cec-updated: advance (timer): %v", err)
			}

		case <-supervisor.TickDue():
			if err := supervisor.Tick(ctx); err != nil {
				log.Printf("cec-updated: guard tick: %v", err)
			}

		case <-supervisor.EdgeDue():
			supervisor.HandleEdge(ctx)
		}
	}
}

// submitImage classifies a completed image by its filename (a "bmc-"
// prefix selects the BMC flavor and target; anything else targets the
// AP/CEC firmware) and submits it to the manager.
func submitImage(ctx context.Context, mgr *manager.Manager, sched *helperScheduler, path string) {
	fi, err := os.Stat(path)
	if err != nil {
		log.Printf("cec-updated: stat %s: %v", path, err)
		return
	}

	kind, flavor := image.KindAP, updatefsm.FlavorAP
	if strings.HasPrefix(filepath.Base(path), "bmc-") {
		kind, flavor = image.KindBMC, updatefsm.FlavorBMC
	}
	if flavor == updatefsm.FlavorBMC {
		sched.setPending(path, uint32(fi.Size()))
	}

	if err := mgr.Submit(ctx, path, kind, flavor); err != nil {
		log.Printf("cec-updated: submit %s: %v", path, err)
	}
}
