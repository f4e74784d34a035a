// Command neuron is the kernel boot entry point. It brings up the
// simulated hardware substrate (internal/platform), the physical
// allocator and Sv39 page-table arena (internal/mem), the address
// space manager, the IPC router, the scheduler, and the syscall
// dispatch table, then loads and spawns the embedded init image and
// falls into the per-CPU scheduling loop. Structured boot logging
// follows biscuit's terse milestone-print style but through logrus,
// the way the rest of this corpus's daemons log.
package main

import (
	"flag"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/open-nexus-os/neuron/internal/capability"
	"github.com/open-nexus-os/neuron/internal/defs"
	"github.com/open-nexus-os/neuron/internal/ipc"
	"github.com/open-nexus-os/neuron/internal/loader"
	"github.com/open-nexus-os/neuron/internal/mem"
	"github.com/open-nexus-os/neuron/internal/platform"
	"github.com/open-nexus-os/neuron/internal/sched"
	"github.com/open-nexus-os/neuron/internal/task"
	"github.com/open-nexus-os/neuron/internal/trap"
	"github.com/open-nexus-os/neuron/internal/uart"
	"github.com/open-nexus-os/neuron/internal/vm"
	"github.com/open-nexus-os/neuron/internal/vmo"
)

var log = logrus.WithField("component", "neuron")

const (
	initStackBase = 0x7f0000000000
	ncpuDefault   = 4
	npagesDefault = 1 << 16 // 256MiB of 4KiB pages

	// maxTicksDefault bounds the hosted scheduling loop. There is no
	// real trap-return in this model -- a task only leaves Running when
	// its own Dispatch call moves it to Blocked or Exited -- so without
	// a bound a task that keeps yielding would spin runScheduler
	// forever. User services are expected to run as their own cmd/
	// processes (init, execd, policyd); this loop only demonstrates the
	// in-kernel scheduling and dispatch path around the staged init
	// task, not full instruction-level execution.
	maxTicksDefault = 64
)

func main() {
	ncpu := flag.Int("ncpu", ncpuDefault, "number of simulated CPUs")
	npages := flag.Int("npages", npagesDefault, "simulated physical page count")
	imagePath := flag.String("init", "init.img", "path to the init ELF image built by mkimage")
	maxTicks := flag.Int("max-ticks", maxTicksDefault, "bound on scheduling passes before the hosted loop stops")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	uart.Marker("neuron vers.")

	topo := platform.NewTopology(*ncpu)
	ipiCtl := platform.NewIPIController(topo)

	phys := mem.NewPhysmem(*npages)
	tables := mem.NewTableArena()
	vmos := vmo.NewRegistry()
	vmMgr := vm.NewManager(phys, tables, vmos)
	router := ipc.NewRouter()
	tasks := task.NewTable()
	scheduler := sched.NewScheduler(topo, ipiCtl)
	dispatcher := trap.NewDispatcher(tasks, scheduler, router, vmos, vmMgr)

	log.WithFields(logrus.Fields{"ncpu": *ncpu, "npages": *npages}).Info("init: start")

	raw, err := os.ReadFile(*imagePath)
	if err != nil {
		log.WithError(err).Fatal("failed to read init image")
	}

	img, derr := loader.Parse(raw)
	if derr != 0 {
		log.WithField("err", derr).Fatal("init image failed to parse")
	}

	asId, derr := vmMgr.Create(false)
	if derr != 0 {
		log.WithField("err", derr).Fatal("as_create for init failed")
	}
	as, _ := vmMgr.Lookup(asId)
	as.Activate()

	if derr := loader.Load(vmMgr, as, img); derr != 0 {
		log.WithField("err", derr).Fatal("init image failed to load")
	}
	sp, derr := loader.StageStack(vmMgr, as, initStackBase, []string{"init"}, os.Environ())
	if derr != 0 {
		log.WithField("err", derr).Fatal("init stack staging failed")
	}

	initEndpoint, _ := router.CreateEndpoint(32)
	initTask := tasks.Spawn(1, as, task.QoSNormal, ^uint64(0), 0, 0)
	initTask.Caps().Install(capability.BootstrapSlot, capability.Cap_t{
		Object: capability.Object{Kind: capability.KindEndpoint, Handle: uint64(initEndpoint)},
		Rights: capability.Send | capability.Recv,
	})
	initTask.SetRegs(task.Registers_t{PC: img.Entry(), SP: sp})

	scheduler.Enqueue(initTask)

	log.Info("init: ready")
	runScheduler(scheduler, tasks, dispatcher, topo, *maxTicks)
}

// runScheduler drives the per-CPU pick/dispatch loop, up to maxTicks,
// and stops early once every task has exited or a full pass across
// every CPU picks nothing. There is no real trap-return in this
// hosted model: a task only leaves Running when its own Dispatch call
// moves it to Blocked or Exited, so this loop bounds itself rather
// than spinning forever on a task nothing will ever advance further
// (e.g. one that only ever issues SysYield).
func runScheduler(s *sched.Scheduler_t, tasks *task.Table_t, d *trap.Dispatcher_t, topo *platform.Topology, maxTicks int) {
	for tick := 0; tick < maxTicks; tick++ {
		if len(tasks.All()) == 0 {
			log.Info("init: no tasks to schedule")
			return
		}

		picked := false
		for cpu := 0; cpu < topo.NCPU(); cpu++ {
			t := s.PickNext(defs.Cpu_t(cpu))
			if t == nil {
				continue
			}
			picked = true
			t.SetState(task.StateRunning)
			d.Dispatch(t)
			if t.State() == task.StateRunning {
				t.SetState(task.StateRunnable)
				s.Enqueue(t)
			}
		}

		if allExited(tasks) {
			log.Info("init: all tasks exited")
			return
		}
		if !picked {
			log.WithField("tick", tick).Info("scheduler: no runnable task to pick, stopping")
			return
		}
	}
	log.WithField("max_ticks", maxTicks).Info("scheduler: tick bound reached, handing off to userspace services")
}

func allExited(tasks *task.Table_t) bool {
	for _, t := range tasks.All() {
		if t.State() != task.StateExited {
			return false
		}
	}
	return true
}
