package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/vireoemu/vireo/cpu"
	"github.com/vireoemu/vireo/debug"
	"github.com/vireoemu/vireo/loader"
	"github.com/vireoemu/vireo/machine"
	"github.com/vireoemu/vireo/session"
	"github.com/vireoemu/vireo/ui"

	_ "github.com/vireoemu/vireo/arch/vex32"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("vireo", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -config <topology.toml> [options]\n", os.Args[0])
		fs.PrintDefaults()
	}
	config := fs.String("config", "", "machine topology file (toml)")
	firmware := fs.String("fw", "", "override the topology's firmware path")
	gdbAddr := fs.String("gdb", "", "serve the gdb remote protocol on this address")
	dapAddr := fs.String("dap", "", "serve the json control protocol on this address")
	monitor := fs.Bool("monitor", false, "interactive monitor console")
	verbose := fs.Bool("v", false, "debug logging")
	fs.Parse(args)

	level := ui.Info
	if *verbose {
		level = ui.Debug
	}
	log := ui.NewLogger("vireo", level)

	if *config == "" {
		fs.Usage()
		return 1
	}
	topo, err := loader.LoadTopology(*config)
	if err != nil {
		log.Errorf("%v", err)
		return 1
	}
	if *firmware != "" {
		topo.Firmware = *firmware
	}
	m, err := topo.Build()
	if err != nil {
		log.Errorf("%v", err)
		return 1
	}
	img, err := topo.LoadFirmware()
	if err != nil {
		log.Errorf("%v", err)
		return 1
	}
	s := session.New(m, img, session.Config{})
	if err := s.Launch(); err != nil {
		log.Errorf("%v", err)
		return 1
	}
	log.Infof("loaded %s, entry %#x", topo.Firmware, img.Entry())

	if *gdbAddr != "" {
		l, err := net.Listen("tcp", *gdbAddr)
		if err != nil {
			log.Errorf("gdb listen: %v", err)
			return 1
		}
		log.Infof("gdb stub on %s", *gdbAddr)
		go debug.NewGdbstub(s).Serve(l)
	}
	if *dapAddr != "" {
		l, err := net.Listen("tcp", *dapAddr)
		if err != nil {
			log.Errorf("dap listen: %v", err)
			return 1
		}
		log.Infof("control protocol on %s", *dapAddr)
		go debug.NewDAPServer(s).Serve(l)
	}

	if *monitor || (*gdbAddr == "" && *dapAddr == "") {
		return monitorLoop(s, log)
	}
	// headless: wait for the session to end
	sub := s.Subscribe()
	for range sub.C {
	}
	return 0
}

func monitorLoop(s *session.Session, log *ui.Logger) int {
	rl, err := readline.New("vireo> ")
	if err != nil {
		log.Errorf("%v", err)
		return 1
	}
	defer rl.Close()

	sub := s.Subscribe()
	go func() {
		for ev := range sub.C {
			switch e := ev.(type) {
			case session.StopEvent:
				if e.Err != nil {
					fmt.Fprintf(rl.Stdout(), "stopped: %s at %#x: %v\n", e.Reason, e.Addr, e.Err)
				} else {
					fmt.Fprintf(rl.Stdout(), "stopped: %s at %#x\n", e.Reason, e.Addr)
				}
			case session.TerminatedEvent:
				fmt.Fprintln(rl.Stdout(), "terminated")
			}
		}
	}()

	for {
		line, err := rl.Readline()
		if err != nil {
			// ^C while running maps to pause, a second one exits
			if err == readline.ErrInterrupt {
				if s.Status().State == session.Running {
					s.Pause()
					continue
				}
			}
			s.Terminate()
			return 0
		}
		if quit := command(s, rl, strings.Fields(line)); quit {
			s.Terminate()
			return 0
		}
	}
}

func parseNum(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
}

func command(s *session.Session, rl *readline.Instance, args []string) bool {
	if len(args) == 0 {
		return false
	}
	out := rl.Stdout()
	fail := func(err error) {
		fmt.Fprintf(out, "error: %v\n", err)
	}
	switch args[0] {
	case "help", "?":
		fmt.Fprint(out, `commands:
  regs                  dump registers
  s [n]                 step n instructions (default 1)
  c                     continue
  p                     pause
  b <addr> / d <addr>   set / delete breakpoint
  bl                    list breakpoints
  x <addr> <len>        hex dump memory
  w <addr> <hex>        write memory
  dis <addr> [n]        disassemble
  goto <addr>           move pc
  restart               reset and reload firmware
  save <file>           write snapshot
  load <file>           restore snapshot
  status                session status
  q                     quit
`)
	case "regs":
		vals, flags, err := s.Registers()
		if err != nil {
			fail(err)
			break
		}
		for i, v := range vals {
			fmt.Fprintf(out, "%-4s %08x", cpu.RegName(i), v)
			if i%4 == 3 {
				fmt.Fprintln(out)
			} else {
				fmt.Fprint(out, "  ")
			}
		}
		fmt.Fprintf(out, "flags %08x\n", flags)
	case "s", "step":
		n := uint64(1)
		if len(args) > 1 {
			n, _ = strconv.ParseUint(args[1], 10, 64)
		}
		if err := s.Step(n); err != nil {
			fail(err)
		}
	case "c", "continue":
		if err := s.Continue(); err != nil {
			fail(err)
		}
	case "p", "pause":
		if err := s.Pause(); err != nil {
			fail(err)
		}
	case "b", "break":
		if len(args) < 2 {
			break
		}
		addr, err := parseNum(args[1])
		if err == nil {
			err = s.AddBreakpoint(uint32(addr), machine.BreakSoft)
		}
		if err != nil {
			fail(err)
		}
	case "d", "delete":
		if len(args) < 2 {
			break
		}
		addr, err := parseNum(args[1])
		if err == nil {
			err = s.RemoveBreakpoint(uint32(addr))
		}
		if err != nil {
			fail(err)
		}
	case "bl":
		for _, addr := range s.Breakpoints() {
			fmt.Fprintf(out, "%#x\n", addr)
		}
	case "x":
		if len(args) < 3 {
			break
		}
		addr, err1 := parseNum(args[1])
		size, err2 := parseNum(args[2])
		if err1 != nil || err2 != nil {
			break
		}
		mem, err := s.ReadMemory(addr, int(size))
		if err != nil {
			fail(err)
			break
		}
		fmt.Fprint(out, hex.Dump(mem))
	case "w":
		if len(args) < 3 {
			break
		}
		addr, err := parseNum(args[1])
		if err != nil {
			break
		}
		data, err := hex.DecodeString(args[2])
		if err == nil {
			err = s.WriteMemory(addr, data)
		}
		if err != nil {
			fail(err)
		}
	case "dis":
		if len(args) < 2 {
			break
		}
		addr, err := parseNum(args[1])
		if err != nil {
			break
		}
		n := 8
		if len(args) > 2 {
			if v, err := strconv.Atoi(args[2]); err == nil {
				n = v
			}
		}
		ins, err := s.Disassemble(addr, n)
		if err != nil {
			fail(err)
			break
		}
		for _, in := range ins {
			fmt.Fprintf(out, "%08x: %s %s\n", in.Addr(), in.Mnemonic(), in.OpStr())
		}
	case "goto":
		if len(args) < 2 {
			break
		}
		addr, err := parseNum(args[1])
		if err == nil {
			err = s.Goto(uint32(addr))
		}
		if err != nil {
			fail(err)
		}
	case "restart":
		if err := s.Restart(); err != nil {
			fail(err)
		}
	case "save":
		if len(args) < 2 {
			break
		}
		data, err := s.Snapshot()
		if err == nil {
			err = os.WriteFile(args[1], data, 0644)
		}
		if err != nil {
			fail(err)
		}
	case "load":
		if len(args) < 2 {
			break
		}
		data, err := os.ReadFile(args[1])
		if err == nil {
			err = s.RestoreSnapshot(data)
		}
		if err != nil {
			fail(err)
		}
	case "status":
		st := s.Status()
		fmt.Fprintf(out, "%s (%s) pc=%#x cycles=%d instructions=%d\n",
			st.State, st.Reason, st.PC, st.Cycles, st.Instructions)
	case "q", "quit", "exit":
		return true
	default:
		fmt.Fprintf(out, "unknown command %q\n", args[0])
	}
	return false
}
