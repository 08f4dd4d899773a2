// Package debug contains the wire protocol adapters. Both are thin clients
// of the session API; protocol errors stay in here and never reach run
// control.
package debug

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/vireoemu/vireo/arch"
	"github.com/vireoemu/vireo/cpu"
	"github.com/vireoemu/vireo/machine"
	"github.com/vireoemu/vireo/session"
	"github.com/vireoemu/vireo/ui"
)

func escape(p []byte) []byte {
	out := make([]byte, 0, len(p))
	for _, c := range p {
		if c == '#' || c == '$' || c == '}' {
			out = append(out, '}', c^0x20)
		} else {
			out = append(out, c)
		}
	}
	return out
}

func unescape(p []byte) []byte {
	out := make([]byte, 0, len(p))
	for i := 0; i < len(p); i++ {
		if p[i] == '}' && i < len(p)-1 {
			i++
			out = append(out, p[i]^0x20)
		} else {
			out = append(out, p[i])
		}
	}
	return out
}

func checksum(p []byte) []byte {
	chk := 0
	for _, c := range p {
		chk = (chk + int(c)) % 256
	}
	return []byte(fmt.Sprintf("%02x", chk))
}

// parseRange splits "addr,len" hex pairs, tolerating a leading "cmd:" part.
func parseRange(s string) (uint64, uint64) {
	tmp := strings.Split(s, ":")
	tmp = strings.Split(tmp[len(tmp)-1], ",")
	if len(tmp) != 2 {
		return 0, 0
	}
	a, _ := strconv.ParseUint(tmp[0], 16, 0)
	b, _ := strconv.ParseUint(tmp[1], 16, 0)
	return a, b
}

var errDetached = errors.New("client detached")

type Gdbstub struct {
	s   *session.Session
	log *ui.Logger
}

func NewGdbstub(s *session.Session) *Gdbstub {
	return &Gdbstub{s: s, log: ui.NewLogger("gdb", ui.Info)}
}

// Serve accepts debugger connections one at a time.
func (d *Gdbstub) Serve(l net.Listener) error {
	for {
		c, err := l.Accept()
		if err != nil {
			return errors.Wrap(err, "gdb stub accept failed")
		}
		d.log.Infof("client connected from %s", c.RemoteAddr())
		d.Run(c)
		c.Close()
	}
}

// Run speaks the packet protocol over rw until the client detaches or the
// stream breaks.
func (d *Gdbstub) Run(rw io.ReadWriter) {
	c := &gdbClient{
		rw:      rw,
		s:       d.s,
		sub:     d.s.Subscribe(),
		log:     d.log,
		packets: make(chan []byte, 1),
	}
	defer c.sub.Close()
	go c.reader()
	// keep the reader from blocking on a packet nobody will take
	defer func() {
		go func() {
			for range c.packets {
			}
		}()
	}()
	for pkt := range c.packets {
		if err := c.handle(pkt); err != nil {
			if errors.Cause(err) != errDetached {
				d.log.Errorf("%v", err)
			}
			break
		}
	}
}

type gdbClient struct {
	rw  io.ReadWriter
	s   *session.Session
	sub *session.Subscriber
	log *ui.Logger

	packets chan []byte

	wmu       sync.Mutex
	last      []byte
	noAck     bool
	noAckTest bool
}

// reader splits the input stream into packets. Acks, resend requests and the
// interrupt byte are handled here so an interrupt works while the command
// loop is blocked waiting for a stop.
func (c *gdbClient) reader() {
	defer close(c.packets)
	input := bufio.NewReader(c.rw)
	for {
		b, err := input.ReadByte()
		if err != nil {
			return
		}
		switch b {
		case '+':
			c.wmu.Lock()
			if c.noAckTest {
				c.noAck = true
				c.noAckTest = false
			}
			c.wmu.Unlock()
		case '-':
			c.resend()
		case 0x03:
			// interrupt: stop the target, the pending resume reports it
			c.s.Pause()
		case '$':
			data, err := input.ReadBytes('#')
			if err != nil {
				return
			}
			data = data[:len(data)-1]
			var chk [2]byte
			if _, err := io.ReadFull(input, chk[:]); err != nil {
				return
			}
			if bytes.Equal(checksum(data), chk[:]) {
				c.ack('+')
				c.packets <- unescape(data)
			} else {
				c.ack('-')
			}
		}
	}
}

func (c *gdbClient) ack(b byte) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if !c.noAck {
		c.rw.Write([]byte{b})
	}
}

func (c *gdbClient) resend() {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.last != nil {
		c.rw.Write(c.last)
	}
}

func (c *gdbClient) send(s string) error {
	data := escape([]byte(s))
	pkt := []byte("$" + string(data) + "#" + string(checksum(data)))
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.last = pkt
	_, err := c.rw.Write(pkt)
	return errors.Wrap(err, "gdb stub write failed")
}

// register values travel as little-endian hex
func fmtreg(v uint32) string {
	var b [4]byte
	cpu.ByteOrder.PutUint32(b[:], v)
	return hex.EncodeToString(b[:])
}

func parsereg(s string) (uint32, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 4 {
		return 0, errors.Errorf("bad register value %q", s)
	}
	return cpu.ByteOrder.Uint32(b), nil
}

func stopSignal(ev session.StopEvent) int {
	if ev.Reason == session.PauseFault {
		switch errors.Cause(ev.Err).(type) {
		case *arch.DecodeError:
			return 4 // SIGILL
		}
		return 11 // SIGSEGV
	}
	return 5 // SIGTRAP
}

func (c *gdbClient) reportStop(ev session.StopEvent) error {
	pc := c.s.Status().PC
	return c.send(fmt.Sprintf("T%02xpc:%s;thread:1;", stopSignal(ev), fmtreg(pc)))
}

// waitStop blocks until the session pauses or terminates.
func (c *gdbClient) waitStop() error {
	for ev := range c.sub.C {
		switch e := ev.(type) {
		case session.StopEvent:
			return c.reportStop(e)
		case session.TerminatedEvent:
			return c.send("W00")
		}
	}
	return errors.New("event stream closed")
}

func (c *gdbClient) handle(pkt []byte) error {
	if len(pkt) == 0 {
		return nil
	}
	b, rest := pkt[0], string(pkt[1:])
	var cmd, args string
	if i := strings.Index(rest, ":"); i >= 0 {
		cmd, args = rest[:i], rest[i+1:]
	} else {
		cmd = rest
	}
	switch b {
	case 'q':
		switch cmd {
		case "Supported":
			return c.send("PacketSize=4000;QStartNoAckMode+;vContSupported+")
		case "Attached":
			return c.send("1")
		case "Symbol":
			return c.send("OK")
		case "C":
			return c.send("QC1")
		case "fThreadInfo":
			return c.send("m1")
		case "sThreadInfo":
			return c.send("l")
		case "TStatus":
			return c.send("T0")
		default:
			return c.send("")
		}
	case 'Q':
		if cmd == "StartNoAckMode" {
			c.wmu.Lock()
			c.noAckTest = true
			c.wmu.Unlock()
			return c.send("OK")
		}
		return c.send("")
	case 'g':
		vals, _, err := c.s.Registers()
		if err != nil {
			return c.send("E01")
		}
		var sb strings.Builder
		for _, v := range vals {
			sb.WriteString(fmtreg(v))
		}
		return c.send(sb.String())
	case 'G':
		if len(cmd) < cpu.NumRegs*8 {
			return c.send("E01")
		}
		for i := 0; i < cpu.NumRegs; i++ {
			v, err := parsereg(cmd[i*8 : i*8+8])
			if err != nil {
				return c.send("E01")
			}
			if err := c.s.WriteRegister(i, v); err != nil {
				return c.send("E01")
			}
		}
		return c.send("OK")
	case 'p':
		i, err := strconv.ParseUint(cmd, 16, 0)
		if err != nil || i >= cpu.NumRegs {
			return c.send("E01")
		}
		v, err := c.s.ReadRegister(int(i))
		if err != nil {
			return c.send("E01")
		}
		return c.send(fmtreg(v))
	case 'P':
		tmp := strings.SplitN(rest, "=", 2)
		if len(tmp) != 2 {
			return c.send("E01")
		}
		i, err := strconv.ParseUint(tmp[0], 16, 0)
		if err != nil || i >= cpu.NumRegs {
			return c.send("E01")
		}
		v, err := parsereg(tmp[1])
		if err != nil {
			return c.send("E01")
		}
		if err := c.s.WriteRegister(int(i), v); err != nil {
			return c.send("E01")
		}
		return c.send("OK")
	case 'm':
		a, n := parseRange(rest)
		mem, err := c.s.ReadMemory(a, int(n))
		if err != nil {
			return c.send("E01")
		}
		return c.send(hex.EncodeToString(mem))
	case 'M':
		a, n := parseRange(cmd)
		data, err := hex.DecodeString(args)
		if err != nil || uint64(len(data)) != n {
			return c.send("E01")
		}
		if err := c.s.WriteMemory(a, data); err != nil {
			return c.send("E01")
		}
		return c.send("OK")
	case 'Z', 'z':
		parts := strings.Split(rest, ",")
		if len(parts) != 3 {
			return c.send("E01")
		}
		addr, err := strconv.ParseUint(parts[1], 16, 32)
		if err != nil {
			return c.send("E01")
		}
		kind := machine.BreakSoft
		if parts[0] == "1" {
			kind = machine.BreakHard
		}
		if b == 'Z' {
			err = c.s.AddBreakpoint(uint32(addr), kind)
		} else {
			err = c.s.RemoveBreakpoint(uint32(addr))
		}
		if err != nil {
			return c.send("E01")
		}
		return c.send("OK")
	case 'v':
		if cmd == "Cont?" {
			return c.send("vCont;c;s")
		}
		if strings.HasPrefix(cmd, "Cont;c") {
			return c.resume()
		}
		if strings.HasPrefix(cmd, "Cont;s") {
			return c.step()
		}
		return c.send("")
	case 'c':
		return c.resume()
	case 's':
		return c.step()
	case '?':
		st := c.s.Status()
		if st.State == session.Terminated {
			return c.send("W00")
		}
		return c.reportStop(session.StopEvent{Reason: st.Reason, Addr: st.PC})
	case 'H':
		return c.send("OK")
	case 'T':
		return c.send("OK")
	case 'D':
		if err := c.send("OK"); err != nil {
			return err
		}
		return errDetached
	}
	return c.send("")
}

func (c *gdbClient) resume() error {
	if err := c.s.Continue(); err != nil {
		return c.send("E01")
	}
	return c.waitStop()
}

func (c *gdbClient) step() error {
	if err := c.s.Step(1); err != nil {
		return c.send("E01")
	}
	return c.waitStop()
}
