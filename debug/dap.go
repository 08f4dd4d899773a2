package debug

import (
	"bufio"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/vireoemu/vireo/cpu"
	"github.com/vireoemu/vireo/machine"
	"github.com/vireoemu/vireo/session"
	"github.com/vireoemu/vireo/ui"
)

// The control protocol frames JSON messages with an HTTP-style header:
//
//	Content-Length: <n>\r\n
//	\r\n
//	<n bytes of JSON>
//
// Requests are answered in order; events interleave asynchronously.

type dapRequest struct {
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	Command   string          `json:"command"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type dapResponse struct {
	Seq        int         `json:"seq"`
	Type       string      `json:"type"`
	RequestSeq int         `json:"request_seq"`
	Command    string      `json:"command"`
	Success    bool        `json:"success"`
	Message    string      `json:"message,omitempty"`
	Body       interface{} `json:"body,omitempty"`
}

type dapEvent struct {
	Seq   int         `json:"seq"`
	Type  string      `json:"type"`
	Event string      `json:"event"`
	Body  interface{} `json:"body,omitempty"`
}

type DAPServer struct {
	s   *session.Session
	log *ui.Logger
}

func NewDAPServer(s *session.Session) *DAPServer {
	return &DAPServer{s: s, log: ui.NewLogger("dap", ui.Info)}
}

// Serve accepts one client at a time.
func (d *DAPServer) Serve(l net.Listener) error {
	for {
		c, err := l.Accept()
		if err != nil {
			return errors.Wrap(err, "dap accept failed")
		}
		d.log.Infof("client connected from %s", c.RemoteAddr())
		d.Run(c)
		c.Close()
	}
}

func (d *DAPServer) Run(rw io.ReadWriter) {
	c := &dapClient{
		rw:  rw,
		s:   d.s,
		sub: d.s.Subscribe(),
		log: d.log,
	}
	defer c.sub.Close()
	done := make(chan struct{})
	go c.pumpEvents(done)
	defer close(done)
	in := bufio.NewReader(rw)
	for {
		body, err := readFrame(in)
		if err != nil {
			if errors.Cause(err) != io.EOF {
				d.log.Errorf("read failed: %v", err)
			}
			return
		}
		var req dapRequest
		if err := json.Unmarshal(body, &req); err != nil {
			d.log.Errorf("bad request: %v", err)
			continue
		}
		if req.Type != "request" {
			continue
		}
		if !c.handle(&req) {
			return
		}
	}
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "Content-Length:") {
			v := strings.TrimSpace(strings.TrimPrefix(line, "Content-Length:"))
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, errors.Wrapf(err, "bad Content-Length %q", v)
			}
			length = n
		}
	}
	if length < 0 {
		return nil, errors.New("frame missing Content-Length")
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrap(err, "frame body truncated")
	}
	return body, nil
}

type dapClient struct {
	rw  io.ReadWriter
	s   *session.Session
	sub *session.Subscriber
	log *ui.Logger

	wmu sync.Mutex
	seq int
}

func (c *dapClient) write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal failed")
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := fmt.Fprintf(c.rw, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
		return errors.Wrap(err, "dap write failed")
	}
	_, err = c.rw.Write(data)
	return errors.Wrap(err, "dap write failed")
}

func (c *dapClient) event(name string, body interface{}) {
	c.wmu.Lock()
	c.seq++
	seq := c.seq
	c.wmu.Unlock()
	if err := c.write(dapEvent{Seq: seq, Type: "event", Event: name, Body: body}); err != nil {
		c.log.Errorf("%v", err)
	}
}

func (c *dapClient) reply(req *dapRequest, body interface{}) {
	c.respond(req, true, "", body)
}

func (c *dapClient) fail(req *dapRequest, err error) {
	c.respond(req, false, err.Error(), nil)
}

func (c *dapClient) respond(req *dapRequest, ok bool, msg string, body interface{}) {
	c.wmu.Lock()
	c.seq++
	seq := c.seq
	c.wmu.Unlock()
	err := c.write(dapResponse{
		Seq:        seq,
		Type:       "response",
		RequestSeq: req.Seq,
		Command:    req.Command,
		Success:    ok,
		Message:    msg,
		Body:       body,
	})
	if err != nil {
		c.log.Errorf("%v", err)
	}
}

// pumpEvents forwards session events to the client until the session
// terminates or the client goes away.
func (c *dapClient) pumpEvents(done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev, ok := <-c.sub.C:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case session.StopEvent:
				body := map[string]interface{}{
					"reason":            e.Reason.String(),
					"threadId":          1,
					"allThreadsStopped": true,
				}
				if e.Err != nil {
					body["text"] = e.Err.Error()
				}
				c.event("stopped", body)
			case session.Telemetry:
				c.event("telemetry", map[string]interface{}{
					"cycles":       e.Cycles,
					"instructions": e.Instructions,
					"pc":           hexAddr(uint64(e.PC)),
					"reset":        e.Reset,
				})
			case session.TerminatedEvent:
				c.event("terminated", nil)
			}
		}
	}
}

func hexAddr(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}

func parseAddr(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	v, err := strconv.ParseUint(s, 16, 64)
	return v, errors.Wrapf(err, "bad address %q", s)
}

// handle dispatches one request; false ends the connection.
func (c *dapClient) handle(req *dapRequest) bool {
	switch req.Command {
	case "initialize":
		c.reply(req, map[string]interface{}{
			"supportsConfigurationDoneRequest": true,
			"supportsRestartRequest":           true,
			"supportsGotoTargetsRequest":       true,
			"supportsDisassembleRequest":       true,
			"supportsReadMemoryRequest":        true,
			"supportsWriteMemoryRequest":       true,
			"supportsInstructionBreakpoints":   true,
			"supportsSteppingGranularity":      true,
			"supportsEvaluateForHovers":        true,
			"supportsTerminateRequest":         true,
		})
		c.event("initialized", nil)
	case "launch":
		if err := c.s.Launch(); err != nil {
			c.fail(req, err)
			return true
		}
		c.reply(req, nil)
	case "configurationDone":
		c.reply(req, nil)
	case "threads":
		c.reply(req, map[string]interface{}{
			"threads": []map[string]interface{}{{"id": 1, "name": "core0"}},
		})
	case "stackTrace":
		st := c.s.Status()
		c.reply(req, map[string]interface{}{
			"totalFrames": 1,
			"stackFrames": []map[string]interface{}{{
				"id":                          1,
				"name":                        hexAddr(uint64(st.PC)),
				"instructionPointerReference": hexAddr(uint64(st.PC)),
				"line":                        0,
				"column":                      0,
			}},
		})
	case "scopes":
		c.reply(req, map[string]interface{}{
			"scopes": []map[string]interface{}{{
				"name":               "Registers",
				"variablesReference": 1,
				"expensive":          false,
			}},
		})
	case "variables":
		vals, flags, err := c.s.Registers()
		if err != nil {
			c.fail(req, err)
			return true
		}
		vars := make([]map[string]interface{}, 0, cpu.NumRegs+1)
		for i, v := range vals {
			vars = append(vars, map[string]interface{}{
				"name":               cpu.RegName(i),
				"value":              hexAddr(uint64(v)),
				"variablesReference": 0,
			})
		}
		vars = append(vars, map[string]interface{}{
			"name":               "flags",
			"value":              hexAddr(uint64(flags)),
			"variablesReference": 0,
		})
		c.reply(req, map[string]interface{}{"variables": vars})
	case "evaluate":
		var args struct {
			Expression string `json:"expression"`
		}
		json.Unmarshal(req.Arguments, &args)
		v, err := c.evalRegister(args.Expression)
		if err != nil {
			c.fail(req, err)
			return true
		}
		c.reply(req, map[string]interface{}{
			"result":             hexAddr(uint64(v)),
			"variablesReference": 0,
		})
	case "setBreakpoints":
		// source-level breakpoints need symbols this target does not carry
		var args struct {
			Breakpoints []struct {
				Line int `json:"line"`
			} `json:"breakpoints"`
		}
		json.Unmarshal(req.Arguments, &args)
		bps := make([]map[string]interface{}, len(args.Breakpoints))
		for i := range args.Breakpoints {
			bps[i] = map[string]interface{}{"verified": false}
		}
		c.reply(req, map[string]interface{}{"breakpoints": bps})
	case "setInstructionBreakpoints":
		var args struct {
			Breakpoints []struct {
				InstructionReference string `json:"instructionReference"`
				Offset               int64  `json:"offset"`
			} `json:"breakpoints"`
		}
		json.Unmarshal(req.Arguments, &args)
		for _, addr := range c.s.Breakpoints() {
			c.s.RemoveBreakpoint(addr)
		}
		bps := make([]map[string]interface{}, len(args.Breakpoints))
		for i, b := range args.Breakpoints {
			addr, err := parseAddr(b.InstructionReference)
			if err != nil {
				bps[i] = map[string]interface{}{"verified": false, "message": err.Error()}
				continue
			}
			addr = uint64(int64(addr) + b.Offset)
			if err := c.s.AddBreakpoint(uint32(addr), machine.BreakSoft); err != nil {
				bps[i] = map[string]interface{}{"verified": false, "message": err.Error()}
				continue
			}
			bps[i] = map[string]interface{}{
				"verified":             true,
				"instructionReference": hexAddr(addr),
			}
		}
		c.reply(req, map[string]interface{}{"breakpoints": bps})
	case "continue":
		if err := c.s.Continue(); err != nil {
			c.fail(req, err)
			return true
		}
		c.reply(req, map[string]interface{}{"allThreadsContinued": true})
	case "pause":
		if err := c.s.Pause(); err != nil {
			c.fail(req, err)
			return true
		}
		c.reply(req, nil)
	case "next", "stepIn", "stepOut":
		var args struct {
			Count uint64 `json:"count"`
		}
		json.Unmarshal(req.Arguments, &args)
		if err := c.s.Step(args.Count); err != nil {
			c.fail(req, err)
			return true
		}
		c.reply(req, nil)
	case "restart":
		if err := c.s.Restart(); err != nil {
			c.fail(req, err)
			return true
		}
		c.reply(req, nil)
	case "goto":
		var args struct {
			Address string `json:"address"`
		}
		json.Unmarshal(req.Arguments, &args)
		addr, err := parseAddr(args.Address)
		if err == nil {
			err = c.s.Goto(uint32(addr))
		}
		if err != nil {
			c.fail(req, err)
			return true
		}
		c.reply(req, nil)
	case "disassemble":
		var args struct {
			MemoryReference  string `json:"memoryReference"`
			Offset           int64  `json:"offset"`
			InstructionCount int    `json:"instructionCount"`
		}
		json.Unmarshal(req.Arguments, &args)
		addr, err := parseAddr(args.MemoryReference)
		if err != nil {
			c.fail(req, err)
			return true
		}
		addr = uint64(int64(addr) + args.Offset)
		ins, err := c.s.Disassemble(addr, args.InstructionCount)
		if err != nil {
			c.fail(req, err)
			return true
		}
		list := make([]map[string]interface{}, len(ins))
		for i, in := range ins {
			list[i] = map[string]interface{}{
				"address":          hexAddr(in.Addr()),
				"instructionBytes": hex.EncodeToString(in.Bytes()),
				"instruction":      strings.TrimSpace(in.Mnemonic() + " " + in.OpStr()),
			}
		}
		c.reply(req, map[string]interface{}{"instructions": list})
	case "readMemory":
		var args struct {
			MemoryReference string `json:"memoryReference"`
			Offset          int64  `json:"offset"`
			Count           int    `json:"count"`
		}
		json.Unmarshal(req.Arguments, &args)
		addr, err := parseAddr(args.MemoryReference)
		if err != nil {
			c.fail(req, err)
			return true
		}
		addr = uint64(int64(addr) + args.Offset)
		mem, err := c.s.ReadMemory(addr, args.Count)
		if err != nil {
			c.fail(req, err)
			return true
		}
		c.reply(req, map[string]interface{}{
			"address": hexAddr(addr),
			"data":    base64.StdEncoding.EncodeToString(mem),
		})
	case "writeMemory":
		var args struct {
			MemoryReference string `json:"memoryReference"`
			Offset          int64  `json:"offset"`
			Data            string `json:"data"`
		}
		json.Unmarshal(req.Arguments, &args)
		addr, err := parseAddr(args.MemoryReference)
		if err != nil {
			c.fail(req, err)
			return true
		}
		addr = uint64(int64(addr) + args.Offset)
		data, err := base64.StdEncoding.DecodeString(args.Data)
		if err != nil {
			c.fail(req, errors.Wrap(err, "bad base64 payload"))
			return true
		}
		if err := c.s.WriteMemory(addr, data); err != nil {
			c.fail(req, err)
			return true
		}
		c.reply(req, map[string]interface{}{"bytesWritten": len(data)})
	case "snapshot":
		data, err := c.s.Snapshot()
		if err != nil {
			c.fail(req, err)
			return true
		}
		c.reply(req, map[string]interface{}{
			"data": base64.StdEncoding.EncodeToString(data),
		})
	case "restore":
		var args struct {
			Data string `json:"data"`
		}
		json.Unmarshal(req.Arguments, &args)
		data, err := base64.StdEncoding.DecodeString(args.Data)
		if err != nil {
			c.fail(req, errors.Wrap(err, "bad base64 payload"))
			return true
		}
		if err := c.s.RestoreSnapshot(data); err != nil {
			c.fail(req, err)
			return true
		}
		c.reply(req, nil)
	case "terminate", "disconnect":
		c.s.Terminate()
		c.reply(req, nil)
		return false
	default:
		c.fail(req, errors.Errorf("unsupported command %q", req.Command))
	}
	return true
}

func (c *dapClient) evalRegister(expr string) (uint32, error) {
	expr = strings.TrimSpace(strings.ToLower(expr))
	for i := 0; i < cpu.NumRegs; i++ {
		if expr == cpu.RegName(i) {
			return c.s.ReadRegister(i)
		}
	}
	if expr == "flags" {
		_, flags, err := c.s.Registers()
		return flags, err
	}
	return 0, errors.Errorf("cannot evaluate %q", expr)
}
