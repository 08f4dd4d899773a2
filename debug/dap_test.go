package debug

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vireoemu/vireo/arch/vex32"
	"github.com/vireoemu/vireo/session"
)

// dapConn drives the client side of the framed json protocol.
type dapConn struct {
	t      *testing.T
	c      net.Conn
	r      *bufio.Reader
	seq    int
	events []map[string]interface{}
}

func dialDAP(t *testing.T, s *session.Session) *dapConn {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		NewDAPServer(s).Run(server)
		server.Close()
	}()
	t.Cleanup(func() { client.Close() })
	client.SetDeadline(time.Now().Add(10 * time.Second))
	return &dapConn{t: t, c: client, r: bufio.NewReader(client)}
}

func (d *dapConn) readMsg() map[string]interface{} {
	d.t.Helper()
	length := -1
	for {
		line, err := d.r.ReadString('\n')
		require.NoError(d.t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "Content-Length:") {
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Content-Length:")))
			require.NoError(d.t, err)
			length = n
		}
	}
	require.GreaterOrEqual(d.t, length, 0, "frame missing Content-Length")
	body := make([]byte, length)
	_, err := io.ReadFull(d.r, body)
	require.NoError(d.t, err)
	var msg map[string]interface{}
	require.NoError(d.t, json.Unmarshal(body, &msg))
	return msg
}

// request sends a command and reads to its response, stashing any events
// that arrive in between.
func (d *dapConn) request(cmd string, args interface{}) map[string]interface{} {
	d.t.Helper()
	d.seq++
	msg := map[string]interface{}{"seq": d.seq, "type": "request", "command": cmd}
	if args != nil {
		msg["arguments"] = args
	}
	body, err := json.Marshal(msg)
	require.NoError(d.t, err)
	_, err = fmt.Fprintf(d.c, "Content-Length: %d\r\n\r\n%s", len(body), body)
	require.NoError(d.t, err)
	for {
		m := d.readMsg()
		if m["type"] == "event" {
			d.events = append(d.events, m)
			continue
		}
		if m["type"] == "response" && int(m["request_seq"].(float64)) == d.seq {
			require.Equal(d.t, cmd, m["command"])
			return m
		}
	}
}

func (d *dapConn) expectOK(cmd string, args interface{}) map[string]interface{} {
	d.t.Helper()
	m := d.request(cmd, args)
	require.Equal(d.t, true, m["success"], "%s failed: %v", cmd, m["message"])
	return m
}

// waitEvent returns the next event with the given name, reading more frames
// if it has not arrived yet.
func (d *dapConn) waitEvent(name string) map[string]interface{} {
	d.t.Helper()
	for {
		for i, ev := range d.events {
			if ev["event"] == name {
				d.events = append(d.events[:i], d.events[i+1:]...)
				return ev
			}
		}
		m := d.readMsg()
		if m["type"] == "event" {
			d.events = append(d.events, m)
		}
	}
}

func body(m map[string]interface{}) map[string]interface{} {
	if b, ok := m["body"].(map[string]interface{}); ok {
		return b
	}
	return map[string]interface{}{}
}

func launchDAP(t *testing.T, words ...uint32) *dapConn {
	t.Helper()
	s := buildTarget(t, words...)
	d := dialDAP(t, s)
	m := d.expectOK("initialize", nil)
	assert.Equal(t, true, body(m)["supportsDisassembleRequest"])
	d.waitEvent("initialized")
	d.expectOK("launch", nil)
	ev := d.waitEvent("stopped")
	require.Equal(t, "entry", body(ev)["reason"])
	d.expectOK("configurationDone", nil)
	return d
}

func TestDAPMemoryRoundTrip(t *testing.T) {
	d := launchDAP(t, vex32.Halt())
	payload := base64.StdEncoding.EncodeToString([]byte{0xde, 0xad, 0xbe, 0xef})
	m := d.expectOK("writeMemory", map[string]interface{}{
		"memoryReference": "0x2000",
		"data":            payload,
	})
	assert.EqualValues(t, 4, body(m)["bytesWritten"])

	m = d.expectOK("readMemory", map[string]interface{}{
		"memoryReference": "0x2000",
		"count":           4,
	})
	assert.Equal(t, payload, body(m)["data"])
	assert.Equal(t, "0x2000", body(m)["address"])
}

func TestDAPMemoryFault(t *testing.T) {
	d := launchDAP(t, vex32.Halt())
	m := d.request("readMemory", map[string]interface{}{
		"memoryReference": "0x9000",
		"count":           4,
	})
	assert.Equal(t, false, m["success"])
}

func TestDAPBreakpointRun(t *testing.T) {
	d := launchDAP(t, vex32.Nop(), vex32.Nop(), vex32.Nop(), vex32.Halt())
	m := d.expectOK("setInstructionBreakpoints", map[string]interface{}{
		"breakpoints": []map[string]interface{}{{"instructionReference": "0x8"}},
	})
	bps := body(m)["breakpoints"].([]interface{})
	require.Len(t, bps, 1)
	assert.Equal(t, true, bps[0].(map[string]interface{})["verified"])

	d.expectOK("continue", nil)
	ev := d.waitEvent("stopped")
	assert.Equal(t, "breakpoint", body(ev)["reason"])

	d.expectOK("continue", nil)
	ev = d.waitEvent("stopped")
	assert.Equal(t, "halted", body(ev)["reason"])
}

func TestDAPStepAndRegisters(t *testing.T) {
	d := launchDAP(t, vex32.Movw(0, 0xbbaa), vex32.Movt(0, 0xddcc), vex32.Halt())
	d.expectOK("next", map[string]interface{}{"count": 2})
	ev := d.waitEvent("stopped")
	assert.Equal(t, "step", body(ev)["reason"])

	m := d.expectOK("evaluate", map[string]interface{}{"expression": "r0"})
	assert.Equal(t, "0xddccbbaa", body(m)["result"])

	m = d.expectOK("variables", map[string]interface{}{"variablesReference": 1})
	vars := body(m)["variables"].([]interface{})
	require.NotEmpty(t, vars)
	first := vars[0].(map[string]interface{})
	assert.Equal(t, "r0", first["name"])
	assert.Equal(t, "0xddccbbaa", first["value"])
}

func TestDAPDisassemble(t *testing.T) {
	d := launchDAP(t, vex32.Movw(0, 5), vex32.Halt())
	m := d.expectOK("disassemble", map[string]interface{}{
		"memoryReference":  "0x0",
		"instructionCount": 2,
	})
	ins := body(m)["instructions"].([]interface{})
	require.Len(t, ins, 2)
	assert.Equal(t, "movw r0, 0x5", ins[0].(map[string]interface{})["instruction"])
	assert.Equal(t, "halt", ins[1].(map[string]interface{})["instruction"])
}

func TestDAPTelemetryEvent(t *testing.T) {
	d := launchDAP(t, vex32.B(-1))
	d.expectOK("continue", nil)
	ev := d.waitEvent("telemetry")
	b := body(ev)
	assert.NotNil(t, b["cycles"])
	assert.NotNil(t, b["instructions"])
	assert.Equal(t, false, b["reset"])
	d.expectOK("pause", nil)
	d.waitEvent("stopped")
}

func TestDAPSnapshotRestore(t *testing.T) {
	d := launchDAP(t, vex32.Addi(0, 1), vex32.B(-2))
	d.expectOK("next", map[string]interface{}{"count": 4})
	d.waitEvent("stopped")

	snap := body(d.expectOK("snapshot", nil))["data"].(string)
	require.NotEmpty(t, snap)

	d.expectOK("next", map[string]interface{}{"count": 4})
	d.waitEvent("stopped")

	d.expectOK("restore", map[string]interface{}{"data": snap})
	ev := d.waitEvent("stopped")
	assert.Equal(t, "restored", body(ev)["reason"])
}

func TestDAPGotoAndRestart(t *testing.T) {
	d := launchDAP(t, vex32.Nop(), vex32.Nop(), vex32.Halt())
	d.expectOK("goto", map[string]interface{}{"address": "0x8"})
	ev := d.waitEvent("stopped")
	assert.Equal(t, "pause", body(ev)["reason"])

	m := d.request("goto", map[string]interface{}{"address": "0x6"})
	assert.Equal(t, false, m["success"], "unaligned goto must fail")

	d.expectOK("restart", nil)
	ev = d.waitEvent("stopped")
	assert.Equal(t, "entry", body(ev)["reason"])
}

func TestDAPDisconnect(t *testing.T) {
	s := testTarget(t, vex32.Halt())
	d := dialDAP(t, s)
	d.expectOK("initialize", nil)
	d.expectOK("disconnect", nil)
	assert.Equal(t, session.Terminated, s.Status().State)
}
