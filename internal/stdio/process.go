package stdio

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/zboralski/newlibshim/internal/errno"
)

// PID is the process id reported to the guest. pid 1 is init and this is
// not a real process hierarchy, so it is not used.
const PID = 2

// Getpid returns PID.
func (s *Shim) Getpid() int32 {
	s.log.TraceSimple("process", "getpid", "-> 2")
	return PID
}

// Kill always fails with EPERM; no signal can be delivered.
func (s *Shim) Kill(pid, sig int32) error {
	s.log.TraceSimple("process", "kill", fmt.Sprintf("pid=%d sig=%d", pid, sig))
	return errno.EPERM
}

// Exit records the guest's exit status and returns. The host keeps running:
// a sandboxed module cannot halt it.
func (s *Shim) Exit(code int32) {
	s.log.TraceSimple("process", "exit", fmt.Sprintf("code=%d", code))
	s.log.Debug("guest exit requested", zap.Int32("code", code))
}

// AtExit accepts a destructor registration without storing it. The host never
// exits the module in a way that would run it.
func (s *Shim) AtExit(fn, arg, dso uint64) error {
	s.log.TraceSimple("process", "atexit", fmt.Sprintf("fn=0x%x arg=0x%x dso=0x%x", fn, arg, dso))
	return nil
}
