// Command policyd is the policy authority: it loads a capability
// policy table, serves check(subject, required) -> {allowed, missing}
// decisions over a Unix domain socket, and journals every verdict.
// Grounded on internal/policy and internal/audit; the listen loop and
// flag parsing follow the same go-flags/logrus pattern as cmd/init.
package main

import (
	"bufio"
	"encoding/json"
	"net"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/open-nexus-os/neuron/internal/audit"
	"github.com/open-nexus-os/neuron/internal/defs"
	"github.com/open-nexus-os/neuron/internal/policy"
	"github.com/open-nexus-os/neuron/internal/uart"
)

type options struct {
	PolicyFile string  `short:"p" long:"policy" description:"path to the policy table" default:"policy.yaml"`
	Socket     string  `short:"s" long:"socket" description:"unix socket to serve checks on" default:"/tmp/neuron-policyd.sock"`
	RatePerSec float64 `long:"audit-rate" description:"per-subject audit entries per second" default:"50"`
	Burst      int     `long:"audit-burst" description:"per-subject audit burst size" default:"20"`
}

// checkRequest and checkResponse are the JSON-over-socket wire
// format a service speaks to ask policyd for a decision.
type checkRequest struct {
	Subject  defs.ServiceId_t `json:"subject"`
	Action   string           `json:"action"`
	Target   string           `json:"target"`
	Required []string         `json:"required"`
}

type checkResponse struct {
	Allowed bool     `json:"allowed"`
	Missing []string `json:"missing,omitempty"`
}

var log = logrus.WithField("component", "policyd")

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	uart.Marker("init: start policyd")

	table, perr := policy.Load(opts.PolicyFile)
	if perr != 0 {
		log.WithField("err", perr).Fatal("failed to load policy table")
	}
	journal := audit.NewJournal(opts.RatePerSec, opts.Burst)
	engine := policy.NewEngine(table, journal)

	os.Remove(opts.Socket)
	ln, err := net.Listen("unix", opts.Socket)
	if err != nil {
		log.WithError(err).Fatal("failed to listen")
	}
	defer ln.Close()

	uart.Marker("init: up policyd")
	uart.Marker("policyd: ready")

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.WithError(err).Warn("accept failed")
			continue
		}
		go serve(conn, engine)
	}
}

func serve(conn net.Conn, engine *policy.Engine_t) {
	defer conn.Close()

	if pid, uid, err := peerCredentials(conn); err == nil {
		log.WithFields(logrus.Fields{"peer_pid": pid, "peer_uid": uid}).Debug("accepted connection")
	}

	r := bufio.NewReader(conn)
	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(r)

	for {
		var req checkRequest
		if err := dec.Decode(&req); err != nil {
			return
		}
		res := engine.Check(req.Subject, req.Action, req.Target, req.Required)
		if err := enc.Encode(checkResponse{Allowed: res.Allowed, Missing: res.Missing}); err != nil {
			return
		}
	}
}

// peerCredentials reads the connecting process's pid and uid off the
// Unix socket via SO_PEERCRED, the kernel-verified identity container
// runtimes read from a local socket. serve only logs these values; the
// policy decision is keyed on the request's Subject field, and the
// peer credentials are not compared with it.
func peerCredentials(conn net.Conn) (pid, uid int32, err error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, 0, os.ErrInvalid
	}
	raw, rerr := uc.SyscallConn()
	if rerr != nil {
		return 0, 0, rerr
	}
	var cred *unix.Ucred
	var gerr error
	cerr := raw.Control(func(fd uintptr) {
		cred, gerr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if cerr != nil {
		return 0, 0, cerr
	}
	if gerr != nil {
		return 0, 0, gerr
	}
	return cred.Pid, int32(cred.Uid), nil
}
