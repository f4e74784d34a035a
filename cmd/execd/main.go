// Command execd is the exec/loader service: given a path to an ELF64
// RISC-V executable, it parses and validates the image with
// internal/loader and returns the entry point and segment layout the
// kernel needs to map the binary into a freshly created address
// space. Splitting ELF parsing out of the kernel proper into its own
// service follows the microkernel principle of keeping
// mechanism (page tables, IPC) in the kernel and policy/parsing
// (what counts as a loadable binary) in userspace.
package main

import (
	"bufio"
	"encoding/json"
	"net"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/open-nexus-os/neuron/internal/loader"
	"github.com/open-nexus-os/neuron/internal/uart"
	"github.com/open-nexus-os/neuron/internal/vm"
)

type options struct {
	Socket string `short:"s" long:"socket" description:"unix socket to serve load requests on" default:"/tmp/neuron-execd.sock"`
}

type loadRequest struct {
	Path string `json:"path"`
}

type segmentInfo struct {
	Vaddr uintptr `json:"vaddr"`
	Len   uintptr `json:"len"`
	R     bool    `json:"r"`
	W     bool    `json:"w"`
	X     bool    `json:"x"`
}

type loadResponse struct {
	Entry    uintptr       `json:"entry,omitempty"`
	Segments []segmentInfo `json:"segments,omitempty"`
	Error    string        `json:"error,omitempty"`
}

var log = logrus.WithField("component", "execd")

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	uart.Marker("init: start execd")

	os.Remove(opts.Socket)
	ln, err := net.Listen("unix", opts.Socket)
	if err != nil {
		log.WithError(err).Fatal("failed to listen")
	}
	defer ln.Close()

	uart.Marker("init: up execd")
	uart.Marker("execd: ready")

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.WithError(err).Warn("accept failed")
			continue
		}
		go serve(conn)
	}
}

func serve(conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(bufio.NewReader(conn))
	enc := json.NewEncoder(conn)

	for {
		var req loadRequest
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp := handleLoad(req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func handleLoad(req loadRequest) loadResponse {
	raw, err := os.ReadFile(req.Path)
	if err != nil {
		return loadResponse{Error: err.Error()}
	}
	img, derr := loader.Parse(raw)
	if derr != 0 {
		return loadResponse{Error: derr.Error()}
	}
	resp := loadResponse{Entry: img.Entry()}
	for _, seg := range img.Segments() {
		resp.Segments = append(resp.Segments, segmentInfo{
			Vaddr: seg.Vaddr,
			Len:   seg.Len,
			R:     seg.Prot&vm.ProtR != 0,
			W:     seg.Prot&vm.ProtW != 0,
			X:     seg.Prot&vm.ProtX != 0,
		})
	}
	return resp
}
