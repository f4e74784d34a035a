// Command init is the first userspace service: it reads a manifest of
// services to bring up, launches each in manifest order, emits
// "init: up <svc>" when a service prints its readiness marker, and
// applies a per-service restart policy if one exits. Services are
// started one after another without waiting for the previous one's
// marker. The manifest format and CLI surface follow snapd's
// declarative-YAML-plus-go-flags style; the cooperative bring-up
// order and deterministic marker ladder are this system's own
// contract, with no analogue upstream.
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/open-nexus-os/neuron/internal/hashtable"
	"github.com/open-nexus-os/neuron/internal/uart"
)

// directory maps a running service's name to its current OS pid, the
// userspace analogue of a kernel service directory: the only way init
// (or a future query interface) resolves "policyd" to something it can
// signal or report on.
var directory = hashtable.NewStringKeyed[int](16)

// RestartPolicy_t controls what init does when a service's process
// exits. This goes beyond a bare "launch services in order" contract:
// a real init needs to decide
// whether a crashed service comes back.
type RestartPolicy_t string

const (
	RestartNever     RestartPolicy_t = "never"
	RestartAlways    RestartPolicy_t = "always"
	RestartOnFailure RestartPolicy_t = "on-failure"
)

// ServiceSpec_t describes one manifest entry.
type ServiceSpec_t struct {
	Name    string          `yaml:"name"`
	Path    string          `yaml:"path"`
	Args    []string        `yaml:"args"`
	Restart RestartPolicy_t `yaml:"restart"`
	// MaxRestarts bounds how many times a crash-looping service is
	// relaunched before init gives up on it and moves on.
	MaxRestarts int `yaml:"max_restarts"`
}

// Manifest_t is the full service bring-up list.
type Manifest_t struct {
	Services []ServiceSpec_t `yaml:"services"`
}

type options struct {
	Manifest string `short:"m" long:"manifest" description:"path to the service manifest" default:"init.yaml"`
}

var log = logrus.WithField("component", "init")

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	uart.Marker("init: start")

	manifest, err := loadManifest(opts.Manifest)
	if err != nil {
		log.WithError(err).Fatal("failed to load manifest")
	}

	for _, svc := range manifest.Services {
		launchAndSupervise(svc)
	}

	uart.Marker("init: ready")
	select {}
}

func loadManifest(path string) (*Manifest_t, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest_t
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}

// launchAndSupervise starts svc and, in a background goroutine,
// restarts it according to its policy each time it exits, up to
// MaxRestarts attempts beyond the first.
func launchAndSupervise(svc ServiceSpec_t) {
	uart.Markerf("init: start %s", svc.Name)

	go func() {
		attempts := 0
		for {
			ready := make(chan struct{}, 1)
			done := make(chan error, 1)
			go func() { done <- runOnce(svc, ready) }()

			var err error
			select {
			case <-ready:
				uart.Markerf("init: up %s", svc.Name)
				err = <-done
			case err = <-done:
			}

			if err != nil {
				log.WithFields(logrus.Fields{"service": svc.Name, "err": err}).Warn("service exited")
			}

			restart := svc.Restart == RestartAlways || (svc.Restart == RestartOnFailure && err != nil)
			if !restart {
				return
			}
			attempts++
			if svc.MaxRestarts > 0 && attempts > svc.MaxRestarts {
				log.WithField("service", svc.Name).Error("service exceeded max restarts, giving up")
				return
			}
			time.Sleep(backoff(attempts))
		}
	}()
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 100 * time.Millisecond
	if d > 5*time.Second {
		return 5 * time.Second
	}
	return d
}

// runOnce launches svc once, scanning its stdout for a "<svc>: ready"
// line and signaling ready the first time it appears, then blocks
// until the process exits.
func runOnce(svc ServiceSpec_t, ready chan<- struct{}) error {
	cmd := exec.Command(svc.Path, svc.Args...)
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	directory.Set(svc.Name, cmd.Process.Pid)
	defer directory.Del(svc.Name)

	wantMarker := fmt.Sprintf("%s: ready", svc.Name)
	go func() {
		sc := bufio.NewScanner(stdout)
		for sc.Scan() {
			line := sc.Text()
			fmt.Println(line)
			if line == wantMarker {
				select {
				case ready <- struct{}{}:
				default:
				}
			}
		}
	}()

	return cmd.Wait()
}
