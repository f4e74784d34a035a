// Command mkimage packages a boot bundle: the init binary, its
// service manifest, the policy table, and every service binary the
// manifest references, into a single tar.gz archive that an
// operator unpacks on the target root before running cmd/neuron.
// Grounded on biscuit's mkfs (mkfs/mkfs.go's copydata loop, which
// walks host files into a built filesystem image); Neuron has no
// on-disk filesystem, so the analogous artifact is a flat archive
// rather than a ufs.Ufs_t image. archive/tar has no ecosystem
// replacement in this corpus -- it is the standard tool for exactly
// this job, so no third-party bundling library is substituted here.
package main

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"
)

type options struct {
	Output   string   `short:"o" long:"output" description:"output archive path" default:"boot.tar.gz"`
	Init     string   `long:"init" description:"path to the init binary" required:"true"`
	Manifest string   `long:"manifest" description:"path to the init service manifest" required:"true"`
	Policy   string   `long:"policy" description:"path to the policy table" required:"true"`
	Services []string `long:"service" description:"name=path pair for a service binary, repeatable"`
}

var log = logrus.WithField("component", "mkimage")

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	out, err := os.Create(opts.Output)
	if err != nil {
		log.WithError(err).Fatal("failed to create output archive")
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	mustCopy(tw, opts.Init, "init")
	mustCopy(tw, opts.Manifest, "init.yaml")
	mustCopy(tw, opts.Policy, "policy.yaml")
	for _, svc := range opts.Services {
		name, path, err := splitServicePair(svc)
		if err != nil {
			log.WithError(err).Fatal("bad --service value")
		}
		mustCopy(tw, path, filepath.Join("services", name))
	}

	if err := tw.Close(); err != nil {
		log.WithError(err).Fatal("failed to finalize tar stream")
	}
	if err := gz.Close(); err != nil {
		log.WithError(err).Fatal("failed to finalize gzip stream")
	}
	log.WithField("output", opts.Output).Info("boot image built")
}

func splitServicePair(s string) (name, path string, err error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("expected name=path, got %q", s)
}

// mustCopy reads src from the host filesystem and appends it to tw
// under archivePath, the same "open host file, stream its bytes into
// the image" shape as mkfs.go's copydata.
func mustCopy(tw *tar.Writer, src, archivePath string) {
	f, err := os.Open(src)
	if err != nil {
		log.WithError(err).Fatalf("failed to open %s", src)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		log.WithError(err).Fatalf("failed to stat %s", src)
	}

	hdr := &tar.Header{Name: archivePath, Mode: 0755, Size: info.Size()}
	if err := tw.WriteHeader(hdr); err != nil {
		log.WithError(err).Fatal("failed to write tar header")
	}
	if _, err := io.Copy(tw, f); err != nil {
		log.WithError(err).Fatalf("failed to copy %s into archive", src)
	}
}
