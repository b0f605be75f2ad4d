// Command iscsitarget is a thin example wrapper: it exposes one file as a
// memory-backed iSCSI LUN until interrupted. It is a demonstration, not a
// supported CLI — configuration loading and flag parsing are explicitly
// out of scope for the core library.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	iscsi "github.com/coreos/go-iscsi"
)

func die(why string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, why+"\n", args...)
	os.Exit(1)
}

func main() {
	logrus.SetLevel(logrus.InfoLevel)

	if len(os.Args) < 2 {
		die("usage: %s <backing-file>", os.Args[0])
	}

	f, err := os.OpenFile(os.Args[1], os.O_RDWR, 0)
	if err != nil {
		die("opening %s: %v", os.Args[1], err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		die("statting %s: %v", os.Args[1], err)
	}

	const blockSize = 512
	buf := make([]byte, fi.Size()-(fi.Size()%blockSize))
	if _, err := f.ReadAt(buf, 0); err != nil {
		die("reading %s: %v", os.Args[1], err)
	}
	device, err := iscsi.NewMemoryDeviceFromBytes(buf, blockSize)
	if err != nil {
		die("building device: %v", err)
	}

	target, err := iscsi.NewTargetBuilder().
		BindAddr("0.0.0.0:3260").
		TargetName("iqn.2025-12.local:storage." + os.Args[1]).
		Build(device)
	if err != nil {
		die("building target: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logrus.Info("iscsi: shutting down gracefully")
		target.ShutdownGracefully()
		target.Stop()
	}()

	if err := target.Run(); err != nil {
		die("target exited: %v", err)
	}
}
