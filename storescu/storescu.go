// The storescu command sends DICOM files to a remote store SCP over
// parallel associations, transcoding between the uncompressed transfer
// syntaxes when the peer requires it.
//
// Usage:
//
//	storescu -server localhost:11112 file1.dcm file2.dcm
//	storescu -server localhost:11112 -root /var/lib/dicom study/series/image.dcm
//	storescu -server localhost:11112 -echo
//
// With -root the arguments are storage keys relative to that directory;
// otherwise they are local file paths. Exits nonzero when any file failed.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"v.io/x/lib/vlog"

	"github.com/dcmnode/dcmnode/scu"
	"github.com/dcmnode/dcmnode/storage"
)

var (
	configFlag      = flag.String("config", "", "Path to the YAML configuration file")
	serverFlag      = flag.String("server", "", "host:port of the remote store SCP; overrides the config file")
	callingAEFlag   = flag.String("calling-ae", "", "AE title of this client; overrides the config file")
	calledAEFlag    = flag.String("called-ae", "", "AE title of the remote SCP; overrides the config file")
	concurrencyFlag = flag.Int("concurrency", 0, "Parallel associations; overrides the config file")
	failFirstFlag   = flag.Bool("fail-first", false, "Stop the whole batch on the first failed file")
	echoFlag        = flag.Bool("echo", false, "Issue a C-ECHO instead of sending files")
	rootFlag        = flag.String("root", "", "Treat the arguments as storage keys under this directory")
)

func loadConfig() scu.Config {
	cfg := scu.DefaultConfig()
	if *configFlag != "" {
		loaded, err := scu.Load(*configFlag)
		if err != nil {
			glog.Exitf("%v", err)
		}
		cfg = loaded
	}
	if *serverFlag != "" {
		cfg.Addr = *serverFlag
	}
	if *callingAEFlag != "" {
		cfg.CallingAETitle = *callingAEFlag
	}
	if *calledAEFlag != "" {
		cfg.CalledAETitle = *calledAEFlag
	}
	if *concurrencyFlag > 0 {
		cfg.Concurrency = *concurrencyFlag
	}
	if *failFirstFlag {
		cfg.FailFirst = true
	}
	if cfg.Addr == "" {
		glog.Exit("no server address: pass -server or set addr in the config file")
	}
	return cfg
}

func main() {
	flag.Parse()
	vlog.ConfigureLibraryLoggerFromFlags()

	cfg := loadConfig()
	var backend storage.Backend
	if *rootFlag != "" {
		backend = storage.NewFilesystem(*rootFlag)
	}
	s, err := scu.New(cfg, backend, scu.Events{
		FileSent: func(ev scu.FileSentEvent) {
			glog.Infof("sent %s as %s in %v", ev.File.Source, ev.TransferSyntaxUID, ev.Duration)
		},
		FileError: func(ev scu.FileErrorEvent) {
			glog.Errorf("%s: %v", ev.Source, ev.Err)
		},
	})
	if err != nil {
		glog.Exitf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *echoFlag {
		if err := s.Echo(ctx); err != nil {
			glog.Exitf("C-ECHO %s: %v", cfg.Addr, err)
		}
		glog.Infof("C-ECHO %s ok", cfg.Addr)
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		glog.Exit("no files to send")
	}
	sources := make([]scu.Source, 0, len(args))
	for _, arg := range args {
		if *rootFlag != "" {
			sources = append(sources, scu.Source{Key: arg})
		} else {
			sources = append(sources, scu.Source{Path: arg})
		}
	}
	stats, err := s.Send(ctx, sources)
	if err != nil {
		glog.Errorf("send: %v", err)
	}
	glog.Infof("sent %d/%d files in %v (%d warnings, %d failed)",
		stats.Successful, stats.Total, stats.Duration, stats.Warnings, stats.Failed)
	if err != nil || stats.Failed > 0 {
		os.Exit(1)
	}
}
