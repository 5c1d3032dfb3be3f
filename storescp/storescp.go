// The storescp command runs a store SCP daemon: it accepts DICOM
// associations, persists incoming C-STORE instances to the configured
// backend, and reports study completion.
//
// Usage: storescp -config /etc/dcmnode/scp.yaml
//
// Without -config it serves the built-in defaults; -port, -ae, and -root
// override either way.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"v.io/x/lib/vlog"

	"github.com/dcmnode/dcmnode/scp"
)

var (
	configFlag = flag.String("config", "", "Path to the YAML configuration file")
	portFlag   = flag.Int("port", 0, "TCP port to listen to; overrides the config file")
	aeFlag     = flag.String("ae", "", "AE title of this server; overrides the config file")
	rootFlag   = flag.String("root", "", "Store received instances under this directory; overrides the config file")
)

func loadConfig() scp.Config {
	cfg := scp.DefaultConfig()
	if *configFlag != "" {
		loaded, err := scp.Load(*configFlag)
		if err != nil {
			glog.Exitf("%v", err)
		}
		cfg = loaded
	}
	if *portFlag != 0 {
		cfg.ListenPort = *portFlag
	}
	if *aeFlag != "" {
		cfg.CallingAETitle = *aeFlag
	}
	if *rootFlag != "" {
		cfg.StorageBackend = "filesystem"
		cfg.FilesystemRoot = *rootFlag
	}
	return cfg
}

func main() {
	flag.Parse()
	vlog.ConfigureLibraryLoggerFromFlags()

	cfg := loadConfig()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := scp.NewBackend(ctx, cfg)
	if err != nil {
		glog.Exitf("storage backend: %v", err)
	}
	srv, err := scp.New(cfg, backend, scp.Events{
		ServerStarted: func(ev scp.ServerStartedEvent) {
			glog.Infof("listening on %v", ev.Addr)
		},
		FileStored: func(ev scp.FileStoredEvent) {
			glog.Infof("stored %s from %s (%d bytes)", ev.Key, ev.RemoteAETitle, ev.Size)
		},
		StudyCompleted: func(study *scp.Study) {
			glog.Infof("study %s complete: %d instances in %d series",
				study.StudyUID, study.InstanceCount(), len(study.Series))
		},
		Error: func(ev scp.ErrorEvent) {
			glog.Errorf("%s: %v", ev.Message, ev.Err)
		},
	})
	if err != nil {
		glog.Exitf("%v", err)
	}
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		glog.Exitf("%v", err)
	}
}
