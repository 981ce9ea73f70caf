// Device-side daemon: modem link + periodic confirmable telemetry.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/temoto/sensorlink/hardware/modem"
	"github.com/temoto/sensorlink/internal/agent"
	"github.com/temoto/sensorlink/internal/state"
	"github.com/temoto/sensorlink/log2"
)

var log = log2.NewStderr(log2.LInfo)

func main() {
	flagConfig := flag.String("config", "sensorlink.hcl", "")
	flagDebug := flag.Bool("debug", false, "")
	flag.Parse()

	if sdnotify("start") {
		// under systemd, journal adds timestamps
		log.SetFlags(log2.LServiceFlags)
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	} else {
		log.SetFlags(log2.LServiceFlags)
	}
	if *flagDebug {
		log.SetLevel(log2.LDebug)
	}
	log.Infof("hello")

	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	mc := config.Hardware.Modem
	if mc.LogDebug {
		log.SetLevel(log2.LDebug)
	}
	log.Debugf("config=%+v", config)

	port := modem.NewFilePort()
	if err := port.Open(mc.Device, mc.Baud); err != nil {
		log.Fatal(errors.Annotatef(err, "modem port device=%s", mc.Device))
	}
	defer port.Close()
	link := modem.NewLink(port, mc, log)

	source := agent.FileSource{
		Name:  config.Agent.SensorName,
		Path:  config.Agent.SourcePath,
		Scale: config.Agent.SourceScale,
	}
	a := agent.NewAgent(link, source, config.AgentConfig(), log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("signal=%v stopping", sig)
		a.Stop()
	}()

	sdnotify(daemon.SdNotifyReady)
	a.Run()
	log.Infof("bye")
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
