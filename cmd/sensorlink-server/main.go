// Peer-side daemon: UDP dispatcher storing readings to PostgreSQL,
// optionally bridging them to MQTT.
package main

import (
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	_ "github.com/lib/pq"
	"github.com/mattn/go-isatty"
	"github.com/temoto/sensorlink/internal/bridge"
	"github.com/temoto/sensorlink/internal/dispatch"
	"github.com/temoto/sensorlink/internal/sink"
	"github.com/temoto/sensorlink/internal/state"
	"github.com/temoto/sensorlink/log2"
)

var log = log2.NewStderr(log2.LInfo)

func main() {
	flagConfig := flag.String("config", "sensorlink-server.hcl", "")
	flagDebug := flag.Bool("debug", false, "")
	flag.Parse()

	if sdnotify("start") {
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
	if config.Server.Listen == "" {
		log.Fatal("config server.listen is required")
	}

	var store sink.Storer
	if config.Server.DB != "" {
		db, err := sql.Open("postgres", config.Server.DB)
		if err != nil {
			log.Fatal(errors.Annotate(err, "sink db open"))
		}
		defer db.Close()
		if err = db.Ping(); err != nil {
			log.Fatal(errors.Annotate(err, "sink db ping"))
		}
		store = sink.NewSQLSink(db, config.Server.Table, log)
	} else {
		log.Infof("no server.db configured, readings stay in memory")
		store = new(sink.MemSink)
	}

	if config.Bridge.Enable {
		pub, err := bridge.NewMQTTPublisher(config.Bridge, log)
		if err != nil {
			log.Fatal(errors.ErrorStack(err))
		}
		b, err := bridge.NewBridge(store, pub, config.Bridge.QueuePath, log)
		if err != nil {
			log.Fatal(errors.ErrorStack(err))
		}
		defer b.Close()
		store = b
	}

	d := dispatch.NewDispatcher(log)
	d.Handle(dispatch.DataPath, dispatch.NewDataHandler(store, log))
	srv := dispatch.NewServer(d, log)
	if err := srv.Listen(config.Server.Listen); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	log.Infof("listening udp=%s", srv.Addr())
	sdnotify(daemon.SdNotifyReady)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("signal=%v stopping stat=%s", sig, d.Stat())
	srv.Close()
	log.Infof("bye")
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
