package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jedisct1/dlog"
	"github.com/kardianos/service"
)

const (
	AppVersion            = "1.2.0"
	DefaultConfigFileName = "hypernet.toml"
)

type App struct {
	quit    chan os.Signal
	engine  *Engine
	watcher *ConfigWatcher
	flags   *ConfigFlags
}

func main() {
	dlog.Init("hypernet", dlog.SeverityNotice, "DAEMON")

	svcFlag := flag.String("service", "", fmt.Sprintf("Control the system service: %q", service.ControlAction))
	version := flag.Bool("version", false, "print current version")

	flags := ConfigFlags{}
	flags.ConfigFile = flag.String("config", DefaultConfigFileName, "Path to the configuration file")
	flags.Check = flag.Bool("check", false, "check the configuration file and exit")

	flag.Parse()

	if *version {
		fmt.Println(AppVersion)
		os.Exit(0)
	}

	app := &App{
		flags: &flags,
	}

	pwd, err := os.Getwd()
	if err != nil {
		dlog.Fatal("Unable to find the path to the current directory")
	}
	svcConfig := &service.Config{
		Name:             "hypernet",
		DisplayName:      "hypernet data plane",
		Description:      "High-throughput packet processing substrate",
		WorkingDirectory: pwd,
		Arguments:        []string{"-config", *flags.ConfigFile},
	}
	svc, err := service.New(app, svcConfig)
	if err != nil {
		svc = nil
		dlog.Debug(err)
	}

	if len(*svcFlag) != 0 {
		if svc == nil {
			dlog.Fatal("Built-in service installation is not supported on this platform")
		}
		if err := service.Control(svc, *svcFlag); err != nil {
			dlog.Fatal(err)
		}
		dlog.Noticef("Service command %q executed", *svcFlag)
		return
	}

	if svc != nil {
		if err := svc.Run(); err != nil {
			dlog.Fatal(err)
		}
	} else {
		app.quit = make(chan os.Signal, 1)
		signal.Notify(app.quit, os.Interrupt, syscall.SIGTERM)

		go app.AppMain()

		<-app.quit
		dlog.Notice("Quit signal received...")
		app.stopEngine()
		if err := PidFileRemove(); err != nil {
			dlog.Warnf("Failed to remove the PID file: [%v]", err)
		}
	}
}

func (app *App) Start(service service.Service) error {
	go app.AppMain()
	return nil
}

func (app *App) AppMain() {
	config, err := ConfigLoad(*app.flags.ConfigFile)
	if err != nil {
		dlog.Fatal(err)
	}
	if *app.flags.Check {
		fmt.Println("Configuration successfully checked")
		os.Exit(0)
	}

	configureLogging(config)
	dlog.Noticef("hypernet %s", AppVersion)

	pidFile = config.PidFile
	if err := PidFileCreate(); err != nil {
		dlog.Errorf("Unable to create the PID file: [%v]", err)
	}

	engine, err := NewEngine(config)
	if err != nil {
		dlog.Fatal(err)
	}
	app.engine = engine
	engine.Start()
	engine.startStatsLoop(config)

	if watcher, err := NewConfigWatcher(*app.flags.ConfigFile, engine); err == nil {
		app.watcher = watcher
	} else {
		dlog.Warnf("Configuration hot-reload disabled: %v", err)
	}

	_ = ServiceManagerStartNotify()
}

func (app *App) stopEngine() {
	if app.watcher != nil {
		app.watcher.Stop()
	}
	if app.engine != nil {
		app.engine.Shutdown()
	}
}

func (app *App) Stop(service service.Service) error {
	app.stopEngine()
	if err := PidFileRemove(); err != nil {
		dlog.Warnf("Failed to remove the PID file: [%v]", err)
	}
	dlog.Notice("Stopped.")
	return nil
}
