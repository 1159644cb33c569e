package main

import (
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	raptorbroker "github.com/raptorbox/raptor-broker"
)

type program struct {
	server     *raptorbroker.Server
	configPath string
}

func (p *program) Start(s service.Service) error {
	if p.configPath != "" {
		log.Infoln("Using config file:", p.configPath)
	} else {
		log.Infoln("No config file specified or found. Using defaults and environment.")
	}

	srv, err := raptorbroker.New(p.configPath)
	if err != nil {
		return err
	}
	p.server = srv

	go func() {
		if err := srv.Run(); err != nil {
			log.Fatal(err)
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.server != nil {
		p.server.Shutdown()
	}
	return nil
}

func main() {
	svcFlag := flag.String("service", "", "Control the system service.")
	cnfFlag := flag.StringP("config", "c", os.Getenv("CONFIG"), "Path of config file. Defaults to $CONFIG, then config.json next to the executable.")
	flag.Parse()

	ePath, err := os.Executable()
	if err != nil {
		log.Fatal(err)
	}
	eDir, _ := filepath.Split(ePath)

	// Set defaults before config override.
	if service.Interactive() {
		log.SetLevel(log.DebugLevel)
	} else {
		f, err := os.OpenFile(filepath.Join(eDir, "raptor-broker.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Fatal(err)
		}
		log.SetOutput(f)
	}

	configPath := *cnfFlag
	if configPath == "" {
		if toTry := filepath.Join(eDir, "config.json"); fileExists(toTry) {
			configPath = toTry
		}
	}

	prg := program{configPath: configPath}
	svcConfig := service.Config{
		Name:        "raptor-broker",
		DisplayName: "Raptor MQTT broker",
		Description: "MQTT server authenticating clients and topics against Raptor.",
	}
	if configPath != "" {
		svcConfig.Arguments = []string{"-c", configPath}
	}

	s, err := service.New(&prg, &svcConfig)
	if err != nil {
		log.Fatal(err)
	}

	if len(*svcFlag) != 0 {
		err := service.Control(s, *svcFlag)
		if err != nil {
			log.Printf("Valid actions: %q\n", service.ControlAction)
			log.Fatal(err)
		}
		return
	}

	err = s.Run()
	if err != nil {
		log.Fatal(err)
	}
}

func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return !info.IsDir()
}
