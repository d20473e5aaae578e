package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hubertat/servicemaker"

	microlab "github.com/MT522/microlab-firmware"
)

var (
	Version string
	Build   string

	config      = flag.String("config", "config.json", "path of the configuration file")
	flagInstall = flag.Bool("install", false, "Install service in os")
	tcpAddr     = flag.String("tcp", "", "override tcp listen address")

	mlService = servicemaker.ServiceMaker{
		User:               "microlab",
		UserGroups:         []string{"gpio", "i2c"},
		ServicePath:        "/etc/systemd/system/microlab.service",
		ServiceDescription: "MicroLab service: electrode matrix controller. github.com/MT522/microlab-firmware",
		ExecDir:            "/srv/microlab",
		ExecName:           "microlab",
	}
)

func main() {
	log.Printf("microlab %s started\n", Version)
	flag.Parse()

	if *flagInstall {
		err := mlService.InstallService()
		if err != nil {
			panic(err)
		} else {
			log.Println("service installed!")
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ml := &microlab.MicroLab{}
	configFile, err := os.Open(*config)
	if err == nil {
		cBuff, err := io.ReadAll(configFile)
		if err != nil {
			log.Fatalf("failed reading config file: %v\n", err)
		}

		err = json.Unmarshal(cBuff, ml)
		if err != nil {
			log.Fatalf("failed unmarshalling json config: %v", err)
		}
	} else {
		log.Fatalf("can't find/open config file (%s), will terminate. Reason: \n%v\n", *config, err)
	}

	if len(*tcpAddr) > 0 {
		ml.TcpAddr = *tcpAddr
	}

	log.Println("will init microlab driver and electrode table...")
	err = ml.Init(ctx)
	defer ml.Close()
	if err != nil {
		panic(err)
	}

	err = ml.InitMqtt()
	if err != nil {
		log.Printf("mqtt init returned error: %v\n we will proceed without mqtt...", err)
	}

	ml.PrintStatus(os.Stdout)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("shutting down...")
		cancel()
	}()

	if len(ml.HttpAddr) > 0 {
		go func() {
			err := ml.ServeHTTP(ctx)
			if err != nil {
				log.Printf("http server returned error: %v\n", err)
			}
		}()
	}

	if len(ml.TcpAddr) > 0 {
		err = ml.ServeTCP(ctx)
		if err != nil {
			log.Fatalf("tcp server failed: %v\n", err)
		}
	} else {
		log.Println("tcp not configured, disabled")
		<-ctx.Done()
	}
}
