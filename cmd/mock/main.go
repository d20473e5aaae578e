package main

import (
	"context"
	"log"
	"os"

	microlab "github.com/MT522/microlab-firmware"
	"github.com/MT522/microlab-firmware/drivers"
)

var (
	Version string
	Build   string
)

const listenAddr = "localhost:4040"

func main() {
	log.Println("microlab started")
	log.Println("mock instance for testing purposes, no hardware required")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ml := &microlab.MicroLab{
		Name:       "microlab-mock",
		TcpAddr:    listenAddr,
		FakeDriver: &drivers.MockLines{},
	}

	log.Println("will init microlab driver and electrode table...")
	err := ml.Init(ctx)
	defer ml.Close()
	if err != nil {
		panic(err)
	}

	ml.FakeDriver.MonitorStateChanges(os.Stdout)

	ml.PrintStatus(os.Stdout)

	log.Printf("serving line protocol on %s, try: nc %s\n", listenAddr, listenAddr)
	log.Fatal(ml.ServeTCP(ctx))
}
