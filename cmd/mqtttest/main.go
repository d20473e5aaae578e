package main

import (
	"flag"
	"time"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/paho"

	"github.com/MT522/microlab-firmware/mqtt"
)

const clientID = "mq-microlab-test" // Change this to something random if using a public test server

var (
	broker  = flag.String("broker", "mqtt://localhost:1883", "mqtt broker url")
	name    = flag.String("name", "microlab", "controller name (topic prefix)")
	command = flag.String("command", "STATUS", "command line to publish")
)

type responseLogger struct {
	topic string
}

func (rl *responseLogger) SubscribeTopic() string {
	return rl.topic
}

func (rl *responseLogger) Handle(pub *paho.Publish) {
	log.Info("controller answered", "topic", pub.Topic, "payload", string(pub.Payload))
}

func main() {
	flag.Parse()
	log.SetLevel(log.DebugLevel)

	mc, err := mqtt.NewClient(*broker, clientID)
	if err != nil {
		log.Error("failed to create mqtt client", "error", err)
		return
	}

	handlers := []mqtt.Handler{
		&responseLogger{topic: *name + "/response"},
	}

	err = mc.Connect(handlers)
	if err != nil {
		log.Error("failed to connect to mqtt broker", "error", err)
		return
	}

	log.Info("mqtt client connected")

	err = mc.Publish(*name+"/command", []byte(*command))
	if err != nil {
		log.Error("failed to publish command", "error", err)
		return
	}
	log.Info("command published, waiting for response", "command", *command)

	time.Sleep(5 * time.Second)
}
