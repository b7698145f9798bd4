package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/greenfeld/cloudhawk-integration/cmd"
)

func main() {
	app := &cli.App{
		Name:   "cloudhawk-controller",
		Usage:  "controller for a cloudhawk robotic mower",
		Action: cmd.MowerCommand,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "device-address",
				EnvVars: []string{"DEVICE_ADDRESS"},
				Value:   "",
			},
			&cli.StringFlag{
				Name:    "device-name",
				EnvVars: []string{"DEVICE_NAME"},
				Value:   "",
			},
			&cli.StringFlag{
				Name:    "mqtt-host",
				EnvVars: []string{"MQTT_HOST"},
				Value:   "",
			},
			&cli.StringFlag{
				Name:    "mqtt-user",
				EnvVars: []string{"MQTT_USER"},
				Value:   "",
			},
			&cli.StringFlag{
				Name:    "mqtt-pass",
				EnvVars: []string{"MQTT_PASS"},
				Value:   "",
			},
			&cli.StringFlag{
				Name:    "http-addr",
				EnvVars: []string{"HTTP_ADDR"},
				Value:   "0.0.0.0:8000",
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				EnvVars: []string{"POLL_INTERVAL"},
			},
			&cli.DurationFlag{
				Name:    "stale-after",
				EnvVars: []string{"STALE_AFTER"},
			},
			&cli.DurationFlag{
				Name:    "response-window",
				EnvVars: []string{"RESPONSE_WINDOW"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "info",
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
