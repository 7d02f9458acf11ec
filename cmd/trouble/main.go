// Command trouble runs the peripheral on a local HCI controller.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/mansionlabs/trouble"
	"github.com/mansionlabs/trouble/hci/skt"
	"github.com/mansionlabs/trouble/peripheral"
)

func main() {
	app := cli.NewApp()

	app.Name = "trouble"
	app.Usage = "Run a BLE peripheral on a local controller"
	app.Version = "0.0.1"
	app.Action = run
	app.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "device, i",
			Value: -1,
			Usage: "HCI device index; -1 picks the first usable one",
		},
		cli.StringFlag{
			Name:  "name, n",
			Value: "Trouble",
			Usage: "advertised local name",
		},
		cli.StringFlag{
			Name:  "addr, a",
			Usage: "static random address, e.g. ff:9f:1a:05:e4:ff",
		},
		cli.DurationFlag{
			Name:  "interval, t",
			Value: 2 * time.Second,
			Usage: "battery notification period",
		},
		cli.BoolFlag{
			Name:  "debug, d",
			Usage: "verbose transport logging",
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	cfg := peripheral.Config{
		Name:     c.String("name"),
		Interval: c.Duration("interval"),
	}
	if s := c.String("addr"); s != "" {
		a, err := trouble.ParseAddr(s)
		if err != nil {
			return err
		}
		cfg.Addr = a
	}

	s, err := skt.New(c.Int("device"))
	if err != nil {
		return err
	}
	p, err := peripheral.New(s, cfg)
	if err != nil {
		s.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		fmt.Println("shutting down")
		cancel()
	}()

	err = p.Run(ctx)
	s.Close()
	if err == context.Canceled {
		return nil
	}
	return err
}
