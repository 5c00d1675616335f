package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/adapters/console"
	sig "github.com/dkeye/peercall/internal/adapters/signal"
	"github.com/dkeye/peercall/internal/app/call"
	"github.com/dkeye/peercall/internal/app/supervisor"
	"github.com/dkeye/peercall/internal/app/worker"
	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/domain"
)

const help = "commands: /call /hangup /ping /connect /quit, anything else is chat"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	local, err := domain.NewPeerID(cfg.Client.LocalID)
	if err != nil {
		local = domain.NewGuestID()
		log.Warn().Err(err).Str("id", string(local)).Msg("local id invalid, using guest id")
	}
	remote, err := domain.NewPeerID(cfg.Client.RemoteID)
	if err != nil {
		log.Error().Err(err).Msg("remote id")
		os.Exit(1)
	}

	client := sig.NewClient(sig.Options{
		PingPeriod:     cfg.PingPeriod,
		ConnectTimeout: cfg.Client.ConnectTimeout,
		ReadLimit:      cfg.ReadLimit,
	})

	w := worker.New(0)
	w.Start(ctx)
	ui := console.NewDispatcher()
	ui.Start()

	ctrl := call.New(domain.NewSession(local, remote), cfg.Client.ServerURL, client, w, supervisor.Options{
		StreamInterval: cfg.Client.StreamInterval,
		PingInterval:   cfg.Client.PingInterval,
		MaxAttempts:    cfg.Client.MaxAttempts,
		Dispatcher:     ui,
		Notifier:       console.NewNotifier(os.Stdout),
	})
	printer := console.Attach(ctrl.Bus(), os.Stdout)

	fmt.Printf("%s calling %s via %s\n%s\n", local, remote, cfg.Client.ServerURL, help)
	if err := ctrl.Connect(); err != nil {
		log.Error().Err(err).Msg("connect not queued")
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if quit := handleLine(ctrl, strings.TrimSpace(line)); quit {
				break loop
			}
		}
	}

	printer.Detach()
	ctrl.Close()
	ctrl.Disconnect()
	ui.Close()
	w.Stop()
	log.Info().Msg("bye")
}

func handleLine(ctrl *call.Controller, line string) bool {
	var err error
	switch line {
	case "":
		return false
	case "/quit":
		return true
	case "/call":
		err = ctrl.Call()
	case "/hangup":
		err = ctrl.Hangup()
	case "/ping":
		ctrl.Supervisor().StartPingRetry()
	case "/connect":
		err = ctrl.Connect()
	case "/help":
		fmt.Println(help)
	default:
		err = ctrl.SendChat(line)
	}
	if err != nil {
		log.Error().Err(err).Str("cmd", line).Msg("not queued")
	}
	return false
}
