package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/api"
	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/broker"
	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/config"
	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/database"
	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/event"
	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/frame"
	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/logger"
	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/protocol"
	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/server"
)

const usage = "usage: stomp-broker <port> <tpc|reactor>"

func main() {
	if len(os.Args) != 3 {
		_, _ = fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	port, err := server.ParsePort(os.Args[1])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v\n%s\n", err, usage)
		os.Exit(2)
	}
	mode, err := server.ParseMode(os.Args[2])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v\n%s\n", err, usage)
		os.Exit(2)
	}

	cfg, err := config.ReadConfig()
	if err != nil && !errors.Is(err, config.ErrConfigCreated) {
		_, _ = fmt.Fprintf(os.Stderr, "Error occured while reading config %v\n", err)
		os.Exit(1)
	}
	loggerCallback := logger.Init()
	if err != nil {
		logger.WarnF("%v, using defaults", err)
	}
	logger.Debug("Application initializing...")

	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)

	if err := run(cleaner, cfg, port, mode); err != nil {
		logger.FatalF("%v", err)
		_ = cleaner.Clean()
		os.Exit(1)
	}
	_ = cleaner.Clean()
}

func run(cleaner *event.Cleaner, cfg config.Config, port int, mode server.Mode) error {
	journal, err := database.Open(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("error occured while initializing session journal, details: %w", err)
	}
	cleaner.Add(journal)

	registry := broker.NewRegistry(broker.WithSessionListener(journal))

	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return fmt.Errorf("STOMP server start error: %w", err)
	}

	newCodec := func() api.Codec[frame.Frame] { return frame.NewCodec() }
	srv, err := server.New[frame.Frame](mode, ln, protocol.NewFactory(registry), newCodec, registry,
		server.WithWorkers(cfg.Reactor.Workers),
		server.WithReadBufferSize(cfg.Reactor.ReadBufferSize),
	)
	if err != nil {
		_ = ln.Close()
		return err
	}
	cleaner.Add(event.CallableFunc(func(context.Context) error {
		return srv.Close()
	}))

	if err := srv.Serve(); err != nil && !errors.Is(err, server.ErrServerClosed) {
		return err
	}
	return nil
}
