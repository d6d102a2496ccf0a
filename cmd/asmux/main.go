// mautrix-asmux - A Matrix application service proxy and multiplexer
// Copyright (c) 2023 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	flag "maunium.net/go/mauflag"

	"maunium.net/go/mautrix-asmux/internal/api"
	"maunium.net/go/mautrix-asmux/internal/config"
	"maunium.net/go/mautrix-asmux/internal/coordinator"
	"maunium.net/go/mautrix-asmux/internal/database"
	"maunium.net/go/mautrix-asmux/internal/deliver"
	"maunium.net/go/mautrix-asmux/internal/directory"
	"maunium.net/go/mautrix-asmux/internal/dispatch"
	"maunium.net/go/mautrix-asmux/internal/pubsub"
	"maunium.net/go/mautrix-asmux/internal/queue"
	"maunium.net/go/mautrix-asmux/internal/router"
	"maunium.net/go/mautrix-asmux/internal/status"
)

var (
	configPath           = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
	registrationPath     = flag.MakeFull("r", "registration", "The path to save the generated registration to.", "registration.yaml").String()
	generateRegistration = flag.MakeFull("g", "generate-registration", "Generate registration and quit.", "false").Bool()
)

func main() {
	flag.SetHelpTitle("mautrix-asmux - A Matrix application service proxy and multiplexer")
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *generateRegistration {
		reg, err := cfg.GenerateRegistration()
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Failed to generate registration: %v\n", err)
			os.Exit(1)
		}
		if err = config.SaveRegistration(*registrationPath, reg); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Failed to save registration: %v\n", err)
			os.Exit(1)
		}
		if err = cfg.Save(*configPath); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Failed to save config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Registration generated and saved to %s\n", *registrationPath)
		return
	}

	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	db, err := database.Open(cfg.Mux.Database, *log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	ctx := context.Background()
	if err = db.Upgrade(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to upgrade database")
	}

	redisOpt, err := redis.ParseURL(cfg.Mux.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to parse redis URL")
	}
	redisClient := redis.NewClient(redisOpt)
	bus := &pubsub.RedisBus{Client: redisClient}
	stream := &queue.RedisStream{Client: redisClient}

	dir := directory.New(db, bus, *log)
	go dir.Run(ctx)

	dispatchTbl := dispatch.NewTable()
	rtr := router.New(dir, stream, dispatchTbl, cfg.Appservice.MXIDPrefix, cfg.Appservice.MXIDSuffix, *log)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	httpDeliverer := deliver.NewHTTPDeliverer(httpClient, *log)
	httpDeliverer.MXIDSuffix = cfg.Appservice.MXIDSuffix
	statusReporter := status.New(httpClient, cfg.Status.RemoteStatusEndpoint, cfg.Status.BridgeStatusEndpoint, *log)

	var pusher deliver.Pusher
	if cfg.Push.SygnalEndpoint != "" {
		transport := deliver.NewSygnalTransport(httpClient, cfg.Push.SygnalEndpoint, *log)
		pusher = deliver.NewWakeupPusher(transport, cfg.Push.OnlyIfWSTimeout, *log)
	}

	// connTable is shared between the Websocket Deliverer (which
	// installs/removes connections) and the Coordinator (which looks
	// one up to close it on a peer's request), so they agree on what
	// is currently connected fleet-wide (spec §4.G).
	connTable := deliver.NewTable()
	coord := coordinator.New(bus, connTable, *log)
	go coord.Run(ctx)

	// srv.IsShuttingDown is read by WebsocketDeliverer.Teardown, but
	// Server can't exist until the WebsocketDeliverer it wraps does;
	// the indirection lets the closure outlive srv's assignment below.
	var srv *api.Server
	ws := deliver.NewWebsocketDeliverer(statusReporter, pusher, coord, func() bool {
		return srv != nil && srv.IsShuttingDown()
	}, *log)
	ws.Table = connTable
	ws.PushKeys = db
	ws.Prober = httpDeliverer
	if cfg.Status.SyncProxy != "" {
		ws.SyncProxy = deliver.NewSyncProxyClient(httpClient, cfg.Status.SyncProxy, cfg.Status.SyncProxyToken,
			cfg.Status.SyncProxyAddress, cfg.Appservice.HSToken, cfg.Appservice.MXIDPrefix, cfg.Appservice.MXIDSuffix, *log)
	}

	srv = api.NewServer(dir, rtr, dispatchTbl, stream, ws, httpDeliverer, statusReporter,
		cfg.Appservice.HSToken, cfg.Appservice.MXIDSuffix, *log)

	appservices, err := db.ListAppservices(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list appservices")
	}
	for _, az := range appservices {
		if az.Push {
			srv.EnsurePushConsumer(az)
		}
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Mux.Hostname, cfg.Mux.Port),
		Handler: srv.Routes(),
	}

	go func() {
		log.Info().Str("address", httpServer.Addr).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	_ = httpServer.Shutdown(shutdownCtx)
	coord.Stop()
	dir.Stop()
}
