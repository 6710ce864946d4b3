package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"speakingbot/config"
	"speakingbot/core"
	"speakingbot/gateway"
	"speakingbot/hostapi"
	"speakingbot/manager"
	"speakingbot/protocol"
	"speakingbot/relay"
	"speakingbot/session"
	"speakingbot/supervisor"
)

func main() {
	var host string
	var port int
	flag.StringVar(&host, "host", "", "Host to bind to (overrides RELAY_HOST)")
	flag.IntVar(&port, "port", 0, "Port to listen on (overrides RELAY_PORT)")
	flag.Parse()

	logger := core.GetLogger()

	if err := godotenv.Load(".env.local"); err != nil {
		logger.Debug("no .env.local file found")
	}

	cfg := config.Load()
	if host != "" {
		cfg.Host = host
	}
	if port != 0 {
		cfg.Port = port
	}

	store, err := buildStore(cfg)
	if err != nil {
		logger.With(map[string]interface{}{"error": err}).Fatal("could not create session store")
	}
	defer store.Close()

	codec := protocol.NewCodec(protocol.DefaultSampleRate, protocol.DefaultChannels, logger)
	registry := relay.NewRegistry(logger)
	router := relay.NewRouter(registry, codec, logger)
	sup := supervisor.New(cfg.WorkerCommand, logger)
	hostClient := hostapi.NewClient(cfg.HostAPIBaseURL)

	mgr := manager.New(manager.Config{
		PublicWSBase: cfg.PublicWSBase,
		DrainDelay:   cfg.DrainDelay,
		StopTimeout:  cfg.StopTimeout,
	}, store, registry, router, codec, hostClient, sup, logger)

	mux := http.NewServeMux()
	gateway.New(mgr, router, logger).Register(mux)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		logger.With(map[string]interface{}{"addr": addr}).Info("relay listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.With(map[string]interface{}{"error": err}).Fatal("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	if notice, err := protocol.MarshalStatus(protocol.MsgSystem, "", "server shutting down"); err == nil {
		router.BroadcastText(string(notice))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.With(map[string]interface{}{"error": err}).Error("shutdown did not complete cleanly")
	}
}

func buildStore(cfg config.Config) (session.Store, error) {
	if cfg.RedisAddr == "" {
		return session.NewStore(session.StoreTypeMemory)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	return session.NewStore(session.StoreTypeRedis, session.WithRedisClient(client))
}
