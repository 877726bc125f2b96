package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	commonlog "realtime_server/server/common/log"
	realtimeapp "realtime_server/server/realtime/app"
)

func main() {
	envErr := godotenv.Load()
	commonlog.Reload()
	defer commonlog.Sync()
	if envErr != nil {
		commonlog.Debugf("event=realtime_main action=load_env status=skipped error=%v", envErr)
	}

	cfg := realtimeapp.LoadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancelInit := context.WithTimeout(ctx, 15*time.Second)
	server, err := realtimeapp.NewServer(initCtx, cfg)
	cancelInit()
	if err != nil {
		log.Fatalf("initialize realtime server: %v", err)
	}
	if err := server.Start(ctx); err != nil {
		log.Fatalf("start realtime server: %v", err)
	}

	go func() {
		commonlog.Infof("start realtime http server on :%s", cfg.Port)
		if err := server.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("run realtime http server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		commonlog.Errorf("shutdown realtime server gracefully: %v", err)
	}
}
