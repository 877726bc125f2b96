package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	commonauth "realtime_server/server/common/auth"
	"realtime_server/server/common/infra/cache"
	"realtime_server/server/common/infra/db"
	"realtime_server/server/common/infra/mq"
	commonlog "realtime_server/server/common/log"
	realtimeapi "realtime_server/server/realtime/api"
	"realtime_server/server/realtime/domain"
	"realtime_server/server/realtime/service"
)

const (
	lifecycleExchange    = "realtime.events"
	notificationExchange = "realtime.notifications"
)

type Server struct {
	HTTPServer *http.Server
	Manager    *service.ConnectionManager

	relay     *service.Relay
	intake    *service.NotificationIntake
	publisher *mq.TopicPublisher
	consumer  *mq.TopicConsumer
	amqpConn  *amqp.Connection
	redis     *redis.Client
	pool      *pgxpool.Pool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer connects the optional backends (postgres, LavinMQ, redis) that cfg
// enables and wires them into the connection manager and HTTP routes.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{}
	auth := commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes, domain.RoleNames()...)

	opts := service.Options{}
	var invalidator service.MembershipInvalidator
	if cfg.UseProjectMembership {
		pool, err := db.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		s.pool = pool
		membership := service.NewPGProjectMembership(pool, cfg.MembershipCacheTTL)
		opts.Projects = membership
		invalidator = membership
		commonlog.Infof("event=realtime_server action=init component=project_membership status=ok cache_ttl=%s", cfg.MembershipCacheTTL)
	}

	if cfg.UseMQ {
		if err := s.connectMQ(cfg.LavinMQURL); err != nil {
			s.closeBackends()
			return nil, err
		}
		opts.Publisher = s.publisher
	}

	s.Manager = service.NewConnectionManager(opts)
	if s.consumer != nil {
		s.intake = service.NewNotificationIntake(s.consumer, s.Manager, invalidator)
	}

	var dispatcher service.Dispatcher = s.Manager
	if cfg.UseRedisRelay {
		client, err := cache.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			s.closeBackends()
			return nil, err
		}
		s.redis = client
		s.relay = service.NewRelay(client, s.Manager)
		dispatcher = s.relay
	}

	h := realtimeapi.NewHandler(s.Manager, dispatcher, auth, realtimeapi.Config{
		HandshakeTimeout: cfg.HandshakeTimeout,
		AllowedOrigins:   cfg.AllowedOrigins,
		Client:           cfg.Client,
	})
	r := gin.Default()
	h.RegisterRoutes(r)

	// Websocket handlers own their deadlines after the upgrade.
	s.HTTPServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

func (s *Server) connectMQ(url string) error {
	conn, err := mq.NewConnection(url)
	if err != nil {
		return fmt.Errorf("connect lavinmq: %w", err)
	}
	s.amqpConn = conn
	publisher, err := mq.NewTopicPublisher(conn, lifecycleExchange)
	if err != nil {
		return fmt.Errorf("declare %s: %w", lifecycleExchange, err)
	}
	s.publisher = publisher
	consumer, err := mq.NewTopicConsumer(conn, notificationExchange, "#")
	if err != nil {
		return fmt.Errorf("bind %s: %w", notificationExchange, err)
	}
	s.consumer = consumer
	return nil
}

// Start runs the background consumers. It returns once they are subscribed.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	if s.relay != nil {
		if err := s.relay.Start(ctx); err != nil {
			return fmt.Errorf("start redis relay: %w", err)
		}
		commonlog.Infof("event=realtime_server action=start component=redis_relay status=ok")
	}
	if s.intake != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.intake.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				commonlog.Errorf("event=realtime_server action=consume component=notifications status=failed error=%v", err)
			}
		}()
		commonlog.Infof("event=realtime_server action=start component=notifications status=ok exchange=%s", notificationExchange)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.HTTPServer.Shutdown(ctx)
	s.Manager.Shutdown()
	if flushErr := s.Manager.FlushLifecycle(ctx); flushErr != nil {
		commonlog.Warnf("event=realtime_server action=flush_lifecycle status=failed error=%v", flushErr)
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.relay != nil {
		s.relay.Stop()
	}
	s.closeBackends()
	s.wg.Wait()
	return err
}

func (s *Server) closeBackends() {
	if s.consumer != nil {
		s.consumer.Close()
	}
	if s.publisher != nil {
		s.publisher.Close()
	}
	if s.amqpConn != nil {
		_ = s.amqpConn.Close()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}
