package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/meshcall/config"
	"github.com/mossy-p/meshcall/internal/call"
	"github.com/mossy-p/meshcall/internal/handlers"
	"github.com/mossy-p/meshcall/internal/media"
	"github.com/mossy-p/meshcall/internal/peer"
	redisclient "github.com/mossy-p/meshcall/internal/redis"
	"github.com/mossy-p/meshcall/internal/relay"
	"github.com/pion/webrtc/v4"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func newRedis(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*goredis.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rdb, err := redisclient.Connect(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	logger.Info("redis connection established", "host", cfg.Redis.Host, "db", cfg.Redis.DB)
	lc.Append(fx.StopHook(rdb.Close))
	return rdb, nil
}

func newRelay(rdb *goredis.Client, logger *slog.Logger) relay.Channel {
	return relay.NewRedis(rdb, logger)
}

func newWebRTCAPI(cfg *config.Config) (*webrtc.API, error) {
	return peer.NewAPI(peer.LogLevel(cfg.LogLevel))
}

func newSessionFactory(cfg *config.Config, ch relay.Channel, api *webrtc.API, logger *slog.Logger) handlers.SessionFactory {
	ice := cfg.ICE.WebRTC()
	newConn := peer.APIFactory(api)
	return func(userID string) *call.Session {
		return call.NewSession(call.Options{
			SelfID:      userID,
			Relay:       ch,
			Capturer:    media.SampleCapturer{},
			ICE:         ice,
			NewConn:     newConn,
			EventBuffer: cfg.EventBufferSize,
			Logger:      logger,
		})
	}
}

type httpServer_Params struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Config     *config.Config
	Router     *gin.Engine
	Sessions   *handlers.Sessions
	Logger     *slog.Logger
}

func httpServer(params httpServer_Params) {
	srv := &http.Server{
		Addr:    ":" + params.Config.Port,
		Handler: params.Router,
	}

	params.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			params.Logger.Info("starting meshcall server", "port", params.Config.Port)
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					params.Logger.Error("server stopped", "err", err)
					_ = params.Shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			err := srv.Shutdown(ctx)
			// Leave every call so peers see this participant go.
			params.Sessions.CloseAll()
			return err
		},
	})
}

func main() {
	fx.New(
		fx.Provide(
			config.Load,
			newLogger,
			newRedis,
			newRelay,
			newWebRTCAPI,
			newSessionFactory,
			handlers.NewSessions,
			handlers.NewAPI,
			handlers.NewRouter,
		),
		fx.Invoke(httpServer),
	).Run()
}
