// Package main runs the loopback signaling server used to exercise the
// realtime client during development: it mints short-lived dev tokens,
// upgrades socket connections and relays envelopes between connected users.
// It is a harness, not the production socket endpoint.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"

	"waveline/config"
	"waveline/relay"
	"waveline/wire"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadConfig()

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	hub := relay.NewHub(logger)

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	}
	notifier := relay.NewNotifier(rdb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := notifier.StartSubscriber(ctx, func(userID string, payload []byte) {
		hub.SendTo(userID, payload)
	}); err != nil {
		logger.Error("redis subscriber failed", "err", err)
		os.Exit(1)
	}

	app := fiber.New(fiber.Config{
		AppName: "Waveline Dev Signaling Server",
	})

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Post("/api/dev/token", func(c *fiber.Ctx) error {
		var req struct {
			UserID string `json:"user_id"`
		}
		if err := c.BodyParser(&req); err != nil || req.UserID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "user_id is required"})
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": req.UserID,
			"exp": time.Now().Add(15 * time.Minute).Unix(),
		})
		signed, err := token.SignedString([]byte(cfg.JWTSecret))
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "token signing failed"})
		}
		return c.JSON(fiber.Map{"token": signed})
	})

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(socketHandler(cfg.JWTSecret, hub, notifier, logger)))

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("shutting down devserver")
		cancel()
		_ = app.ShutdownWithTimeout(10 * time.Second)
	}()

	logger.Info("devserver listening", "port", cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

// socketHandler authenticates the token query parameter and pumps envelopes.
// A bad token gets the normal-closure/unauthenticated pair so the client
// knows not to reconnect.
func socketHandler(secret string, hub *relay.Hub, notifier *relay.Notifier, logger *slog.Logger) func(*websocket.Conn) {
	return func(conn *websocket.Conn) {
		userID, err := parseToken(conn.Query("token"), secret)
		if err != nil {
			logger.Warn("rejecting socket", "err", err)
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unauthenticated"))
			_ = conn.Close()
			return
		}

		hub.Register(userID, conn)
		defer hub.Unregister(userID, conn)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := wire.Decode(data)
			if err != nil {
				logger.Debug("dropping malformed frame", "user", userID)
				continue
			}
			msg.From = userID
			route(conn, hub, notifier, logger, msg)
		}
	}
}

// frameWriter is the slice of the socket connection route replies through.
type frameWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// route forwards an envelope to its addressee. With redis enabled the target
// may be connected to another instance, so only a redis-free run knows the
// user is offline; then a call offer is answered with USER_OFFLINE so the
// caller's state machine can settle.
func route(conn frameWriter, hub *relay.Hub, notifier *relay.Notifier, logger *slog.Logger, msg wire.Message) {
	if msg.To == "" {
		return
	}
	data, err := wire.Encode(msg)
	if err != nil {
		return
	}
	if hub.SendTo(msg.To, data) {
		return
	}
	if notifier.Enabled() {
		if err := notifier.PublishUser(context.Background(), msg.To, data); err != nil {
			logger.Warn("redis publish failed", "to", msg.To, "err", err)
		}
		return
	}
	if msg.Type == wire.TypeCallOffer {
		offline, err := wire.Encode(wire.Message{Type: wire.TypeUserOffline, From: msg.To, To: msg.From})
		if err == nil {
			_ = conn.WriteMessage(websocket.TextMessage, offline)
		}
	}
}

func parseToken(tokenString, secret string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", jwt.ErrTokenUnverifiable
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", jwt.ErrTokenInvalidClaims
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", jwt.ErrTokenInvalidSubject
	}
	return sub, nil
}
