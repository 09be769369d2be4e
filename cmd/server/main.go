package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/duet/match-app/internal/auth"
	"github.com/duet/match-app/internal/config"
	"github.com/duet/match-app/internal/credit"
	"github.com/duet/match-app/internal/httpapi"
	"github.com/duet/match-app/internal/matching"
	"github.com/duet/match-app/internal/messaging"
	"github.com/duet/match-app/internal/metrics"
	"github.com/duet/match-app/internal/presence"
	"github.com/duet/match-app/internal/protocol"
	"github.com/duet/match-app/internal/ratelimit"
	"github.com/duet/match-app/internal/room"
	"github.com/duet/match-app/internal/store"
	"github.com/duet/match-app/internal/ws"
)

// natsNotifier publishes engine notifications to per-user NATS subjects.
// Every server instance subscribes on behalf of its locally connected users,
// so the event reaches the user wherever their connection lives.
type natsNotifier struct {
	nc *messaging.Client
}

func (n *natsNotifier) publish(userID string, notif messaging.Notification) {
	data, err := json.Marshal(notif)
	if err != nil {
		log.Printf("[notify] marshal %s for user=%s: %v", notif.Type, userID, err)
		return
	}
	if err := n.nc.PublishUserNotify(userID, data); err != nil {
		log.Printf("[notify] publish %s for user=%s: %v", notif.Type, userID, err)
	}
}

func (n *natsNotifier) MatchSuccess(userID, roomID, partnerID string, creditUsed int64) {
	n.publish(userID, messaging.Notification{
		Type: protocol.TypeMatchSuccess, RoomID: roomID, PartnerID: partnerID, CreditUsed: creditUsed,
	})
}

func (n *natsNotifier) MatchStatus(userID string, isMatching bool) {
	n.publish(userID, messaging.Notification{Type: protocol.TypeCurrentMatchStatus, IsMatching: isMatching})
}

func (n *natsNotifier) MatchCancelled(userID string) {
	n.publish(userID, messaging.Notification{Type: protocol.TypeMatchCancelled})
}

func (n *natsNotifier) MatchError(userID, message string) {
	n.publish(userID, messaging.Notification{Type: protocol.TypeMatchError, Message: message})
}

func (n *natsNotifier) ToggleResult(userID string, success, isMatching bool, message string) {
	n.publish(userID, messaging.Notification{
		Type: protocol.TypeToggleMatchResult, Success: success, IsMatching: isMatching, Message: message,
	})
}

func (n *natsNotifier) CreditUpdate(userID string, balance int64) {
	n.publish(userID, messaging.Notification{Type: protocol.TypeCreditUpdate, Balance: balance})
}

func (n *natsNotifier) PartnerLeft(userID, roomID string) {
	n.publish(userID, messaging.Notification{Type: protocol.TypePartnerLeft, RoomID: roomID})
}

func (n *natsNotifier) ChatLeft(userID, roomID string) {
	n.publish(userID, messaging.Notification{Type: protocol.TypeChatLeft, RoomID: roomID})
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// --- Postgres ---
	db, err := store.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to open postgres: %v", err)
	}
	defer db.Close()

	// --- Redis ---
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	// --- NATS ---
	natsConfig := messaging.DefaultConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = cfg.ServerName
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	ledger := credit.NewLedger(db)
	rooms := room.NewManager(db, ledger, cfg.UnlockCost)
	verifier := auth.NewVerifier(cfg.JWTSecret)
	limiter := ratelimit.NewLimiter(redisClient)
	registry := presence.NewRegistry(redisClient, cfg.ServerName)

	notifier := &natsNotifier{nc: natsClient}
	engine := matching.NewEngine(matching.Config{
		MatchCost:    cfg.MatchCost,
		AutoCooldown: cfg.AutoCooldown,
	}, ledger, rooms, notifier)

	log.Printf("Duet coordinator starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  worker_pool:     %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  nats_url:        %s", cfg.NATSURL)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  match_cost:      %d", cfg.MatchCost)
	log.Printf("  unlock_cost:     %d", cfg.UnlockCost)

	// Category per authenticated user, taken from the token at authenticate.
	var categoriesMu sync.RWMutex
	categories := make(map[string]matching.Category)

	categoryOf := func(userID string) (matching.Category, bool) {
		categoriesMu.RLock()
		defer categoriesMu.RUnlock()
		cat, ok := categories[userID]
		return cat, ok
	}

	// Declare server early so closures can capture it.
	var server *ws.Server

	// sendToUser fans a protocol message out to every local connection bound
	// to the user.
	sendToUser := func(userID string, data []byte) {
		for _, connID := range registry.LocalConns(userID) {
			if err := server.SendMessage(connID, data); err != nil {
				log.Printf("[fanout] send to user=%s conn=%s failed: %v", userID, connID, err)
			}
		}
	}

	sendError := func(conn *ws.Connection, code, message string) {
		data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
		if err != nil {
			return
		}
		_ = conn.WriteMessage(data)
	}

	// subscribeUserNotify translates engine notifications arriving over NATS
	// into protocol messages on the user's local connections.
	subscribeUserNotify := func(userID string) {
		err := natsClient.SubscribeUserNotify(userID, func(data []byte) {
			var notif messaging.Notification
			if err := json.Unmarshal(data, &notif); err != nil {
				log.Printf("[notify-sub] unmarshal for user=%s: %v", userID, err)
				return
			}

			var resp []byte
			switch notif.Type {
			case protocol.TypeMatchSuccess:
				resp, _ = protocol.NewServerMessage(protocol.TypeMatchSuccess, protocol.MatchSuccessMsg{
					RoomID: notif.RoomID, Partner: notif.PartnerID, CreditUsed: notif.CreditUsed,
				})
			case protocol.TypeCurrentMatchStatus:
				resp, _ = protocol.NewServerMessage(protocol.TypeCurrentMatchStatus, protocol.CurrentMatchStatusMsg{
					IsMatching: notif.IsMatching,
				})
			case protocol.TypeMatchCancelled:
				resp, _ = protocol.NewServerMessage(protocol.TypeMatchCancelled, protocol.MatchCancelledMsg{})
			case protocol.TypeMatchError:
				resp, _ = protocol.NewServerMessage(protocol.TypeMatchError, protocol.MatchErrorMsg{Message: notif.Message})
			case protocol.TypeToggleMatchResult:
				resp, _ = protocol.NewServerMessage(protocol.TypeToggleMatchResult, protocol.ToggleMatchResultMsg{
					Success: notif.Success, IsMatching: notif.IsMatching, Message: notif.Message,
				})
			case protocol.TypeCreditUpdate:
				resp, _ = protocol.NewServerMessage(protocol.TypeCreditUpdate, protocol.CreditUpdateMsg{Credit: notif.Balance})
			case protocol.TypePartnerLeft:
				resp, _ = protocol.NewServerMessage(protocol.TypePartnerLeft, protocol.PartnerLeftMsg{RoomID: notif.RoomID})
			case protocol.TypeChatLeft:
				resp, _ = protocol.NewServerMessage(protocol.TypeChatLeft, protocol.ChatLeftMsg{})
			default:
				log.Printf("[notify-sub] unknown notification type=%q for user=%s", notif.Type, userID)
				return
			}
			if resp != nil {
				sendToUser(userID, resp)
			}
		})
		if err != nil {
			log.Printf("[notify-sub] subscribe user=%s failed: %v", userID, err)
		}
	}

	// subscribeRoomEvents forwards a room's chat events to the user.
	subscribeRoomEvents := func(userID, roomID string) {
		err := natsClient.SubscribeRoomEvents(roomID, userID, func(data []byte) {
			var event messaging.RoomEvent
			if err := json.Unmarshal(data, &event); err != nil {
				log.Printf("[room-sub] unmarshal for user=%s: %v", userID, err)
				return
			}

			var resp []byte
			switch event.Type {
			case protocol.TypeNewMessage:
				resp, _ = protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{
					ID:        event.MessageID,
					RoomID:    event.RoomID,
					SenderID:  event.UserID,
					Message:   event.Body,
					CreatedAt: event.Ts,
				})
			case protocol.TypeUserDisconnected:
				if event.UserID == userID {
					return // don't tell users about their own other tab
				}
				resp, _ = protocol.NewServerMessage(protocol.TypeUserDisconnected, protocol.UserDisconnectedMsg{
					RoomID: event.RoomID, UserID: event.UserID,
				})
			default:
				return
			}
			if resp != nil {
				sendToUser(userID, resp)
			}
		})
		if err != nil {
			log.Printf("[room-sub] subscribe room=%s user=%s failed: %v", roomID, userID, err)
		}
	}

	dispatcher := ws.NewMessageDispatcher()

	// -----------------------------------------------------------------------
	// authenticate — bind the connection to a verified user
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeAuthenticate, func(conn *ws.Connection, msg interface{}) {
		authMsg, ok := msg.(protocol.AuthenticateMsg)
		if !ok {
			return
		}

		claims, err := verifier.Verify(authMsg.Token)
		if err != nil {
			log.Printf("authenticate failed conn=%s: %v", conn.ID, err)
			sendError(conn, "auth_failed", "invalid token")
			return
		}
		if authMsg.UserID != "" && authMsg.UserID != claims.UserID {
			sendError(conn, "auth_failed", "token does not match user")
			return
		}

		cat := matching.Category(claims.Category)
		if !cat.Valid() {
			sendError(conn, "auth_failed", "unknown user category")
			return
		}

		conn.BindUser(claims.UserID)
		categoriesMu.Lock()
		categories[claims.UserID] = cat
		categoriesMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := registry.Register(ctx, claims.UserID, conn.ID); err != nil {
			log.Printf("presence register user=%s: %v", claims.UserID, err)
		}

		subscribeUserNotify(claims.UserID)

		// A reconnecting user who is still MATCHED re-joins their room stream.
		if state, roomID := engine.Status(claims.UserID); state == matching.StateMatched && roomID != "" {
			subscribeRoomEvents(claims.UserID, roomID)
		}

		resp, _ := protocol.NewServerMessage(protocol.TypeAuthenticated, protocol.AuthenticatedMsg{
			UserID: claims.UserID,
		})
		_ = conn.WriteMessage(resp)
		log.Printf("authenticate conn=%s user=%s category=%s", conn.ID, claims.UserID, cat)
	})

	// -----------------------------------------------------------------------
	// start_match — pair now or enter the waiting queue
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeStartMatch, func(conn *ws.Connection, msg interface{}) {
		uid := conn.UserID()
		ctx := context.Background()

		allowed, _ := limiter.Allow(ctx, uid, ratelimit.RuleMatch)
		if !allowed {
			sendError(conn, "rate_limited", "too many match requests")
			return
		}

		cat, ok := categoryOf(uid)
		if !ok {
			sendError(conn, "auth_failed", "authenticate first")
			return
		}

		_, err := engine.RequestMatch(ctx, uid, cat)
		switch {
		case errors.Is(err, matching.ErrAlreadyWaiting):
			resp, _ := protocol.NewServerMessage(protocol.TypeCurrentMatchStatus, protocol.CurrentMatchStatusMsg{IsMatching: true})
			_ = conn.WriteMessage(resp)
		case errors.Is(err, matching.ErrAlreadyMatched):
			// Benign: re-sync the client instead of surfacing a failure.
			_, roomID := engine.Status(uid)
			resp, _ := protocol.NewServerMessage(protocol.TypeCurrentMatchStatus, protocol.CurrentMatchStatusMsg{
				IsMatching: false, RoomID: roomID,
			})
			_ = conn.WriteMessage(resp)
		case errors.Is(err, credit.ErrInsufficientCredit):
			resp, _ := protocol.NewServerMessage(protocol.TypeMatchError, protocol.MatchErrorMsg{Message: "insufficient credit"})
			_ = conn.WriteMessage(resp)
		case errors.Is(err, matching.ErrCategoryMismatch):
			resp, _ := protocol.NewServerMessage(protocol.TypeMatchError, protocol.MatchErrorMsg{Message: "category does not match user"})
			_ = conn.WriteMessage(resp)
		case err != nil:
			log.Printf("start_match user=%s: %v", uid, err)
			resp, _ := protocol.NewServerMessage(protocol.TypeMatchError, protocol.MatchErrorMsg{Message: "match failed, try again"})
			_ = conn.WriteMessage(resp)
		}
		// Success outcomes (paired or enqueued) arrive via the notify subject.
	})

	// -----------------------------------------------------------------------
	// cancel_match — leave the waiting queue
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeCancelMatch, func(conn *ws.Connection, msg interface{}) {
		uid := conn.UserID()
		if err := engine.CancelMatch(context.Background(), uid); err != nil {
			log.Printf("cancel_match user=%s: %v", uid, err)
			resp, _ := protocol.NewServerMessage(protocol.TypeCancelError, protocol.CancelErrorMsg{Message: "cancel failed"})
			_ = conn.WriteMessage(resp)
		}
	})

	// -----------------------------------------------------------------------
	// check_match_status — authoritative state for reconnecting clients
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeCheckMatchStatus, func(conn *ws.Connection, msg interface{}) {
		state, roomID := engine.Status(conn.UserID())
		resp, _ := protocol.NewServerMessage(protocol.TypeCurrentMatchStatus, protocol.CurrentMatchStatusMsg{
			IsMatching: state == matching.StateWaiting,
			RoomID:     roomID,
		})
		_ = conn.WriteMessage(resp)
	})

	// -----------------------------------------------------------------------
	// toggle_match — enable/disable continuous search (hosts only)
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeToggleMatch, func(conn *ws.Connection, msg interface{}) {
		toggleMsg, ok := msg.(protocol.ToggleMatchMsg)
		if !ok {
			return
		}
		uid := conn.UserID()

		// The category on the wire is advisory; the verified token decides.
		cat, ok := categoryOf(uid)
		if !ok {
			sendError(conn, "auth_failed", "authenticate first")
			return
		}
		if toggleMsg.Category != "" && matching.Category(toggleMsg.Category) != cat {
			resp, _ := protocol.NewServerMessage(protocol.TypeToggleMatchResult, protocol.ToggleMatchResultMsg{
				Success: false, Message: "category does not match user",
			})
			_ = conn.WriteMessage(resp)
			return
		}

		err := engine.ToggleAuto(context.Background(), uid, cat, toggleMsg.IsEnabled)
		if err != nil {
			resp, _ := protocol.NewServerMessage(protocol.TypeToggleMatchResult, protocol.ToggleMatchResultMsg{
				Success: false, Message: err.Error(),
			})
			_ = conn.WriteMessage(resp)
		}
		// Success result arrives via the notify subject.
	})

	// -----------------------------------------------------------------------
	// join-room — subscribe to a room's event stream
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoinRoom, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinRoomMsg)
		if !ok {
			return
		}
		uid := conn.UserID()
		ctx := context.Background()

		if _, err := rooms.GetForUser(ctx, joinMsg.RoomID, uid); err != nil {
			if errors.Is(err, room.ErrRoomNotFound) || errors.Is(err, room.ErrNotParticipant) {
				// Access to a foreign or unknown room costs the connection.
				sendError(conn, "invalid_room", "room not found")
				server.RemoveConnection(conn)
				return
			}
			log.Printf("join-room user=%s room=%s: %v", uid, joinMsg.RoomID, err)
			sendError(conn, "join_failed", "could not join room")
			return
		}

		subscribeRoomEvents(uid, joinMsg.RoomID)
		log.Printf("join-room user=%s room=%s", uid, joinMsg.RoomID)
	})

	// -----------------------------------------------------------------------
	// leave_chat — record the caller's exit and free them for a new match
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeLeaveChat, func(conn *ws.Connection, msg interface{}) {
		leaveMsg, ok := msg.(protocol.LeaveChatMsg)
		if !ok {
			return
		}
		uid := conn.UserID()

		if _, err := engine.LeaveRoom(context.Background(), uid, leaveMsg.RoomID); err != nil {
			log.Printf("leave_chat user=%s room=%s: %v", uid, leaveMsg.RoomID, err)
			if errors.Is(err, room.ErrRoomNotFound) || errors.Is(err, room.ErrNotParticipant) {
				sendError(conn, "invalid_room", "room not found")
				server.RemoveConnection(conn)
				return
			}
			sendError(conn, "leave_failed", "could not leave room")
			return
		}

		_ = natsClient.UnsubscribeRoomEvents(uid)
	})

	// -----------------------------------------------------------------------
	// send-message — append to the room log and fan out
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		uid := conn.UserID()
		ctx := context.Background()

		allowed, _ := limiter.Allow(ctx, uid, ratelimit.RuleMessage)
		if !allowed {
			sendError(conn, "rate_limited", "slow down")
			return
		}

		stored, err := rooms.AppendMessage(ctx, sendMsg.RoomID, uid, sendMsg.Message)
		switch {
		case errors.Is(err, room.ErrRoomClosed):
			sendError(conn, "room_closed", "the room is closed")
			return
		case errors.Is(err, room.ErrRoomNotFound), errors.Is(err, room.ErrNotParticipant):
			sendError(conn, "invalid_room", "room not found")
			server.RemoveConnection(conn)
			return
		case err != nil:
			sendError(conn, "invalid_message", err.Error())
			return
		}

		event, _ := json.Marshal(messaging.RoomEvent{
			Type:      protocol.TypeNewMessage,
			RoomID:    stored.RoomID,
			UserID:    stored.SenderID,
			MessageID: stored.ID,
			Body:      stored.Body,
			Ts:        stored.CreatedAt.Unix(),
		})
		if err := natsClient.PublishRoomEvent(stored.RoomID, event); err != nil {
			log.Printf("send-message publish room=%s: %v", stored.RoomID, err)
		}
	})

	server = ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	}, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	server.SetUpgradeGate(func(remoteIP string) bool {
		allowed, _ := limiter.Allow(context.Background(), remoteIP, ratelimit.RuleConnect)
		return allowed
	})

	// Disconnects never touch matching state: a WAITING user keeps their queue
	// position (the stale sweep reclaims it after the grace period) and a
	// MATCHED user's partner is told via the room stream.
	server.SetOnDisconnect(func(conn *ws.Connection) {
		uid := conn.UserID()
		if uid == "" {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_, gone := registry.Deregister(ctx, conn.ID)
		if !gone {
			return // another tab is still connected
		}

		_ = natsClient.UnsubscribeUserNotify(uid)
		_ = natsClient.UnsubscribeRoomEvents(uid)

		if state, roomID := engine.Status(uid); state == matching.StateMatched && roomID != "" {
			event, _ := json.Marshal(messaging.RoomEvent{
				Type:   protocol.TypeUserDisconnected,
				RoomID: roomID,
				UserID: uid,
			})
			if err := natsClient.PublishRoomEvent(roomID, event); err != nil {
				log.Printf("[disconnect] publish user-disconnected room=%s: %v", roomID, err)
			}
		}
	})

	// HTTP query surface and metrics share the WebSocket listener.
	api := httpapi.New(verifier, engine, rooms, ledger, limiter)
	api.SetCreditPush(notifier.CreditUpdate)
	server.Mount("/api/", api.Handler())
	server.Mount("/metrics", metrics.Handler())

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	engine.StartStaleSweep(rootCtx, registry, cfg.WaitingGrace, cfg.CleanupInterval)

	// Keep presence markers alive while connections are healthy.
	go func() {
		ticker := time.NewTicker(presence.MarkerTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				registry.RefreshAll(rootCtx)
			}
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		rootCancel()
		engine.Stop()
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
