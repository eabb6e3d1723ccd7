package main

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"github.com/robfig/cron/v3"

	"github.com/lawdesk/chatcore/internal/config"
	"github.com/lawdesk/chatcore/internal/db"
	"github.com/lawdesk/chatcore/internal/httpapi"
	"github.com/lawdesk/chatcore/internal/httpapi/handlers"
	"github.com/lawdesk/chatcore/internal/hub"
	"github.com/lawdesk/chatcore/internal/identity"
	"github.com/lawdesk/chatcore/internal/message"
	"github.com/lawdesk/chatcore/internal/notify"
	"github.com/lawdesk/chatcore/internal/presence"
	"github.com/lawdesk/chatcore/internal/room"
	"github.com/lawdesk/chatcore/internal/session"
	"github.com/lawdesk/chatcore/internal/store/redisstore"
	"github.com/lawdesk/chatcore/internal/support"
)

// simpleDirectory resolves display names until the real auth provider
// integration lands. Guests resolve through their stored contact name.
type simpleDirectory struct {
	guests *identity.Manager
}

func (d *simpleDirectory) DisplayName(ctx context.Context, who identity.Identity) (string, string, error) {
	if who.Kind == identity.KindGuest {
		g, err := d.guests.Get(ctx, who.ID)
		if err != nil {
			return "", "", err
		}
		name := g.Name
		if name == "" {
			name = "Visitor " + strconv.FormatUint(g.ID, 10)
		}
		return name, "", nil
	}
	return fmt.Sprintf("User %d", who.ID), "", nil
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	if err := db.AutoMigrate(gdb); err != nil {
		log.Fatalf("automigrate: %v", err)
	}

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()
	if err := rds.Ping(context.Background()); err != nil {
		log.Printf("[Server] redis unreachable, guest liveness cache degraded err=%v", err)
	}

	var dispatcher notify.Dispatcher
	rabbit, err := notify.NewRabbitDispatcher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Printf("[Server] rabbit unreachable, notifications disabled err=%v", err)
		dispatcher = notify.Nop{}
	} else {
		defer rabbit.Close()
		dispatcher = rabbit
	}

	guests := identity.NewManager(identity.NewRepo(gdb), rds, cfg.GuestIdleTimeout)

	broadcaster := hub.New()

	roomSvc := room.NewService(room.NewRepo(gdb), &simpleDirectory{guests: guests})
	registry := session.NewRegistry(gdb, broadcaster, roomSvc)
	roomSvc.BindSubscriber(registry)

	typing := presence.NewBroadcaster(broadcaster, registry)
	registry.BindTyping(typing)

	pipeline := message.NewPipeline(message.NewRepo(gdb), roomSvc, registry, broadcaster, dispatcher, cfg.MaxMessageLength)
	router := support.NewRouter(gdb, support.NewRepo(gdb), roomSvc, registry, broadcaster, dispatcher)

	c := cron.New()
	if _, err := c.AddFunc("@every "+cfg.SweepInterval.String(), func() {
		n, err := guests.SweepIdle(context.Background())
		if err != nil {
			log.Printf("[Server] guest sweep failed err=%v", err)
			return
		}
		if n > 0 {
			log.Printf("[Server] guest sweep expired=%d", n)
		}
	}); err != nil {
		log.Fatalf("cron guest sweep: %v", err)
	}
	if _, err := c.AddFunc("@every "+cfg.ReassignInterval.String(), func() {
		n, err := router.ReassignOpenTickets(context.Background())
		if err != nil {
			log.Printf("[Server] reassign sweep failed err=%v", err)
			return
		}
		if n > 0 {
			log.Printf("[Server] reassigned open tickets n=%d", n)
		}
	}); err != nil {
		log.Fatalf("cron reassign: %v", err)
	}
	c.Start()
	defer c.Stop()

	h := handlers.NewHandler(cfg, roomSvc, pipeline, registry, typing, router, guests)
	engine := httpapi.NewRouter(cfg, h)

	log.Printf("server listening addr=%s", cfg.HTTPAddr)
	if err := engine.Run(cfg.HTTPAddr); err != nil {
		log.Fatalf("http serve: %v", err)
	}
}
