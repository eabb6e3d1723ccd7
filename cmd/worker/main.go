package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lawdesk/chatcore/internal/config"
	"github.com/lawdesk/chatcore/internal/db"
	"github.com/lawdesk/chatcore/internal/identity"
	"github.com/lawdesk/chatcore/internal/notify"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

// deliverer hands a notification to its outbound channel. Real email/SMS/push
// transports plug in here; the core only routes.
type deliverer struct {
	guests *identity.Repo
}

func (d *deliverer) handle(ctx context.Context, ev notify.Event) error {
	switch ev.Kind {
	case notify.KindTicketCreated:
		log.Printf("notify ticket created ticket=%d room=%d", ev.TicketID, ev.RoomID)
		return nil

	case notify.KindTicketAssigned:
		log.Printf("notify ticket assigned ticket=%d agent=%d", ev.TicketID, ev.AgentID)
		return nil

	case notify.KindMessageArrived:
		who, err := identity.ParseKey(ev.RecipientKey)
		if err != nil {
			return err
		}
		if who.Kind == identity.KindGuest {
			g, err := d.guests.GetGuestByID(ctx, who.ID)
			if err != nil {
				return err
			}
			// Guests without contact info simply miss the nudge.
			if g.Email == "" && g.Phone == "" {
				return nil
			}
			log.Printf("notify offline guest=%d email=%q phone=%q message=%d", g.ID, g.Email, g.Phone, ev.MessageID)
			return nil
		}
		log.Printf("notify offline user=%d message=%d room=%d", who.ID, ev.MessageID, ev.RoomID)
		return nil
	}

	log.Printf("unknown notification kind=%s id=%s", ev.Kind, ev.ID)
	return nil
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	d := &deliverer{guests: identity.NewRepo(gdb)}

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	// Declarations must match the publisher's topology exactly or the broker
	// rejects the redeclare.
	if _, err := ch.QueueDeclare(cfg.RabbitQueue+".dlq", true, false, false, false, nil); err != nil {
		log.Fatalf("dlq declare: %v", err)
	}
	if _, err := ch.QueueDeclare(cfg.RabbitQueue+".retry", true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.RabbitQueue,
	}); err != nil {
		log.Fatalf("retry queue declare: %v", err)
	}
	if _, err := ch.QueueDeclare(cfg.RabbitQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.RabbitQueue + ".dlq",
	}); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	concurrency := workerConcurrency()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started, queue=%s concurrency=%d", cfg.RabbitQueue, concurrency)

	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for delivery := range jobs {
				var ev notify.Event
				if err := json.Unmarshal(delivery.Body, &ev); err != nil || ev.Kind == "" {
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = delivery.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := d.handle(ctx, ev); err != nil {
					log.Printf("worker=%d event %s failed cost=%s err=%v", workerID, ev.ID, time.Since(start), err)
					_ = delivery.Nack(false, false)
					continue
				}

				if err := delivery.Ack(false); err != nil {
					log.Printf("worker=%d ack failed event=%s err=%v", workerID, ev.ID, err)
				}
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case delivery, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- delivery
		}
	}
}
