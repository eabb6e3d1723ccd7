package db

import (
	"log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/lawdesk/chatcore/internal/identity"
	"github.com/lawdesk/chatcore/internal/message"
	"github.com/lawdesk/chatcore/internal/room"
	"github.com/lawdesk/chatcore/internal/session"
	"github.com/lawdesk/chatcore/internal/support"
)

func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	return gdb
}

// AutoMigrate creates the core's durable tables.
func AutoMigrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&identity.Guest{},
		&session.Connection{},
		&room.Room{},
		&room.Membership{},
		&message.Message{},
		&message.Status{},
		&message.Reaction{},
		&support.Agent{},
		&support.Ticket{},
	)
}
