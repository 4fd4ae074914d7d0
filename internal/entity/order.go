package entity

import (
	"time"

	"github.com/uptrace/bun"
)

// OSFamily identifies the operating-system family a customer ordered.
type OSFamily string

const (
	OSWindows OSFamily = "windows"
	OSLinux   OSFamily = "linux"
)

// Valid reports whether the family is one of the supported values.
func (f OSFamily) Valid() bool {
	return f == OSWindows || f == OSLinux
}

// Order records one confirmed purchase. Orders are immutable once written
// and are never deleted; the id doubles as the idempotency key for
// payment-confirmation events.
type Order struct {
	bun.BaseModel `bun:"table:orders"`

	ID        string    `bun:",pk"`
	UserID    int64     `bun:"user_id"`
	OSFamily  OSFamily  `bun:"os_family"`
	Plan      string    `bun:"plan"`
	Email     string    `bun:"email"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
}
