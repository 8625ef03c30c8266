package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, session *Session) error
	FindBySessionID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, sessionID string) (*Session, error)
	FindByReferenceID(ctx context.Context, db *gorm.DB, referenceID string) (*Session, error)
	// Resolve moves an OPEN session to a terminal status. Returns false
	// when the session was already resolved, making repeated polls and
	// the poll-vs-webhook race converge on the first outcome.
	Resolve(ctx context.Context, db *gorm.DB, id snowflake.ID, status SessionStatus, externalPaymentID string) (bool, error)
}
