package trails

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ClientUIDProvider issues idempotency keys for locally created rows.
type ClientUIDProvider interface {
	NewClientUID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a ClientUIDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() ClientUIDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewClientUID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// nextLocalID allocates the next identifier of the negative local sequence for
// table. Remote identifiers are always positive, so the two never collide.
func nextLocalID(tx *gorm.DB, table string) (int64, error) {
	var lowest int64
	err := tx.Table(table).Select("COALESCE(MIN(id), 0)").Scan(&lowest).Error
	if err != nil {
		return 0, fmt.Errorf("allocate local %s id: %w", table, err)
	}
	if lowest > 0 {
		lowest = 0
	}
	return lowest - 1, nil
}
