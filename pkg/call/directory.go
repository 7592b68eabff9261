package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/LingByte/LingReach/internal/models"
	"github.com/LingByte/LingReach/pkg/auth"
	"github.com/LingByte/LingReach/pkg/utils"
	"gorm.io/gorm"
)

// ErrUnknownSubject means no identity facts are on file for a number.
var ErrUnknownSubject = errors.New("subject not in directory")

// Directory returns the identity facts on file for a phone number.
type Directory interface {
	Lookup(ctx context.Context, phone string) (auth.Known, error)
}

// DBDirectory reads subjects from the audit database through the process cache.
type DBDirectory struct {
	db *gorm.DB
}

func NewDBDirectory(db *gorm.DB) *DBDirectory {
	return &DBDirectory{db: db}
}

func (d *DBDirectory) Lookup(ctx context.Context, phone string) (auth.Known, error) {
	return utils.CacheGetOrLoad("subject:"+phone, func() (auth.Known, error) {
		subject, err := models.GetSubjectByPhone(d.db.WithContext(ctx), phone)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return auth.Known{}, ErrUnknownSubject
		}
		if err != nil {
			return auth.Known{}, fmt.Errorf("lookup subject: %w", err)
		}
		return auth.Known{DOB: subject.DOB, ZIP: subject.ZIP, SSN4: subject.SSN4}, nil
	})
}

// MapDirectory is a fixed in-memory directory.
type MapDirectory map[string]auth.Known

func (m MapDirectory) Lookup(ctx context.Context, phone string) (auth.Known, error) {
	k, ok := m[phone]
	if !ok {
		return auth.Known{}, ErrUnknownSubject
	}
	return k, nil
}
