// Package recipients works out who is told about an alert.
package recipients

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"vehicle-blackbox/internal/domain"
)

// OwnerDirectory looks up the registered owner email for a device. A missing
// owner is ("", nil).
type OwnerDirectory interface {
	OwnerEmail(ctx context.Context, deviceID string) (string, error)
}

type Resolver struct {
	contacts []string
	owners   OwnerDirectory
	logger   *zap.Logger
}

// NewResolver takes the configured emergency contacts. owners may be nil.
func NewResolver(contacts []string, owners OwnerDirectory, logger *zap.Logger) *Resolver {
	return &Resolver{contacts: contacts, owners: owners, logger: logger}
}

// Resolve returns the owner email (from the reading, falling back to the
// directory), then contacts carried on the reading, then the configured
// contacts, de-duplicated in that order.
func (r *Resolver) Resolve(ctx context.Context, reading *domain.Reading) []string {
	owner := reading.OwnerEmail
	if owner == "" && r.owners != nil {
		email, err := r.owners.OwnerEmail(ctx, reading.DeviceID)
		if err != nil {
			r.logger.Warn("owner lookup failed, continuing with emergency contacts",
				zap.String("device_id", reading.DeviceID),
				zap.Error(err),
			)
		}
		owner = email
	}
	return Merge(owner, reading.EmergencyContacts, r.contacts)
}

// Merge keeps the first occurrence of each address, compared without case,
// and drops blanks.
func Merge(owner string, lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			return
		}
		key := strings.ToLower(addr)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, addr)
	}

	add(owner)
	for _, list := range lists {
		for _, addr := range list {
			add(addr)
		}
	}
	return out
}
