package recipients

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"vehicle-blackbox/internal/domain"
)

type owners map[string]string

func (o owners) OwnerEmail(ctx context.Context, deviceID string) (string, error) {
	if deviceID == "broken" {
		return "", errors.New("db down")
	}
	return o[deviceID], nil
}

func TestMerge_DedupPreservesOrder(t *testing.T) {
	got := Merge("a@x.com", []string{"a@x.com", "b@x.com", "", "b@x.com"})
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, got)
}

func TestMerge_NoOwner(t *testing.T) {
	got := Merge("", []string{" c@x.com ", "C@x.com"}, nil, []string{"d@x.com"})
	assert.Equal(t, []string{"c@x.com", "d@x.com"}, got)
}

func TestMerge_Empty(t *testing.T) {
	assert.Empty(t, Merge("", nil, []string{"", "  "}))
}

func TestResolve_OwnerFromReadingFirst(t *testing.T) {
	r := NewResolver([]string{"a@x.com", "b@x.com", "", "b@x.com"}, owners{"dev-1": "other@x.com"}, zap.NewNop())

	got := r.Resolve(context.Background(), &domain.Reading{DeviceID: "dev-1", OwnerEmail: "a@x.com"})

	assert.Equal(t, []string{"a@x.com", "b@x.com"}, got)
}

func TestResolve_OwnerFromDirectory(t *testing.T) {
	r := NewResolver([]string{"b@x.com"}, owners{"dev-1": "owner@x.com"}, zap.NewNop())

	got := r.Resolve(context.Background(), &domain.Reading{
		DeviceID:          "dev-1",
		EmergencyContacts: domain.Contacts{"family@x.com"},
	})

	assert.Equal(t, []string{"owner@x.com", "family@x.com", "b@x.com"}, got)
}

func TestResolve_DirectoryFailureStillUsesContacts(t *testing.T) {
	r := NewResolver([]string{"b@x.com"}, owners{}, zap.NewNop())

	got := r.Resolve(context.Background(), &domain.Reading{DeviceID: "broken"})

	assert.Equal(t, []string{"b@x.com"}, got)
}
