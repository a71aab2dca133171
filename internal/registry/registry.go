// Package registry maps hardware addresses to stable device identifiers,
// provisioning a Device row the first time an address carries traffic.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vesaa/hotspotmon/internal/classify"
	"github.com/vesaa/hotspotmon/internal/metrics"
	"github.com/vesaa/hotspotmon/internal/models"
	"github.com/vesaa/hotspotmon/internal/store"
)

// ErrReservedAddress is returned for group or broadcast addresses, which never
// identify a device.
var ErrReservedAddress = errors.New("reserved address")

// Store is the subset of the persistent store the registry needs.
type Store interface {
	FindDeviceByHardwareAddr(ctx context.Context, mac string) (*models.Device, error)
	CreateDevice(ctx context.Context, dev *models.Device) (bool, error)
}

// UserFinder looks up the fallback owner at startup.
type UserFinder interface {
	FindUserByFirstName(ctx context.Context, name string) (*models.User, error)
}

// Registry is safe for concurrent use.
type Registry struct {
	store   Store
	ids     *snowflake.Node
	ownerID string
	log     *zap.Logger
	metrics *metrics.Metrics
	group   singleflight.Group
}

// New returns a Registry that assigns ownerID to provisioned devices.
func New(s Store, ids *snowflake.Node, ownerID string, log *zap.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		store:   s,
		ids:     ids,
		ownerID: ownerID,
		log:     log.Named("registry"),
		metrics: m,
	}
}

// OwnerID returns the owner assigned to provisioned devices.
func (r *Registry) OwnerID() string { return r.ownerID }

// DisplayName is the name given to a provisioned device seen at ip.
func DisplayName(ip netip.Addr) string {
	addr := "N/A"
	if ip.IsValid() {
		addr = ip.String()
	}
	return fmt.Sprintf("New Device (%s)", addr)
}

// Resolve returns the device ID for mac, creating the device on first sight.
// Concurrent calls for the same address share one lookup and at most one insert.
func (r *Registry) Resolve(ctx context.Context, mac net.HardwareAddr, ip netip.Addr) (string, error) {
	if classify.ReservedMAC(mac) || classify.ReservedIP(ip) {
		return "", fmt.Errorf("%w: %s %s", ErrReservedAddress, mac, ip)
	}
	key := mac.String()
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.resolve(ctx, key, ip)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Registry) resolve(ctx context.Context, mac string, ip netip.Addr) (string, error) {
	dev, err := r.store.FindDeviceByHardwareAddr(ctx, mac)
	if err == nil {
		return dev.ID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	dev = &models.Device{
		ID:              "D" + r.ids.Generate().String(),
		UserID:          r.ownerID,
		HardwareAddress: mac,
		Name:            DisplayName(ip),
		Type:            models.DefaultDeviceType,
	}
	created, err := r.store.CreateDevice(ctx, dev)
	if err != nil {
		return "", err
	}
	if !created {
		// Another writer registered the address between lookup and insert.
		winner, err := r.store.FindDeviceByHardwareAddr(ctx, mac)
		if err != nil {
			return "", fmt.Errorf("re-reading device %s after conflict: %w", mac, err)
		}
		return winner.ID, nil
	}

	r.metrics.DeviceProvisioned()
	r.log.Info("device provisioned",
		zap.String("mac", mac),
		zap.String("device_id", dev.ID),
		zap.String("user_id", dev.UserID),
		zap.String("name", dev.Name),
	)
	return dev.ID, nil
}

// DefaultOwner resolves the owner of provisioned devices once: the first user
// whose first name is name, or fallback when name is empty or matches nobody.
func DefaultOwner(ctx context.Context, users UserFinder, name, fallback string, log *zap.Logger) string {
	if name == "" {
		return fallback
	}
	u, err := users.FindUserByFirstName(ctx, name)
	switch {
	case err == nil:
		log.Info("default owner resolved", zap.String("name", name), zap.String("user_id", u.ID))
		return u.ID
	case errors.Is(err, store.ErrNotFound):
		log.Warn("default owner not found, using fallback", zap.String("name", name), zap.String("user_id", fallback))
	default:
		log.Warn("default owner lookup failed, using fallback", zap.String("name", name), zap.String("user_id", fallback), zap.Error(err))
	}
	return fallback
}
