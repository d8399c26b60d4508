package keys

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fathima-sithara/securechat/internal/domain"
	"github.com/fathima-sithara/securechat/internal/e2ee"
	"github.com/fathima-sithara/securechat/internal/repository"
	"github.com/fathima-sithara/securechat/internal/utils"
)

// Registry stores and serves per-device public keys. It never sees private
// key material.
type Registry struct {
	store  repository.KeyStore
	logger *zap.SugaredLogger
	now    func() time.Time
}

func NewRegistry(store repository.KeyStore, logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{store: store, logger: logger, now: utils.NowUTC}
}

// RegisterKey upserts the key for (userID, deviceID) and reactivates it.
// The fingerprint is derived server side; a caller-supplied one must match.
func (r *Registry) RegisterKey(ctx context.Context, userID, deviceID string, publicKey []byte, fingerprint string) (*domain.DeviceKey, error) {
	userID = strings.TrimSpace(userID)
	deviceID = strings.TrimSpace(deviceID)
	if userID == "" || deviceID == "" {
		return nil, fmt.Errorf("%w: userId and deviceId are required", domain.ErrBadRequest)
	}
	if strings.Contains(userID, ":") {
		return nil, fmt.Errorf("%w: userId must not contain ':'", domain.ErrBadRequest)
	}
	if _, err := e2ee.ParsePublicKey(publicKey); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
	}

	derived := e2ee.Fingerprint(publicKey)
	if fingerprint != "" && !strings.EqualFold(strings.ReplaceAll(fingerprint, " ", ""), derived) {
		return nil, fmt.Errorf("%w: fingerprint does not match public key", domain.ErrBadRequest)
	}

	now := r.now()
	k, err := r.store.UpsertKey(ctx, domain.DeviceKey{
		UserID:      userID,
		DeviceID:    deviceID,
		PublicKey:   publicKey,
		Fingerprint: derived,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		r.logger.Errorw("upsert device key failed", "user_id", userID, "device_id", deviceID, "error", err)
		return nil, err
	}
	r.logger.Infow("device key registered", "user_id", userID, "device_id", deviceID, "fingerprint", derived)
	return k, nil
}

// GetKeys returns userID's active keys, most recently updated first.
func (r *Registry) GetKeys(ctx context.Context, userID string) ([]domain.DeviceKey, error) {
	return r.store.ListActiveKeys(ctx, []string{userID})
}

// GetBulkKeys groups active keys by user. Users with no active key are
// absent from the map.
func (r *Registry) GetBulkKeys(ctx context.Context, userIDs []string) (map[string][]domain.DeviceKey, error) {
	ids := make([]string, 0, len(userIDs))
	seen := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	all, err := r.store.ListActiveKeys(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]domain.DeviceKey, len(ids))
	for _, k := range all {
		out[k.UserID] = append(out[k.UserID], k)
	}
	return out, nil
}

// DeactivateKey soft-revokes a device. Repeating it is harmless.
func (r *Registry) DeactivateKey(ctx context.Context, userID, deviceID string) error {
	if err := r.store.DeactivateKey(ctx, userID, deviceID, r.now()); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: device key not found", domain.ErrNotFound)
		}
		return err
	}
	r.logger.Infow("device key deactivated", "user_id", userID, "device_id", deviceID)
	return nil
}

// DeleteUserKeys removes every key of a deleted user.
func (r *Registry) DeleteUserKeys(ctx context.Context, userID string) (int64, error) {
	n, err := r.store.DeleteUserKeys(ctx, userID)
	if err != nil {
		return 0, err
	}
	r.logger.Infow("device keys deleted", "user_id", userID, "count", n)
	return n, nil
}

// SafetyNumber compares two specific devices. Both must have a key on file.
func (r *Registry) SafetyNumber(ctx context.Context, userA, deviceA, userB, deviceB string) (string, error) {
	a, err := r.lookup(ctx, userA, deviceA)
	if err != nil {
		return "", err
	}
	b, err := r.lookup(ctx, userB, deviceB)
	if err != nil {
		return "", err
	}
	return e2ee.SafetyNumber(a.Fingerprint, b.Fingerprint), nil
}

func (r *Registry) lookup(ctx context.Context, userID, deviceID string) (*domain.DeviceKey, error) {
	k, err := r.store.GetKey(ctx, userID, deviceID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: no key for %s", domain.ErrNotFound, domain.PayloadKey{UserID: userID, DeviceID: deviceID})
	}
	return k, err
}
