package storage

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	redisx "BTPSync/service/storage/redis"
	"BTPSync/tools/errs"
)

// Device presence, shared across gateway nodes.
//
// Key per live device: sync:presence:<principal>:<device> -> gateway id,
// TTL renewed by the connection heartbeat. A per-principal set indexes
// the devices so status and the gateway's unsafe-DELETE origin check can
// enumerate without scanning the keyspace.

func presenceKey(principal, device string) string {
	return "sync:presence:" + principal + ":" + device
}

func devicesKey(principal string) string { return "sync:devices:" + principal }

// Manager wraps the presence operations; a zero TTL falls back to 90s
// (heartbeat interval is 25s, so three missed beats take a device
// offline on every node).
type Manager struct {
	TTL time.Duration
}

func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &Manager{TTL: ttl}
}

// Online marks the device live on this gateway and renews the TTL.
func (m *Manager) Online(ctx context.Context, principal, device, gatewayID string) error {
	rdb := redisx.GetRedis()
	pipe := rdb.TxPipeline()
	pipe.Set(ctx, presenceKey(principal, device), gatewayID, m.TTL)
	pipe.SAdd(ctx, devicesKey(principal), device)
	_, err := pipe.Exec(ctx)
	return errs.WrapMsg(err, "presence online")
}

// Offline removes the device explicitly (clean disconnect).
func (m *Manager) Offline(ctx context.Context, principal, device string) error {
	rdb := redisx.GetRedis()
	pipe := rdb.TxPipeline()
	pipe.Del(ctx, presenceKey(principal, device))
	pipe.SRem(ctx, devicesKey(principal), device)
	_, err := pipe.Exec(ctx)
	return errs.WrapMsg(err, "presence offline")
}

// Live reports whether the device holds a live connection anywhere.
func (m *Manager) Live(ctx context.Context, principal, device string) (bool, error) {
	rdb := redisx.GetRedis()
	_, err := rdb.Get(ctx, presenceKey(principal, device)).Result()
	if err == goredis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errs.WrapMsg(err, "presence lookup")
	}
	return true, nil
}

// ConnectedDevices enumerates the principal's live devices, pruning set
// members whose presence key has expired.
func (m *Manager) ConnectedDevices(ctx context.Context, principal string) ([]string, error) {
	rdb := redisx.GetRedis()
	members, err := rdb.SMembers(ctx, devicesKey(principal)).Result()
	if err != nil {
		return nil, errs.WrapMsg(err, "presence members")
	}
	live := make([]string, 0, len(members))
	for _, device := range members {
		n, err := rdb.Exists(ctx, presenceKey(principal, device)).Result()
		if err != nil {
			return nil, errs.WrapMsg(err, "presence exists")
		}
		if n > 0 {
			live = append(live, device)
		} else {
			_ = rdb.SRem(ctx, devicesKey(principal), device).Err()
		}
	}
	return live, nil
}
