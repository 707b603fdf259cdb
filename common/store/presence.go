package store

import (
	"context"
	"strconv"
	"time"

	E "github.com/sagernet/sing/common/exceptions"

	"github.com/redis/go-redis/v9"
)

// Presence is the externally visible record of a live tunnel.
type Presence struct {
	ConnectionID   string
	OrganizationID string
	Protocol       string
	Port           uint16
	Since          time.Time
}

var markOnlineScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[2])
redis.call('HSET', KEYS[2], 'connectionId', ARGV[1], 'organizationId', ARGV[3], 'protocol', ARGV[4], 'port', ARGV[5], 'since', ARGV[6])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
if #KEYS > 2 then
	redis.call('ZADD', KEYS[3], ARGV[6], ARGV[7])
end
return 1
`)

// MarkOnline publishes presence for key, failing if presence.ConnectionID no
// longer holds the reservation.
func (s *Store) MarkOnline(ctx context.Context, key string, presence Presence) (bool, error) {
	keys := []string{ReservationKey(key), OnlineKey(key)}
	if presence.OrganizationID != "" {
		keys = append(keys, ActiveTunnelsKey(presence.OrganizationID))
	}
	since := presence.Since
	if since.IsZero() {
		since = s.now()
	}
	marked, err := markOnlineScript.Run(ctx, s.client, keys,
		presence.ConnectionID,
		s.ttlMillis(),
		presence.OrganizationID,
		presence.Protocol,
		strconv.Itoa(int(presence.Port)),
		strconv.FormatInt(since.Unix(), 10),
		key,
	).Int()
	if err != nil {
		return false, E.Cause(err, "mark ", key, " online")
	}
	return marked == 1, nil
}

var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return 0
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
if redis.call('HGET', KEYS[2], 'connectionId') == ARGV[1] then
	redis.call('PEXPIRE', KEYS[2], ARGV[2])
end
if #KEYS > 2 then
	redis.call('ZADD', KEYS[3], ARGV[3], ARGV[4])
	redis.call('ZREMRANGEBYSCORE', KEYS[3], '-inf', '(' .. ARGV[5])
end
return 1
`)

// Refresh extends the reservation and presence of key while owner holds it.
// A false result means the reservation was lost.
func (s *Store) Refresh(ctx context.Context, key string, owner string, organizationID string) (bool, error) {
	keys := []string{ReservationKey(key), OnlineKey(key)}
	if organizationID != "" {
		keys = append(keys, ActiveTunnelsKey(organizationID))
	}
	now := s.now()
	refreshed, err := refreshScript.Run(ctx, s.client, keys,
		owner,
		s.ttlMillis(),
		strconv.FormatInt(now.Unix(), 10),
		key,
		strconv.FormatInt(now.Add(-s.presenceTTL).Unix(), 10),
	).Int()
	if err != nil {
		return false, E.Cause(err, "refresh ", key)
	}
	return refreshed == 1, nil
}

var unregisterScript = redis.NewScript(`
local released = 0
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[1])
	released = 1
end
if redis.call('HGET', KEYS[2], 'connectionId') == ARGV[1] then
	redis.call('DEL', KEYS[2])
end
if #KEYS > 2 then
	local current = redis.call('GET', KEYS[1])
	if not current then
		redis.call('ZREM', KEYS[3], ARGV[2])
	end
end
return released
`)

// Unregister removes the reservation, presence, and active-tunnel membership
// of key held by owner. State owned by anyone else is left untouched, so it
// is safe to call repeatedly and after a takeover.
func (s *Store) Unregister(ctx context.Context, key string, owner string, organizationID string) error {
	keys := []string{ReservationKey(key), OnlineKey(key)}
	if organizationID != "" {
		keys = append(keys, ActiveTunnelsKey(organizationID))
	}
	err := unregisterScript.Run(ctx, s.client, keys, owner, key).Err()
	if err != nil {
		return E.Cause(err, "unregister ", key)
	}
	return nil
}

func (s *Store) IsOnline(ctx context.Context, key string) (bool, error) {
	count, err := s.client.Exists(ctx, OnlineKey(key)).Result()
	if err != nil {
		return false, E.Cause(err, "check ", key, " online")
	}
	return count > 0, nil
}

func (s *Store) Presence(ctx context.Context, key string) (*Presence, error) {
	fields, err := s.client.HGetAll(ctx, OnlineKey(key)).Result()
	if err != nil {
		return nil, E.Cause(err, "read presence of ", key)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	presence := &Presence{
		ConnectionID:   fields["connectionId"],
		OrganizationID: fields["organizationId"],
		Protocol:       fields["protocol"],
	}
	if port, err := strconv.ParseUint(fields["port"], 10, 16); err == nil {
		presence.Port = uint16(port)
	}
	if since, err := strconv.ParseInt(fields["since"], 10, 64); err == nil {
		presence.Since = time.Unix(since, 0)
	}
	return presence, nil
}

// ActiveTunnels counts tunnels of an organization seen within the presence
// TTL.
func (s *Store) ActiveTunnels(ctx context.Context, organizationID string) (int64, error) {
	minScore := strconv.FormatInt(s.now().Add(-s.presenceTTL).Unix(), 10)
	return s.client.ZCount(ctx, ActiveTunnelsKey(organizationID), minScore, "+inf").Result()
}
