// Package store keeps tunnel reservations, presence, and bandwidth counters
// in Redis so every server instance and the dashboard share one view.
package store

import (
	"context"
	"strconv"
	"time"

	C "github.com/sagernet/sing-expose/constant"
	"github.com/sagernet/sing-expose/option"
	E "github.com/sagernet/sing/common/exceptions"

	"github.com/redis/go-redis/v9"
)

const (
	reservationPrefix = "tunnel:reservation:"
	onlinePrefix      = "tunnel:online:"
	controlChannel    = "tunnel:control"
)

func ReservationKey(key string) string {
	return reservationPrefix + key
}

func OnlineKey(key string) string {
	return onlinePrefix + key
}

func ActiveTunnelsKey(organizationID string) string {
	return "org:" + organizationID + ":active_tunnels"
}

func BandwidthKey(organizationID string, at time.Time) string {
	return "org:" + organizationID + ":bandwidth:" + at.UTC().Format("2006-01")
}

type Store struct {
	client      *redis.Client
	presenceTTL time.Duration
	now         func() time.Time
}

func New(options option.StoreOptions, presenceTTL time.Duration) (*Store, error) {
	var redisOptions *redis.Options
	if options.URL != "" {
		var err error
		redisOptions, err = redis.ParseURL(options.URL)
		if err != nil {
			return nil, E.Cause(err, "parse store url")
		}
	} else {
		address := options.Address
		if address == "" {
			address = "127.0.0.1:6379"
		}
		redisOptions = &redis.Options{
			Addr:     address,
			Password: options.Password,
			DB:       options.DB,
		}
	}
	return NewWithClient(redis.NewClient(redisOptions), presenceTTL), nil
}

func NewWithClient(client *redis.Client, presenceTTL time.Duration) *Store {
	if presenceTTL <= 0 {
		presenceTTL = C.PresenceTTL
	}
	return &Store{
		client:      client,
		presenceTTL: presenceTTL,
		now:         time.Now,
	}
}

// Client exposes the underlying connection for compensating writes.
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) PresenceTTL() time.Duration {
	return s.presenceTTL
}

func (s *Store) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), C.WebAPITimeout)
	defer cancel()
	err := s.client.Ping(ctx).Err()
	if err != nil {
		return E.Cause(err, "connect store")
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Reserve claims key for owner unless another owner already holds it.
func (s *Store) Reserve(ctx context.Context, key string, owner string) (bool, error) {
	reserved, err := s.client.SetNX(ctx, ReservationKey(key), owner, s.presenceTTL).Result()
	if err != nil {
		return false, E.Cause(err, "reserve ", key)
	}
	return reserved, nil
}

// Takeover unconditionally claims key for owner and returns the previous
// owner, or an empty string if the key was free.
func (s *Store) Takeover(ctx context.Context, key string, owner string) (string, error) {
	previous, err := s.client.SetArgs(ctx, ReservationKey(key), owner, redis.SetArgs{
		TTL: s.presenceTTL,
		Get: true,
	}).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", E.Cause(err, "take over ", key)
	}
	return previous, nil
}

func (s *Store) Owner(ctx context.Context, key string) (string, error) {
	owner, err := s.client.Get(ctx, ReservationKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return owner, err
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Release drops the reservation only while owner still holds it.
func (s *Store) Release(ctx context.Context, key string, owner string) (bool, error) {
	released, err := releaseScript.Run(ctx, s.client, []string{ReservationKey(key)}, owner).Int()
	if err != nil {
		return false, E.Cause(err, "release ", key)
	}
	return released == 1, nil
}

func (s *Store) unixNow() string {
	return strconv.FormatInt(s.now().Unix(), 10)
}

func (s *Store) ttlMillis() string {
	return strconv.FormatInt(s.presenceTTL.Milliseconds(), 10)
}
