package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	valkeylib "github.com/valkey-io/valkey-go"
)

// defaultConnectTimeout bounds the initial ping NewValkey uses to fail fast
// on a dead endpoint rather than block the constructor indefinitely.
const defaultConnectTimeout = 5 * time.Second

// Valkey is the distributed Cache implementation, for deployments running
// more than one process against the same mapping store. It carries no
// locking of its own: cache entries are advisory and always recomputable
// from the KV, so a lost race just means one extra KV read.
type Valkey struct {
	client valkeylib.Client
	prefix string
}

// NewValkey dials address/db with password (optional) and returns a Cache
// backed by it, with every key namespaced under "<keyPrefix>lidmapping:" so
// the mapping cache can share a Valkey instance with other consumers
// without key collisions. keyPrefix may be empty.
func NewValkey(address, password string, db int, keyPrefix string) (*Valkey, error) {
	opts := valkeylib.ClientOption{InitAddress: []string{address}, SelectDB: db}
	if password != "" {
		opts.Password = password
	}
	client, err := valkeylib.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("cache.Valkey: connect %s: %w", address, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache.Valkey: ping %s: %w", address, err)
	}

	prefix := keyPrefix
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	prefix += "lidmapping:"

	return &Valkey{client: client, prefix: prefix}, nil
}

// Close releases the underlying Valkey connection.
func (v *Valkey) Close() {
	v.client.Close()
}

func (v *Valkey) fullKey(key string) string {
	return v.prefix + key
}

func (v *Valkey) Get(ctx context.Context, key string) (string, bool, error) {
	cmd := v.client.B().Get().Key(v.fullKey(key)).Build()
	val, err := v.client.Do(ctx, cmd).ToString()
	if err != nil {
		if valkeylib.IsValkeyNil(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("cache.Valkey: get %s: %w", key, err)
	}
	return val, true, nil
}

func (v *Valkey) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	cmd := v.client.B().Set().Key(v.fullKey(key)).Value(value).Ex(ttl).Build()
	if err := v.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache.Valkey: set %s: %w", key, err)
	}
	return nil
}

func (v *Valkey) Delete(ctx context.Context, key string) error {
	cmd := v.client.B().Del().Key(v.fullKey(key)).Build()
	if err := v.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache.Valkey: delete %s: %w", key, err)
	}
	return nil
}
