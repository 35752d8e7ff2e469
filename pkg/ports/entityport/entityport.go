// Package entityport keeps per-user entity profiles in Redis hashes: one
// hash per (tenant, user), one field per entity, tracking mention counts.
package entityport

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/memfabric/memfabric/pkg/atom"
	"github.com/memfabric/memfabric/pkg/ports"
)

// SectionName labels entity-profile hits in the recall context pack.
const SectionName = "user_profile"

// Profile is one entity's stored record.
type Profile struct {
	Name      string    `json:"name"`
	Mentions  int       `json:"mentions"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// Port implements MemoryPort over Redis.
type Port struct {
	client  *redis.Client
	timeout time.Duration
}

// New connects to Redis. The connection is verified lazily via HealthCheck,
// not at construction, so a down Redis only trips this port's breaker.
func New(cfg *Config) *Port {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 1 * time.Second
	}
	return &Port{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		timeout: timeout,
	}
}

// NewWithClient wraps an existing client, for tests with miniredis-style
// servers.
func NewWithClient(client *redis.Client) *Port {
	return &Port{client: client, timeout: 1 * time.Second}
}

func (p *Port) Name() string           { return "entity" }
func (p *Port) Section() string        { return SectionName }
func (p *Port) Priority() int          { return 4 }
func (p *Port) Timeout() time.Duration { return p.timeout }

func (p *Port) Capabilities() []ports.Capability {
	return []ports.Capability{ports.CapEntity, ports.CapRelationship}
}

func hashKey(tenantID, userID string) string {
	return fmt.Sprintf("memfabric:entity:%s:%s", tenantID, userID)
}

// Write upserts a profile field for each entity the atom mentions.
func (p *Port) Write(ctx context.Context, a *atom.MemoryAtom) (string, error) {
	if len(a.Entities) == 0 {
		return "", nil
	}

	key := hashKey(a.TenantID, a.UserID)
	when := a.EventTime
	if when.IsZero() {
		when = a.IngestTime
	}

	for _, raw := range a.Entities {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}

		profile := Profile{Name: name, FirstSeen: when}
		if existing, err := p.client.HGet(ctx, key, name).Result(); err == nil {
			if uerr := json.Unmarshal([]byte(existing), &profile); uerr != nil {
				profile = Profile{Name: name, FirstSeen: when}
			}
		} else if err != redis.Nil {
			return "", fmt.Errorf("%w: %v", ports.ErrPortUnavailable, err)
		}

		profile.Mentions++
		profile.LastSeen = when

		data, err := json.Marshal(profile)
		if err != nil {
			return "", err
		}
		if err := p.client.HSet(ctx, key, name, data).Err(); err != nil {
			return "", fmt.Errorf("%w: %v", ports.ErrPortUnavailable, err)
		}
	}
	return "redis:" + key, nil
}

// Search returns profiles whose entity name appears in the query, most
// mentioned first. An empty query returns the top profiles overall.
func (p *Port) Search(ctx context.Context, query, tenantID, userID string, topK int) ([]ports.SearchResult, error) {
	fields, err := p.client.HGetAll(ctx, hashKey(tenantID, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrPortUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	queryNorm := strings.ToLower(query)
	var hits []ports.SearchResult
	for name, raw := range fields {
		var profile Profile
		if err := json.Unmarshal([]byte(raw), &profile); err != nil {
			continue
		}
		if queryNorm != "" && !strings.Contains(queryNorm, name) {
			continue
		}
		hits = append(hits, ports.SearchResult{
			ID:      "entity:" + name,
			Content: fmt.Sprintf("%s (mentioned %d times, last %s)", profile.Name, profile.Mentions, profile.LastSeen.Format("2006-01-02")),
			Score:   float64(profile.Mentions),
			Metadata: map[string]string{
				"entity":   profile.Name,
				"mentions": fmt.Sprintf("%d", profile.Mentions),
			},
		})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (p *Port) DeleteUserData(ctx context.Context, tenantID, userID string) (int, error) {
	key := hashKey(tenantID, userID)
	count, err := p.client.HLen(ctx, key).Result()
	if err != nil {
		return -1, fmt.Errorf("%w: %v", ports.ErrPortUnavailable, err)
	}
	if count == 0 {
		return 0, nil
	}
	if err := p.client.Del(ctx, key).Err(); err != nil {
		return -1, fmt.Errorf("%w: %v", ports.ErrPortUnavailable, err)
	}
	return int(count), nil
}

func (p *Port) HealthCheck(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ports.ErrPortUnavailable, err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (p *Port) Close() error {
	return p.client.Close()
}
