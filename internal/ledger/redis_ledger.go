package ledger

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"genjob-orchestrator/internal/config"
)

// Ledger records which provider jobs are still outstanding and which have
// been cleaned up. Outstanding jobs sit in a sorted set scored by the time
// after which they count as abandoned.
type Ledger struct {
	client         *redis.Client
	outstandingKey string
	cleanedPrefix  string
	metaPrefix     string
	cleanedTTL     time.Duration
}

// NewClient builds a Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// New wraps a Redis client. Cleaned markers expire after cleanedTTL; a zero
// value keeps them for a week.
func New(client *redis.Client, cleanedTTL time.Duration) *Ledger {
	if cleanedTTL <= 0 {
		cleanedTTL = 7 * 24 * time.Hour
	}
	return &Ledger{
		client:         client,
		outstandingKey: "genjob:outstanding",
		cleanedPrefix:  "genjob:cleaned:",
		metaPrefix:     "genjob:meta:",
		cleanedTTL:     cleanedTTL,
	}
}

func (l *Ledger) cleanedKey(jobID string) string {
	return l.cleanedPrefix + jobID
}

func (l *Ledger) metaKey(jobID string) string {
	return l.metaPrefix + jobID
}

// Track registers a freshly submitted job that must be cleaned up by
// abandonAt at the latest.
func (l *Ledger) Track(ctx context.Context, jobID string, abandonAt time.Time) error {
	pipe := l.client.TxPipeline()
	pipe.HSet(ctx, l.metaKey(jobID), "submitted_at", time.Now().UTC().Format(time.RFC3339))
	pipe.ZAdd(ctx, l.outstandingKey, redis.Z{Score: float64(abandonAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// Cleaned reports whether a successful cleanup was already recorded.
func (l *Ledger) Cleaned(ctx context.Context, jobID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.cleanedKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkCleaned records a successful cleanup and drops the job from the
// outstanding set. It returns false if the job was already marked.
func (l *Ledger) MarkCleaned(ctx context.Context, jobID string) (bool, error) {
	res, err := markCleanedScript.Run(ctx, l.client,
		[]string{l.cleanedKey(jobID), l.outstandingKey, l.metaKey(jobID)},
		jobID, time.Now().UTC().Format(time.RFC3339), l.cleanedTTL.Milliseconds(),
	).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// ClaimAbandoned atomically removes up to limit jobs whose abandon deadline
// has passed and returns them. Each id is handed to exactly one caller.
func (l *Ledger) ClaimAbandoned(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	res, err := claimScript.Run(ctx, l.client, []string{l.outstandingKey}, now.UnixMilli(), limit).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Release puts a claimed job back so a later sweep retries it.
func (l *Ledger) Release(ctx context.Context, jobID string, retryAt time.Time) error {
	return l.client.ZAdd(ctx, l.outstandingKey, redis.Z{
		Score:  float64(retryAt.UnixMilli()),
		Member: jobID,
	}).Err()
}

// RecordSweepFailure counts a failed cleanup of a claimed job and returns the
// running total.
func (l *Ledger) RecordSweepFailure(ctx context.Context, jobID string) (int64, error) {
	return l.client.HIncrBy(ctx, l.metaKey(jobID), "sweep_failures", 1).Result()
}

// Forget drops everything the ledger holds about a job except its cleaned
// marker.
func (l *Ledger) Forget(ctx context.Context, jobID string) error {
	pipe := l.client.TxPipeline()
	pipe.ZRem(ctx, l.outstandingKey, jobID)
	pipe.Del(ctx, l.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Outstanding returns how many jobs still await cleanup.
func (l *Ledger) Outstanding(ctx context.Context) (int64, error) {
	return l.client.ZCard(ctx, l.outstandingKey).Result()
}

var markCleanedScript = redis.NewScript(`
local ok = redis.call('SET', KEYS[1], ARGV[2], 'NX', 'PX', ARGV[3])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
if ok then return 1 end
return 0
`)

var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for i=1,#ids do
  redis.call('ZREM', KEYS[1], ids[i])
end
return ids
`)
