package history

import (
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v7"

	"github.com/XCP/xcpfolio-bot/logging"
)

const (
	orderKeyPrefix = "xcpfolio:order:"
	indexKey       = "xcpfolio:order:index"
	entryTTL       = 7 * 24 * time.Hour
	maxIndexSize   = 100
)

// Entry is one order's visible history record. Consumed read-only by
// the status API; the controllers' correctness never depends on it.
type Entry struct {
	OrderHash   string    `json:"orderHash"`
	Asset       string    `json:"asset"`
	Buyer       string    `json:"buyer"`
	Status      string    `json:"status"`
	Txid        string    `json:"txid,omitempty"`
	PriceSats   int64     `json:"priceSats,omitempty"`
	BlockIndex  int64     `json:"blockIndex,omitempty"`
	DeliveredAt time.Time `json:"deliveredAt,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Recorder publishes order state transitions to the history side
// channel. Writes are fire-and-forget.
type Recorder struct {
	client *redis.Client
	logger *logging.ComponentLogger
}

// NewRecorder creates a history recorder over the shared Redis client.
func NewRecorder(client *redis.Client, logger *logging.ComponentLogger) *Recorder {
	return &Recorder{client: client, logger: logger}
}

// Record upserts the entry and maintains the bounded index list.
// Errors are logged, never returned.
func (r *Recorder) Record(entry Entry) {
	entry.UpdatedAt = time.Now()
	data, err := json.Marshal(entry)
	if err != nil {
		r.logger.Error().
			Err(err).
			Str("order_hash", entry.OrderHash).
			Msg("Failed to encode history entry")
		return
	}

	key := orderKeyPrefix + entry.OrderHash
	pipe := r.client.TxPipeline()
	pipe.Set(key, data, entryTTL)
	pipe.LRem(indexKey, 0, entry.OrderHash)
	pipe.LPush(indexKey, entry.OrderHash)
	pipe.LTrim(indexKey, 0, maxIndexSize-1)
	pipe.Expire(indexKey, entryTTL)
	if _, err := pipe.Exec(); err != nil {
		r.logger.Warn().
			Err(err).
			Str("order_hash", entry.OrderHash).
			Msg("Failed to record order history")
	}
}

// Recent returns up to limit entries, newest first. Missing or expired
// hashes in the index are skipped.
func (r *Recorder) Recent(limit int) []Entry {
	if limit <= 0 || limit > maxIndexSize {
		limit = maxIndexSize
	}
	hashes, err := r.client.LRange(indexKey, 0, int64(limit-1)).Result()
	if err != nil {
		r.logger.Warn().
			Err(err).
			Msg("Failed to read order history index")
		return nil
	}

	entries := make([]Entry, 0, len(hashes))
	for _, hash := range hashes {
		data, err := r.client.Get(orderKeyPrefix + hash).Bytes()
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// Rebuild rewrites the index from the surviving per-order keys. Used by
// the admin CLI after manual repairs.
func (r *Recorder) Rebuild() (int, error) {
	keys, err := r.client.Keys(orderKeyPrefix + "*").Result()
	if err != nil {
		return 0, err
	}

	type dated struct {
		hash string
		at   time.Time
	}
	var found []dated
	for _, key := range keys {
		if key == indexKey {
			continue
		}
		data, err := r.client.Get(key).Bytes()
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		found = append(found, dated{hash: entry.OrderHash, at: entry.UpdatedAt})
	}

	// Newest first.
	for i := 0; i < len(found); i++ {
		for j := i + 1; j < len(found); j++ {
			if found[j].at.After(found[i].at) {
				found[i], found[j] = found[j], found[i]
			}
		}
	}
	if len(found) > maxIndexSize {
		found = found[:maxIndexSize]
	}

	pipe := r.client.TxPipeline()
	pipe.Del(indexKey)
	for i := len(found) - 1; i >= 0; i-- {
		pipe.LPush(indexKey, found[i].hash)
	}
	pipe.Expire(indexKey, entryTTL)
	if _, err := pipe.Exec(); err != nil {
		return 0, err
	}
	return len(found), nil
}
