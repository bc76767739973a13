package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jackzampolin/bookdrop/internal/books"
)

var bucketRecords = []byte("records")

// BoltPersister persists records in a bbolt file. Writes go through a Sink
// and are applied in one transaction per batch.
type BoltPersister struct {
	db     *bolt.DB
	sink   *Sink
	logger *slog.Logger
}

// BoltConfig configures a BoltPersister.
type BoltConfig struct {
	Path          string
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// OpenBolt opens (or creates) the database at cfg.Path.
func OpenBolt(cfg BoltConfig) (*BoltPersister, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRecords); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketRecords, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	p := &BoltPersister{db: db, logger: cfg.Logger}
	p.sink = NewSink(SinkConfig{
		Writer:        p,
		FlushInterval: cfg.FlushInterval,
		Logger:        cfg.Logger,
	})
	return p, nil
}

// Start begins the background writer.
func (p *BoltPersister) Start(ctx context.Context) {
	p.sink.Start(ctx)
}

// Close flushes pending writes and closes the database.
func (p *BoltPersister) Close() error {
	p.sink.Stop()
	return p.db.Close()
}

// Save queues an upsert of rec.
func (p *BoltPersister) Save(rec books.Record) {
	p.sink.Send(WriteOp{Op: OpPut, ID: rec.ID, Record: rec})
}

// Delete queues removal of id.
func (p *BoltPersister) Delete(id string) {
	p.sink.Send(WriteOp{Op: OpDelete, ID: id})
}

// WriteBatch applies ops in a single transaction.
func (p *BoltPersister) WriteBatch(ops []WriteOp) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		for _, op := range ops {
			switch op.Op {
			case OpPut:
				data, err := json.Marshal(op.Record)
				if err != nil {
					return fmt.Errorf("failed to encode record %s: %w", op.ID, err)
				}
				if err := b.Put([]byte(op.ID), data); err != nil {
					return err
				}
			case OpDelete:
				if err := b.Delete([]byte(op.ID)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// LoadAll reads every persisted record.
func (p *BoltPersister) LoadAll() ([]books.Record, error) {
	var recs []books.Record
	err := p.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var rec books.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				p.logger.Warn("skipping corrupt record", "key", string(k), "error", err)
				return nil
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}

var _ Persister = (*BoltPersister)(nil)
