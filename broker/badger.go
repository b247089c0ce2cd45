package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/philiplau114/PocketFlowProject/errors"
)

const (
	mainPrefix       = "queue:main:"
	processingPrefix = "queue:processing:"
	deadPrefix       = "queue:dead:"
	blobPrefix       = "blob:"
	leaseKey         = "lease:controller:leader"
)

// BadgerBroker implements Broker over an embedded Badger store. Queue order
// comes from a monotonically increasing sequence zero-padded into the key, so
// a prefix iteration walks envelopes oldest first.
type BadgerBroker struct {
	db   *badger.DB
	log  *zap.SugaredLogger
	seq  *badger.Sequence
	dseq *badger.Sequence
}

// OpenBadger opens (or creates) the broker store at path
func OpenBadger(path string, log *zap.SugaredLogger) (*BadgerBroker, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open broker store at %s", path)
	}

	seq, err := db.GetSequence([]byte("seq:main"), 100)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "main queue sequence")
	}
	dseq, err := db.GetSequence([]byte("seq:dead"), 100)
	if err != nil {
		seq.Release()
		db.Close()
		return nil, errors.Wrap(err, "dead-letter sequence")
	}

	if log != nil {
		log.Infow("Broker store opened", "path", path)
	}
	return &BadgerBroker{db: db, log: log, seq: seq, dseq: dseq}, nil
}

func (b *BadgerBroker) PushMain(ctx context.Context, env Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	n, err := b.seq.Next()
	if err != nil {
		return errors.Wrap(err, "next queue sequence")
	}
	key := fmt.Sprintf("%s%020d:%s", mainPrefix, n, uuid.New().String())
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return errors.Wrapf(err, "push envelope for task %d", env.TaskID)
	}
	if b.log != nil {
		b.log.Debugw("Envelope queued", "task_id", env.TaskID, "job_id", env.JobID)
	}
	return nil
}

func (b *BadgerBroker) PopMain(ctx context.Context) (Envelope, error) {
	var env Envelope
	err := b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(mainPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Rewind()
		if !it.Valid() {
			return badger.ErrKeyNotFound
		}
		item := it.Item()
		key := item.KeyCopy(nil)
		val, err := item.ValueCopy(nil)
		if err != nil {
			return errors.Wrap(err, "read envelope")
		}
		env, err = UnmarshalEnvelope(val)
		if err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return Envelope{}, errors.Wrap(errors.ErrNotFound, "main queue empty")
		}
		return Envelope{}, errors.Wrap(err, "pop main queue")
	}
	return env, nil
}

func (b *BadgerBroker) MainDepth(ctx context.Context) (int, error) {
	count := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(mainPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "count main queue")
	}
	return count, nil
}

func (b *BadgerBroker) ListMain(ctx context.Context) ([]Envelope, error) {
	return b.listEnvelopes(mainPrefix)
}

func (b *BadgerBroker) MoveToProcessing(ctx context.Context, env Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%020d", processingPrefix, env.TaskID)
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	return errors.Wrapf(err, "mark task %d processing", env.TaskID)
}

func (b *BadgerBroker) ListProcessing(ctx context.Context) ([]Envelope, error) {
	return b.listEnvelopes(processingPrefix)
}

func (b *BadgerBroker) DeleteProcessing(ctx context.Context, taskID int64) error {
	key := fmt.Sprintf("%s%020d", processingPrefix, taskID)
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	return errors.Wrapf(err, "clear processing entry for task %d", taskID)
}

func (b *BadgerBroker) PushDeadLetter(ctx context.Context, env Envelope, reason string) error {
	dl := DeadLetter{Envelope: env, Reason: reason, ParkedAt: time.Now().UTC()}
	data, err := json.Marshal(dl)
	if err != nil {
		return errors.Wrapf(err, "marshal dead letter for task %d", env.TaskID)
	}
	n, err := b.dseq.Next()
	if err != nil {
		return errors.Wrap(err, "next dead-letter sequence")
	}
	key := fmt.Sprintf("%s%020d:%s", deadPrefix, n, uuid.New().String())
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return errors.Wrapf(err, "push dead letter for task %d", env.TaskID)
	}
	if b.log != nil {
		b.log.Warnw("Envelope dead-lettered",
			"task_id", env.TaskID,
			"job_id", env.JobID,
			"reason", reason,
		)
	}
	return nil
}

func (b *BadgerBroker) ListDeadLetters(ctx context.Context) ([]DeadLetter, error) {
	var out []DeadLetter
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(deadPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return errors.Wrap(err, "read dead letter")
			}
			var dl DeadLetter
			if err := json.Unmarshal(val, &dl); err != nil {
				return errors.Wrap(err, "unmarshal dead letter")
			}
			out = append(out, dl)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list dead letters")
	}
	return out, nil
}

func (b *BadgerBroker) SetInputBlob(ctx context.Context, key string, blob []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(blobPrefix+key), blob)
	})
	return errors.Wrapf(err, "store blob %s", key)
}

func (b *BadgerBroker) GetInputBlob(ctx context.Context, key string) ([]byte, error) {
	var blob []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(blobPrefix + key))
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, errors.Wrapf(errors.ErrNotFound, "blob %s", key)
		}
		return nil, errors.Wrapf(err, "load blob %s", key)
	}
	return blob, nil
}

func (b *BadgerBroker) DeleteInputBlob(ctx context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(blobPrefix + key))
	})
	return errors.Wrapf(err, "delete blob %s", key)
}

// AcquireLease takes the leader lease via Badger's entry TTL: an expired
// lease key simply disappears, so presence of the key means a live holder.
func (b *BadgerBroker) AcquireLease(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	acquired := false
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(leaseKey))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			// free
		case err != nil:
			return errors.Wrap(err, "read lease")
		default:
			current, err := item.ValueCopy(nil)
			if err != nil {
				return errors.Wrap(err, "read lease holder")
			}
			if string(current) != holder {
				return nil
			}
		}
		entry := badger.NewEntry([]byte(leaseKey), []byte(holder)).WithTTL(ttl)
		if err := txn.SetEntry(entry); err != nil {
			return errors.Wrap(err, "write lease")
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

func (b *BadgerBroker) RenewLease(ctx context.Context, holder string, ttl time.Duration) error {
	return b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(leaseKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errors.Wrapf(errors.ErrLeaseLost, "lease expired for %s", holder)
		}
		if err != nil {
			return errors.Wrap(err, "read lease")
		}
		current, err := item.ValueCopy(nil)
		if err != nil {
			return errors.Wrap(err, "read lease holder")
		}
		if string(current) != holder {
			return errors.Wrapf(errors.ErrLeaseLost, "lease now held by %s", current)
		}
		entry := badger.NewEntry([]byte(leaseKey), []byte(holder)).WithTTL(ttl)
		return errors.Wrap(txn.SetEntry(entry), "renew lease")
	})
}

func (b *BadgerBroker) ReleaseLease(ctx context.Context, holder string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(leaseKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read lease")
		}
		current, err := item.ValueCopy(nil)
		if err != nil {
			return errors.Wrap(err, "read lease holder")
		}
		if string(current) != holder {
			return nil
		}
		return errors.Wrap(txn.Delete([]byte(leaseKey)), "release lease")
	})
}

func (b *BadgerBroker) Close() error {
	b.seq.Release()
	b.dseq.Release()
	return errors.Wrap(b.db.Close(), "close broker store")
}

func (b *BadgerBroker) listEnvelopes(prefix string) ([]Envelope, error) {
	var out []Envelope
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return errors.Wrap(err, "read envelope")
			}
			env, err := UnmarshalEnvelope(val)
			if err != nil {
				return err
			}
			out = append(out, env)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "list %s entries", prefix)
	}
	return out, nil
}
