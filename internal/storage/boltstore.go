package storage

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	bolt "go.etcd.io/bbolt"
	"google.golang.org/protobuf/proto"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
	"github.com/angzarr-io/angzarr/internal/angerr"
)

// BoltStore is the embedded event log for standalone, zero-external-
// dependency deployments. Grounded on cuemby-warren's pkg/storage/boltdb.go
// (one top-level bucket per kind, db.Update/db.View closures) adapted to a
// nested-bucket-per-stream layout: one bucket per domain, one sub-bucket
// per hex-encoded root holding big-endian sequence keys -> marshaled
// EventPage values, plus a parallel "snapshots" bucket.
type BoltStore struct {
	db *bolt.DB
}

var (
	snapshotsBucket = []byte("snapshots")
	positionsBucket = []byte("positions")
)

// NewBoltStore opens (creating if absent) a BoltDB file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(snapshotsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(positionsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func streamBucketPath(key StreamKey) ([]byte, []byte) {
	return []byte(key.Domain), []byte(hex.EncodeToString(key.Root[:]))
}

func seqKey(seq uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, seq)
	return b
}

func (s *BoltStore) Load(ctx context.Context, key StreamKey) (*angzarrpb.EventBook, error) {
	pages, err := s.LoadRange(ctx, key, 0, 0)
	if err != nil {
		return nil, err
	}
	return &angzarrpb.EventBook{Pages: pages}, nil
}

func (s *BoltStore) LoadRange(ctx context.Context, key StreamKey, from, to uint32) ([]*angzarrpb.EventPage, error) {
	var pages []*angzarrpb.EventPage
	err := s.db.View(func(tx *bolt.Tx) error {
		domainBkt := tx.Bucket([]byte(key.Domain))
		if domainBkt == nil {
			return nil
		}
		_, rootName := streamBucketPath(key)
		streamBkt := domainBkt.Bucket(rootName)
		if streamBkt == nil {
			return nil
		}
		c := streamBkt.Cursor()
		for k, v := c.Seek(seqKey(from)); k != nil; k, v = c.Next() {
			seq := binary.BigEndian.Uint32(k)
			if to != 0 && seq >= to {
				break
			}
			var page angzarrpb.EventPage
			if err := proto.Unmarshal(v, &page); err != nil {
				return angerr.Wrap(angerr.StorageCorrupt, "failed to unmarshal event page", err)
			}
			pages = append(pages, &page)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := ValidateDense(pages, from); err != nil {
		return nil, err
	}
	return pages, nil
}

func (s *BoltStore) LoadAsOfSequence(ctx context.Context, key StreamKey, seq uint32) ([]*angzarrpb.EventPage, error) {
	return s.LoadRange(ctx, key, 0, seq+1)
}

func (s *BoltStore) Tail(ctx context.Context, key StreamKey) (uint32, bool, error) {
	var seq uint32
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		domainBkt := tx.Bucket([]byte(key.Domain))
		if domainBkt == nil {
			return nil
		}
		_, rootName := streamBucketPath(key)
		streamBkt := domainBkt.Bucket(rootName)
		if streamBkt == nil {
			return nil
		}
		k, _ := streamBkt.Cursor().Last()
		if k == nil {
			return nil
		}
		seq = binary.BigEndian.Uint32(k)
		ok = true
		return nil
	})
	return seq, ok, err
}

func (s *BoltStore) Append(ctx context.Context, key StreamKey, pages []*angzarrpb.EventPage, expectedSequence uint32, forceWrite bool) ([]*angzarrpb.EventPage, error) {
	var stamped []*angzarrpb.EventPage
	err := s.db.Update(func(tx *bolt.Tx) error {
		domainName, rootName := streamBucketPath(key)
		domainBkt, err := tx.CreateBucketIfNotExists(domainName)
		if err != nil {
			return err
		}
		streamBkt, err := domainBkt.CreateBucketIfNotExists(rootName)
		if err != nil {
			return err
		}

		var nextSeq uint32
		if k, _ := streamBkt.Cursor().Last(); k != nil {
			nextSeq = binary.BigEndian.Uint32(k) + 1
		}

		if !forceWrite && nextSeq != expectedSequence {
			return angerr.New(angerr.ConcurrencyConflict,
				fmt.Sprintf("expected sequence %d but stream is at %d", expectedSequence, nextSeq))
		}

		seq := nextSeq

		for _, p := range pages {
			page := proto.Clone(p).(*angzarrpb.EventPage)
			page.Sequence = seq
			page.External = forceWrite
			data, err := proto.Marshal(page)
			if err != nil {
				return fmt.Errorf("failed to marshal event page: %w", err)
			}
			if err := streamBkt.Put(seqKey(seq), data); err != nil {
				return err
			}
			stamped = append(stamped, page)
			seq++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stamped, nil
}

func (s *BoltStore) WriteSnapshot(ctx context.Context, snapshot *angzarrpb.Snapshot) error {
	key := StreamKey{Domain: snapshot.GetCover().GetDomain()}
	copy(key.Root[:], snapshot.GetCover().GetRoot().GetValue())
	_, rootName := streamBucketPath(key)
	data, err := proto.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(snapshotsBucket)
		return bkt.Put([]byte(snapshot.GetCover().GetDomain()+"/"+string(rootName)), data)
	})
}

func snapshotKey(key StreamKey) []byte {
	_, rootName := streamBucketPath(key)
	return []byte(key.Domain + "/" + string(rootName))
}

func (s *BoltStore) ReadSnapshot(ctx context.Context, key StreamKey) (*angzarrpb.Snapshot, error) {
	var snap *angzarrpb.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(snapshotsBucket)
		v := bkt.Get(snapshotKey(key))
		if v == nil {
			return nil
		}
		snap = &angzarrpb.Snapshot{}
		return proto.Unmarshal(v, snap)
	})
	if err != nil {
		return nil, angerr.Wrap(angerr.StorageCorrupt, "failed to unmarshal snapshot", err)
	}
	return snap, nil
}

func (s *BoltStore) ListRoots(ctx context.Context, domain string, yield func(root [16]byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		domainBkt := tx.Bucket([]byte(domain))
		if domainBkt == nil {
			return nil
		}
		return domainBkt.ForEach(func(rootName, v []byte) error {
			if v != nil {
				return nil // not a sub-bucket
			}
			raw, err := hex.DecodeString(string(rootName))
			if err != nil || len(raw) != 16 {
				return nil
			}
			var root [16]byte
			copy(root[:], raw)
			return yield(root)
		})
	})
}

func positionKey(projector string, key StreamKey) []byte {
	_, rootName := streamBucketPath(key)
	return []byte(projector + "/" + key.Domain + "/" + string(rootName))
}

func (s *BoltStore) GetPosition(ctx context.Context, projector string, key StreamKey) (uint32, bool, error) {
	var seq uint32
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(positionsBucket)
		v := bkt.Get(positionKey(projector, key))
		if v == nil {
			return nil
		}
		seq = binary.BigEndian.Uint32(v)
		ok = true
		return nil
	})
	return seq, ok, err
}

func (s *BoltStore) SetPosition(ctx context.Context, projector string, key StreamKey, seq uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(positionsBucket)
		k := positionKey(projector, key)
		if v := bkt.Get(k); v != nil && binary.BigEndian.Uint32(v) >= seq {
			return nil
		}
		return bkt.Put(k, seqKey(seq))
	})
}

var _ Store = (*BoltStore)(nil)
