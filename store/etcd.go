package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	// defaultEtcdDialTimeout bounds the initial connection attempt so a
	// down etcd surfaces quickly instead of at the first operation.
	defaultEtcdDialTimeout = 5 * time.Second

	// setMemberValue is the placeholder value stored for set members;
	// membership is carried entirely by the key.
	setMemberValue = "1"
)

// EtcdConfig holds the etcd client configuration for the shared store
// backend.
type EtcdConfig struct {
	Endpoints   []string      `long:"endpoints" description:"etcd endpoints (host:port)"`
	DialTimeout time.Duration `long:"dialtimeout" description:"etcd dial timeout"`
	User        string        `long:"user" description:"etcd user"`
	Password    string        `long:"password" description:"etcd password"`
	Namespace   string        `long:"namespace" description:"key prefix applied to every stored key"`
}

// EtcdStore implements the Store contract on top of an etcd cluster. Set
// membership is modeled as keys under a set prefix, insert-if-absent as a
// create-revision transaction, TTLs as leases, and the capped increment as
// a mod-revision compare-and-swap loop.
type EtcdStore struct {
	cli *clientv3.Client
	ns  string
}

// A compile time check to ensure EtcdStore implements the Store interface.
var _ Store = (*EtcdStore)(nil)

// NewEtcdStore connects to the configured etcd cluster.
func NewEtcdStore(cfg *EtcdConfig) (*EtcdStore, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = defaultEtcdDialTimeout
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Username:    cfg.User,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to connect to etcd: %w", err)
	}

	log.Infof("Using etcd shared store at %v", cfg.Endpoints)

	return &EtcdStore{
		cli: cli,
		ns:  cfg.Namespace,
	}, nil
}

// nsKey applies the configured namespace to a key.
func (e *EtcdStore) nsKey(key string) string {
	return e.ns + key
}

// setKey maps a set member onto its backing etcd key.
func (e *EtcdStore) setKey(set, member string) string {
	return e.nsKey(set + "/" + member)
}

// InsertIfAbsent atomically adds member to the named set using a
// create-revision guard: the put only commits when the key does not exist
// yet.
//
// This method is part of the Store interface.
func (e *EtcdStore) InsertIfAbsent(ctx context.Context, set,
	member string) (bool, error) {

	key := e.setKey(set, member)
	resp, err := e.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, setMemberValue)).
		Commit()
	if err != nil {
		return false, fmt.Errorf("etcd insert-if-absent %s: %w",
			key, err)
	}

	return resp.Succeeded, nil
}

// Members enumerates the named set by listing the keys under its prefix.
//
// This method is part of the Store interface.
func (e *EtcdStore) Members(ctx context.Context, set string) ([]string, error) {
	prefix := e.nsKey(set + "/")
	resp, err := e.cli.Get(
		ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly(),
	)
	if err != nil {
		return nil, fmt.Errorf("etcd members %s: %w", set, err)
	}

	members := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		members = append(members,
			strings.TrimPrefix(string(kv.Key), prefix))
	}
	return members, nil
}

// PutWithTTL stores val under key attached to a lease of the requested
// duration. etcd leases have one second granularity; sub-second TTLs are
// rounded up.
//
// This method is part of the Store interface.
func (e *EtcdStore) PutWithTTL(ctx context.Context, key, val string,
	ttl time.Duration) error {

	var opts []clientv3.OpOption
	if ttl > 0 {
		seconds := int64((ttl + time.Second - 1) / time.Second)
		lease, err := e.cli.Grant(ctx, seconds)
		if err != nil {
			return fmt.Errorf("etcd lease grant: %w", err)
		}
		opts = append(opts, clientv3.WithLease(lease.ID))
	}

	_, err := e.cli.Put(ctx, e.nsKey(key), val, opts...)
	if err != nil {
		return fmt.Errorf("etcd put %s: %w", key, err)
	}
	return nil
}

// Get returns the value under key; expired leases make the key vanish
// server side, so presence alone is authoritative.
//
// This method is part of the Store interface.
func (e *EtcdStore) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := e.cli.Get(ctx, e.nsKey(key))
	if err != nil {
		return "", false, fmt.Errorf("etcd get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

// IncrWithCap increments the counter under key unless it has reached cap.
// The read-modify-write races against other crawler instances, so the
// write is guarded by a mod-revision compare and retried until it commits
// or the cap is observed.
//
// This method is part of the Store interface.
func (e *EtcdStore) IncrWithCap(ctx context.Context, key string,
	cap int64) (bool, error) {

	nsk := e.nsKey(key)
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		resp, err := e.cli.Get(ctx, nsk)
		if err != nil {
			return false, fmt.Errorf("etcd get %s: %w", key, err)
		}

		// Fresh counter: create it at one, guarded against another
		// writer creating it first.
		if len(resp.Kvs) == 0 {
			if cap < 1 {
				return false, nil
			}
			txn, err := e.cli.Txn(ctx).
				If(clientv3.Compare(
					clientv3.CreateRevision(nsk), "=", 0,
				)).
				Then(clientv3.OpPut(nsk, "1")).
				Commit()
			if err != nil {
				return false, fmt.Errorf("etcd incr %s: %w",
					key, err)
			}
			if txn.Succeeded {
				return true, nil
			}
			continue
		}

		cur, err := strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
		if err != nil {
			return false, fmt.Errorf("etcd counter %s holds "+
				"non-numeric value %q: %w", key,
				resp.Kvs[0].Value, err)
		}
		if cur >= cap {
			return false, nil
		}

		txn, err := e.cli.Txn(ctx).
			If(clientv3.Compare(
				clientv3.ModRevision(nsk), "=",
				resp.Kvs[0].ModRevision,
			)).
			Then(clientv3.OpPut(
				nsk, strconv.FormatInt(cur+1, 10),
			)).
			Commit()
		if err != nil {
			return false, fmt.Errorf("etcd incr %s: %w", key, err)
		}
		if txn.Succeeded {
			return true, nil
		}

		// Lost the race; re-read and try again.
		log.Tracef("etcd counter %s CAS retry", key)
	}
}

// DeletePrefix removes every key under prefix.
//
// This method is part of the Store interface.
func (e *EtcdStore) DeletePrefix(ctx context.Context, prefix string) error {
	_, err := e.cli.Delete(ctx, e.nsKey(prefix), clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("etcd delete prefix %s: %w", prefix, err)
	}
	return nil
}

// Close tears down the client connection.
//
// This method is part of the Store interface.
func (e *EtcdStore) Close() error {
	return e.cli.Close()
}
