package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "meshcall"

// writeScript applies a write and publishes the change notice in one step so
// that subscribers of a path observe notices in write order.
//
// KEYS: document hash, parent index, parent sequence.
// ARGV: mode (set|merge|once), path, id, document channel, parent channel,
// then field/value pairs.
var writeScript = redis.NewScript(`
local existed = redis.call('EXISTS', KEYS[1]) == 1
if ARGV[1] == 'once' and existed then
  return 0
end
if ARGV[1] == 'set' then
  redis.call('DEL', KEYS[1])
end
redis.call('HSET', KEYS[1], unpack(ARGV, 6))
local kind = 'modified'
if not existed then
  kind = 'added'
  redis.call('ZADD', KEYS[2], redis.call('INCR', KEYS[3]), ARGV[3])
end
local notice = '{"type":"' .. kind .. '","path":"' .. ARGV[2] .. '","id":"' .. ARGV[3] .. '"}'
redis.call('PUBLISH', ARGV[4], notice)
redis.call('PUBLISH', ARGV[5], notice)
return 1
`)

// KEYS: document hash, parent index.
// ARGV: path, id, document channel, parent channel.
var deleteScript = redis.NewScript(`
if redis.call('DEL', KEYS[1]) == 0 then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[2])
local notice = '{"type":"removed","path":"' .. ARGV[1] .. '","id":"' .. ARGV[2] .. '"}'
redis.call('PUBLISH', ARGV[3], notice)
redis.call('PUBLISH', ARGV[4], notice)
return 1
`)

type notice struct {
	Type ChangeType `json:"type"`
	Path string     `json:"path"`
	ID   string     `json:"id"`
}

// Redis implements Channel on top of Redis hashes, sorted sets and pub/sub.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	logger *slog.Logger
}

func NewRedis(rdb redis.UniversalClient, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		rdb:    rdb,
		prefix: DefaultKeyPrefix,
		logger: logger.With("component", "relay"),
	}
}

func (r *Redis) docKey(path string) string  { return r.prefix + ":doc:" + path }
func (r *Redis) idxKey(path string) string  { return r.prefix + ":idx:" + path }
func (r *Redis) seqKey(path string) string  { return r.prefix + ":seq:" + path }
func (r *Redis) chanKey(path string) string { return r.prefix + ":chg:" + path }

func (r *Redis) Write(ctx context.Context, path string, doc Document, merge bool) error {
	mode := "set"
	if merge {
		mode = "merge"
	}
	_, err := r.write(ctx, mode, path, doc)
	return err
}

func (r *Redis) WriteOnce(ctx context.Context, path string, doc Document) (bool, error) {
	return r.write(ctx, "once", path, doc)
}

func (r *Redis) write(ctx context.Context, mode, path string, doc Document) (bool, error) {
	parent, id, err := documentPath(path)
	if err != nil {
		return false, err
	}
	if len(doc) == 0 {
		return false, fmt.Errorf("%w: %s", ErrEmptyDocument, path)
	}

	fields := make([]string, 0, len(doc))
	for field := range doc {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	args := make([]any, 0, 5+2*len(fields))
	args = append(args, mode, path, id, r.chanKey(path), r.chanKey(parent))
	for _, field := range fields {
		args = append(args, field, string(doc[field]))
	}

	keys := []string{r.docKey(path), r.idxKey(parent), r.seqKey(parent)}
	n, err := writeScript.Run(ctx, r.rdb, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("relay: write %s: %w", path, err)
	}
	return n == 1, nil
}

func (r *Redis) Read(ctx context.Context, path string) (Document, error) {
	if _, _, err := documentPath(path); err != nil {
		return nil, err
	}
	return r.read(ctx, path)
}

func (r *Redis) read(ctx context.Context, path string) (Document, error) {
	fields, err := r.rdb.HGetAll(ctx, r.docKey(path)).Result()
	if err != nil {
		return nil, fmt.Errorf("relay: read %s: %w", path, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return toDocument(fields), nil
}

func toDocument(fields map[string]string) Document {
	doc := make(Document, len(fields))
	for k, v := range fields {
		doc[k] = json.RawMessage(v)
	}
	return doc
}

func (r *Redis) Delete(ctx context.Context, path string) error {
	parent, id, err := documentPath(path)
	if err != nil {
		return err
	}
	keys := []string{r.docKey(path), r.idxKey(parent)}
	args := []any{path, id, r.chanKey(path), r.chanKey(parent)}
	if err := deleteScript.Run(ctx, r.rdb, keys, args...).Err(); err != nil {
		return fmt.Errorf("relay: delete %s: %w", path, err)
	}
	return nil
}

func (r *Redis) AppendChild(ctx context.Context, collection string, doc Document) (string, error) {
	if err := collectionPath(collection); err != nil {
		return "", err
	}
	id := uuid.NewString()
	if _, err := r.write(ctx, "once", collection+"/"+id, doc); err != nil {
		return "", err
	}
	return id, nil
}

// children returns the current documents of a collection in insertion order.
func (r *Redis) children(ctx context.Context, collection string) ([]Change, error) {
	ids, err := r.rdb.ZRange(ctx, r.idxKey(collection), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("relay: list %s: %w", collection, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.docKey(collection+"/"+id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("relay: list %s: %w", collection, err)
	}

	changes := make([]Change, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		changes = append(changes, Change{
			Type: ChangeAdded,
			ID:   id,
			Path: collection + "/" + id,
			Doc:  toDocument(fields),
		})
	}
	return changes, nil
}

func (r *Redis) SubscribeDocument(ctx context.Context, path string, onChange func(Snapshot)) (CancelFunc, error) {
	if _, _, err := documentPath(path); err != nil {
		return nil, err
	}
	sub, err := r.subscribe(ctx, path)
	if err != nil {
		return nil, err
	}

	initial := Snapshot{Path: path}
	doc, err := r.read(ctx, path)
	switch {
	case err == nil:
		initial.Exists = true
		initial.Doc = doc
	case !errors.Is(err, ErrNotFound):
		sub.cancel()
		return nil, err
	}

	go sub.run(func() { onChange(initial) }, func(n notice) {
		if n.Type == ChangeRemoved {
			onChange(Snapshot{Path: path})
			return
		}
		doc, err := r.read(sub.ctx, path)
		if err != nil {
			if !errors.Is(err, ErrNotFound) && sub.active() {
				r.logger.Warn("resolve document change", "path", path, "err", err)
			}
			return
		}
		if sub.active() {
			onChange(Snapshot{Path: path, Exists: true, Doc: doc})
		}
	})
	return sub.cancel, nil
}

func (r *Redis) SubscribeCollection(ctx context.Context, path string, onChanges func([]Change)) (CancelFunc, error) {
	if err := collectionPath(path); err != nil {
		return nil, err
	}
	sub, err := r.subscribe(ctx, path)
	if err != nil {
		return nil, err
	}

	initial, err := r.children(ctx, path)
	if err != nil {
		sub.cancel()
		return nil, err
	}

	go sub.run(func() { onChanges(initial) }, func(n notice) {
		if n.Type == ChangeRemoved {
			onChanges([]Change{{Type: ChangeRemoved, ID: n.ID, Path: n.Path}})
			return
		}
		doc, err := r.read(sub.ctx, n.Path)
		if err != nil {
			if !errors.Is(err, ErrNotFound) && sub.active() {
				r.logger.Warn("resolve collection change", "path", n.Path, "err", err)
			}
			return
		}
		if sub.active() {
			onChanges([]Change{{Type: n.Type, ID: n.ID, Path: n.Path, Doc: doc}})
		}
	})
	return sub.cancel, nil
}

func (r *Redis) subscribe(ctx context.Context, path string) (*subscription, error) {
	ps := r.rdb.Subscribe(ctx, r.chanKey(path))
	// Wait for the confirmation so that no write after this point is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("relay: subscribe %s: %w", path, err)
	}

	subCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	return &subscription{
		ps:     ps,
		msgs:   ps.Channel(),
		ctx:    subCtx,
		stop:   stop,
		logger: r.logger,
		path:   path,
	}, nil
}

type subscription struct {
	ps     *redis.PubSub
	msgs   <-chan *redis.Message
	ctx    context.Context
	stop   context.CancelFunc
	logger *slog.Logger
	path   string

	once    sync.Once
	stopped atomic.Bool
}

func (s *subscription) active() bool {
	return !s.stopped.Load()
}

func (s *subscription) cancel() {
	s.once.Do(func() {
		s.stopped.Store(true)
		s.stop()
		_ = s.ps.Close()
	})
}

func (s *subscription) run(initial func(), handle func(notice)) {
	if !s.active() {
		return
	}
	initial()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-s.msgs:
			if !ok || !s.active() {
				return
			}
			var n notice
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				s.logger.Warn("malformed change notice", "path", s.path, "err", err)
				continue
			}
			handle(n)
		}
	}
}
