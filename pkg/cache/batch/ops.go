package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"MarketCache/pkg/cache"
	"MarketCache/pkg/logger"
)

// OpType is the kind of a batched operation.
type OpType string

const (
	OpGet    OpType = "get"
	OpSet    OpType = "set"
	OpDelete OpType = "delete"
)

// Operation is one element of a heterogeneous batch.
type Operation struct {
	Op    OpType        `json:"op"`
	Key   string        `json:"key"`
	Value any           `json:"value,omitempty"`
	TTL   time.Duration `json:"ttl,omitempty"`
}

// Result aggregates the outcome of ExecuteBatch.
type Result struct {
	Success       bool           `json:"success"`
	Results       map[string]any `json:"results"`
	Errors        []string       `json:"errors,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time"`
	Count         int            `json:"count"`
}

type setItem struct {
	key   string
	value any
	ttl   time.Duration
}

// MultiGet reads keys concurrently. Missing keys are absent from the result.
// A timeout or a failed native multi-get yields an empty map.
func (o *Operations) MultiGet(ctx context.Context, keys []string) map[string]any {
	out, _ := o.getMany(ctx, keys)
	return out
}

// MultiSet stores entries concurrently. A non-positive ttl resolves per key from the
// key policy. Each key maps to whether its write succeeded; a timeout fails every key.
func (o *Operations) MultiSet(ctx context.Context, entries map[string]any, ttl time.Duration) map[string]bool {
	out, _ := o.setMany(ctx, "multi_set", o.items(entries, ttl))
	return out
}

// MultiDelete deletes keys concurrently. Each key maps to whether it was present and removed.
func (o *Operations) MultiDelete(ctx context.Context, keys []string) map[string]bool {
	out, _ := o.deleteMany(ctx, keys)
	return out
}

// WarmCache is MultiSet for pre-population.
func (o *Operations) WarmCache(ctx context.Context, data map[string]any) map[string]bool {
	out, _ := o.setMany(ctx, "warm_cache", o.items(data, 0))
	return out
}

// ExecuteBatch groups operations by type and runs the groups concurrently.
// Success is false when any group failed or an operation type is unknown.
func (o *Operations) ExecuteBatch(ctx context.Context, ops []Operation) Result {
	start := o.clock.Now()
	res := Result{Results: make(map[string]any, len(ops)), Count: len(ops)}

	var (
		gets    []string
		sets    []setItem
		deletes []string
	)
	for _, op := range ops {
		switch op.Op {
		case OpGet:
			gets = append(gets, op.Key)
		case OpSet:
			sets = append(sets, setItem{key: op.Key, value: op.Value, ttl: o.ttlFor(op.Key, op.TTL)})
		case OpDelete:
			deletes = append(deletes, op.Key)
		default:
			res.Errors = append(res.Errors, fmt.Errorf("%w %q for key %q", ErrUnsupportedOp, op.Op, op.Key).Error())
		}
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	merge := func(op OpType, values map[string]any, err error) {
		mu.Lock()
		defer mu.Unlock()
		for k, v := range values {
			res.Results[k] = v
		}
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", op, err))
		}
	}

	if len(gets) > 0 {
		g.Go(func() error {
			got, err := o.getMany(ctx, gets)
			merge(OpGet, got, err)
			return nil
		})
	}
	if len(sets) > 0 {
		g.Go(func() error {
			set, err := o.setMany(ctx, "multi_set", sets)
			merge(OpSet, boolsToAny(set), err)
			return nil
		})
	}
	if len(deletes) > 0 {
		g.Go(func() error {
			del, err := o.deleteMany(ctx, deletes)
			merge(OpDelete, boolsToAny(del), err)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(res.Errors)
	res.Success = len(res.Errors) == 0
	res.ExecutionTime = o.clock.Since(start)
	o.stats.batches.Add(1)
	o.metrics.ObserveOperation("execute_batch", res.Success, res.ExecutionTime)
	return res
}

func (o *Operations) getMany(ctx context.Context, keys []string) (map[string]any, error) {
	if len(keys) == 0 {
		return map[string]any{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, o.readTimeout)
	defer cancel()
	start := o.clock.Now()

	if mg, ok := o.backend.(cache.MultiGetter); ok {
		var found map[string]any
		errs, completed := o.fanOut(ctx, 1, func(ctx context.Context, _ int) error {
			var err error
			found, err = mg.GetMultiple(ctx, keys)
			return err
		})
		if !completed {
			return map[string]any{}, o.timedOut("multi_get", len(keys), start)
		}
		if errs[0] != nil {
			o.failed("multi_get", "", errs[0], start)
			return map[string]any{}, errs[0]
		}
		o.metrics.ObserveOperation("multi_get", true, o.clock.Since(start))
		if found == nil {
			found = map[string]any{}
		}
		return found, nil
	}

	values := make([]any, len(keys))
	hits := make([]bool, len(keys))
	errs, completed := o.fanOut(ctx, len(keys), func(ctx context.Context, i int) error {
		v, ok, err := o.backend.Get(ctx, keys[i])
		if err != nil {
			return err
		}
		values[i], hits[i] = v, ok
		return nil
	})
	if !completed {
		return map[string]any{}, o.timedOut("multi_get", len(keys), start)
	}

	out := make(map[string]any, len(keys))
	var failures []error
	for i, k := range keys {
		if errs[i] != nil {
			o.failed("get", k, errs[i], start)
			failures = append(failures, fmt.Errorf("%s: %w", k, errs[i]))
			continue
		}
		if hits[i] {
			out[k] = values[i]
		}
	}
	o.metrics.ObserveOperation("multi_get", len(failures) == 0, o.clock.Since(start))
	return out, errors.Join(failures...)
}

func (o *Operations) setMany(ctx context.Context, op string, items []setItem) (map[string]bool, error) {
	out := make(map[string]bool, len(items))
	if len(items) == 0 {
		return out, nil
	}
	ctx, cancel := context.WithTimeout(ctx, o.writeTimeout)
	defer cancel()
	start := o.clock.Now()

	errs, completed := o.fanOut(ctx, len(items), func(ctx context.Context, i int) error {
		it := items[i]
		if it.value == nil {
			return cache.ErrNilValue
		}
		return o.backend.Set(ctx, it.key, it.value, it.ttl)
	})
	if !completed {
		for _, it := range items {
			out[it.key] = false
		}
		return out, o.timedOut(op, len(items), start)
	}

	var failures []error
	for i, it := range items {
		out[it.key] = errs[i] == nil
		if errs[i] != nil {
			o.failed("set", it.key, errs[i], start)
			failures = append(failures, fmt.Errorf("%s: %w", it.key, errs[i]))
		}
	}
	o.metrics.ObserveOperation(op, len(failures) == 0, o.clock.Since(start))
	return out, errors.Join(failures...)
}

func (o *Operations) deleteMany(ctx context.Context, keys []string) (map[string]bool, error) {
	out := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	ctx, cancel := context.WithTimeout(ctx, o.writeTimeout)
	defer cancel()
	start := o.clock.Now()

	deleted := make([]bool, len(keys))
	errs, completed := o.fanOut(ctx, len(keys), func(ctx context.Context, i int) error {
		ok, err := o.backend.Delete(ctx, keys[i])
		deleted[i] = ok
		return err
	})
	if !completed {
		for _, k := range keys {
			out[k] = false
		}
		return out, o.timedOut("multi_delete", len(keys), start)
	}

	var failures []error
	for i, k := range keys {
		out[k] = errs[i] == nil && deleted[i]
		if errs[i] != nil {
			o.failed("delete", k, errs[i], start)
			failures = append(failures, fmt.Errorf("%s: %w", k, errs[i]))
		}
	}
	o.metrics.ObserveOperation("multi_delete", len(failures) == 0, o.clock.Since(start))
	return out, errors.Join(failures...)
}

func (o *Operations) timedOut(op string, n int, start time.Time) error {
	latency := o.clock.Since(start)
	o.stats.timeouts.Add(1)
	o.stats.failures.Add(1)
	o.metrics.ObserveOperation(op, false, latency)
	o.log.Warn("cache batch timed out",
		logger.String("op", op),
		logger.Int("keys", n),
		logger.Duration("latency_ms", latency),
	)
	return ErrTimeout
}

func (o *Operations) failed(op, key string, err error, start time.Time) {
	o.stats.failures.Add(1)
	o.log.Warn("cache operation failed",
		logger.String("op", op),
		logger.String("key", key),
		logger.Duration("latency_ms", o.clock.Since(start)),
		logger.Error(err),
	)
}

func (o *Operations) items(entries map[string]any, ttl time.Duration) []setItem {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	items := make([]setItem, len(keys))
	for i, k := range keys {
		items[i] = setItem{key: k, value: entries[k], ttl: o.ttlFor(k, ttl)}
	}
	return items
}

func boolsToAny(m map[string]bool) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
