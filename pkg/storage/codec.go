package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// get decodes the value at key into v; ok is false when the key is absent.
func get(r pebble.Reader, key []byte, v any) (ok bool, err error) {
	data, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %q: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

// scan decodes every value under prefix, newest key first when reverse is set, until
// fn returns false.
func scan[T any](r pebble.Reader, prefix []byte, reverse bool, fn func(T) bool) error {
	it, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer it.Close()

	step, valid := it.Next, it.First()
	if reverse {
		step, valid = it.Prev, it.Last()
	}
	for ; valid; valid = step() {
		var v T
		if err := json.Unmarshal(it.Value(), &v); err != nil {
			return fmt.Errorf("decode %q: %w", it.Key(), err)
		}
		if !fn(v) {
			break
		}
	}
	return it.Error()
}
