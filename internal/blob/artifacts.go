package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
)

const jsonContentType = "application/json"

// PutJSON encodes v and stores it under key.
func PutJSON(ctx context.Context, store Store, key string, v any) (Info, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Info{}, fmt.Errorf("encode %s: %w", key, err)
	}
	info, err := store.Put(ctx, key, bytes.NewReader(data), PutOptions{ContentType: jsonContentType})
	if err != nil {
		return Info{}, fmt.Errorf("put %s: %w", key, err)
	}
	return info, nil
}

// GetJSON decodes the blob at key into v.
func GetJSON(ctx context.Context, store Store, key string, v any) error {
	data, err := ReadAll(ctx, store, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// ReadAll returns the full content of the blob at key.
func ReadAll(ctx context.Context, store Store, key string) ([]byte, error) {
	_, rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// DeleteKeys removes every key, continuing past failures. The returned error
// aggregates each failed deletion.
func DeleteKeys(ctx context.Context, store Store, keys []string) (int, error) {
	var result *multierror.Error
	removed := 0
	for _, key := range keys {
		ok, err := store.Delete(ctx, key)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("delete %s: %w", key, err))
			continue
		}
		if ok {
			removed++
		}
	}
	return removed, result.ErrorOrNil()
}

// DeletePrefix removes every blob whose key starts with prefix.
func DeletePrefix(ctx context.Context, store Store, prefix string) (int, error) {
	infos, err := store.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", prefix, err)
	}
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		keys = append(keys, info.Key)
	}
	return DeleteKeys(ctx, store, keys)
}
