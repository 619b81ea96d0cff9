package store

import "context"

// watch runs fetch once immediately and again after every notification of
// kind, delivering each result in order until ctx is done. The subscription
// is registered before the first fetch so no write between the two is lost.
func watch[T any](ctx context.Context, db *DB, kind string, fetch func() ([]T, error)) (<-chan []T, error) {
	events, unsub := db.changes.Subscribe(kind, 64)

	first, err := fetch()
	if err != nil {
		unsub()
		return nil, err
	}

	out := make(chan []T, 1)
	out <- first

	go func() {
		defer close(out)
		defer unsub()
		for {
			select {
			case <-events:
				rows, err := fetch()
				if err != nil {
					continue
				}
				select {
				case out <- rows:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
