//go:build !linux

package netmon

import "context"

// Watch implements Source by polling.
func (s *SystemSource) Watch(ctx context.Context) (<-chan struct{}, error) {
	n := newNotifier(s.debounce())
	go func() {
		defer n.close()
		poll(ctx, n, s.pollInterval())
	}()
	return n.out, nil
}
