package queue

import (
	"errors"
	"sync"
)

// ErrClosed は閉じたキューへの投入時に返される
var ErrClosed = errors.New("queue: closed")

// Queue はスレッドセーフな無制限FIFOキュー
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
}

// New は新しいキューを作成する
func New[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue は末尾に要素を追加する（ブロックしない）
func (q *Queue[T]) Enqueue(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	q.items = append(q.items, item)
	q.cond.Signal()
	return nil
}

// Dequeue は先頭の要素を取り出す
// 要素が来るかキューが閉じられるまでブロックする。
// 閉じられていて空の場合は ok=false を返す
func (q *Queue[T]) Dequeue() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}

	if len(q.items) == 0 {
		return item, false
	}

	item = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// 先頭側のバッキング配列を解放する
		q.items = nil
	}
	return item, true
}

// Close はキューを閉じ、待機中の全コンシューマを起こす
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

// Len は現在キューに残っている要素数を返す
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed はキューが閉じられているかを返す
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
