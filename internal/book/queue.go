// Package book implements the per-price-level order queue of the tranche
// exchange: a doubly linked list of resting orders stored in an index-keyed
// arena. Indices are assigned from a counter that only ever increases, so a
// stale reference can never alias a newer order.
package book

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Order is one resting maker order at a price level. Amount is the size at
// placement; Fillable is what remains and never exceeds Amount. Orders are
// owned exclusively by their Queue and referenced externally by index only.
type Order struct {
	Prev, Next   uint64
	Maker        common.Address
	Amount       *big.Int
	Fillable     *big.Int
	ConversionID uint64
}

// Queue is a doubly linked list of orders at one price level. The zero value
// is an empty, ready-to-use queue.
type Queue struct {
	head, tail uint64
	counter    uint64
	orders     map[uint64]*Order
}

// Append inserts a new order at the tail and returns its index. O(1).
func (q *Queue) Append(maker common.Address, amount *big.Int, conversionID uint64) uint64 {
	if q.orders == nil {
		q.orders = make(map[uint64]*Order)
	}
	q.counter++
	index := q.counter
	q.orders[index] = &Order{
		Prev:         q.tail,
		Maker:        maker,
		Amount:       new(big.Int).Set(amount),
		Fillable:     new(big.Int).Set(amount),
		ConversionID: conversionID,
	}
	if q.tail != 0 {
		q.orders[q.tail].Next = index
	} else {
		q.head = index
	}
	q.tail = index
	return index
}

// Get returns the order at index, or nil if it does not exist (never placed,
// cancelled, or filled).
func (q *Queue) Get(index uint64) *Order {
	return q.orders[index]
}

// Cancel unlinks and deletes the order at index, patching neighbor links.
// Works for head, tail, and mid-queue nodes alike. The caller must have
// validated that the index exists.
func (q *Queue) Cancel(index uint64) {
	order := q.orders[index]
	if order.Prev != 0 {
		q.orders[order.Prev].Next = order.Next
	} else {
		q.head = order.Next
	}
	if order.Next != 0 {
		q.orders[order.Next].Prev = order.Prev
	} else {
		q.tail = order.Prev
	}
	delete(q.orders, index)
}

// Fill deletes a fully filled order without patching neighbor links and
// returns the next index. A matching pass calls Fill on a run of orders
// starting at the head and repairs the queue once at the end with UpdateHead,
// avoiding redundant link writes inside the loop.
func (q *Queue) Fill(index uint64) uint64 {
	next := q.orders[index].Next
	delete(q.orders, index)
	return next
}

// UpdateHead re-establishes the head after a matching pass. A zero newHead
// empties the queue entirely.
func (q *Queue) UpdateHead(newHead uint64) {
	q.head = newHead
	if newHead == 0 {
		q.tail = 0
		return
	}
	q.orders[newHead].Prev = 0
}

// Head returns the index of the first order, or zero when empty.
func (q *Queue) Head() uint64 { return q.head }

// Tail returns the index of the last order, or zero when empty.
func (q *Queue) Tail() uint64 { return q.tail }

// Counter returns the highest index ever assigned.
func (q *Queue) Counter() uint64 { return q.counter }

// IsEmpty reports whether the queue holds no orders.
func (q *Queue) IsEmpty() bool { return q.head == 0 }

// Len walks the list and returns the number of resting orders.
func (q *Queue) Len() int {
	n := 0
	for index := q.head; index != 0; index = q.orders[index].Next {
		n++
	}
	return n
}

// TotalFillable walks the list and sums the fillable amounts.
func (q *Queue) TotalFillable() *big.Int {
	sum := new(big.Int)
	for index := q.head; index != 0; index = q.orders[index].Next {
		sum.Add(sum, q.orders[index].Fillable)
	}
	return sum
}
