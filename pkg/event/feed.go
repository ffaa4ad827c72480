// Package event fans committed ledger records out to asynchronous consumers.
package event

import (
	"sync"
	"sync/atomic"

	"github.com/raykavin/capvault/pkg/core"
)

const DefaultBufferSize = 100

// Consumer processes a committed record
type Consumer func(record core.Record)

// ErrorConsumer processes an aborted operation
type ErrorConsumer func(err error)

// Subscription represents a consumer subscription to record updates
type Subscription struct {
	kinds    map[core.RecordKind]struct{}
	consumer Consumer
}

func (s Subscription) wants(kind core.RecordKind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// Feed implements core.Notifier by queuing records and errors and delivering
// them to subscribers from a single goroutine. Records reach each subscriber
// in publication order.
type Feed struct {
	mu            sync.RWMutex
	records       chan core.Record
	errs          chan error
	subscriptions []Subscription
	errConsumers  []ErrorConsumer
	started       bool
	stopped       bool
	dropped       atomic.Int64
	wg            sync.WaitGroup
}

// NewFeed creates a feed whose queues hold up to bufferSize pending events
func NewFeed(bufferSize int) *Feed {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Feed{
		records: make(chan core.Record, bufferSize),
		errs:    make(chan error, bufferSize),
	}
}

// Subscribe registers a consumer for the given record kinds, or for every
// kind when none is given
func (f *Feed) Subscribe(consumer Consumer, kinds ...core.RecordKind) {
	f.mu.Lock()
	defer f.mu.Unlock()

	subscription := Subscription{consumer: consumer, kinds: make(map[core.RecordKind]struct{}, len(kinds))}
	for _, kind := range kinds {
		subscription.kinds[kind] = struct{}{}
	}
	f.subscriptions = append(f.subscriptions, subscription)
}

// SubscribeErrors registers a consumer for aborted operations
func (f *Feed) SubscribeErrors(consumer ErrorConsumer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errConsumers = append(f.errConsumers, consumer)
}

// OnRecord implements core.Notifier. It never blocks: when the queue is full
// the record is dropped and counted.
func (f *Feed) OnRecord(record core.Record) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.stopped {
		return
	}
	select {
	case f.records <- record:
	default:
		f.dropped.Add(1)
	}
}

// OnError implements core.Notifier
func (f *Feed) OnError(err error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.stopped {
		return
	}
	select {
	case f.errs <- err:
	default:
		f.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded on a full queue
func (f *Feed) Dropped() int64 {
	return f.dropped.Load()
}

// Start begins delivering queued events
func (f *Feed) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.started || f.stopped {
		return
	}
	f.started = true

	f.wg.Add(1)
	go f.dispatch()
}

func (f *Feed) dispatch() {
	defer f.wg.Done()

	records, errs := f.records, f.errs
	for records != nil || errs != nil {
		select {
		case record, ok := <-records:
			if !ok {
				records = nil
				continue
			}
			f.mu.RLock()
			subscriptions := f.subscriptions
			f.mu.RUnlock()

			for _, subscription := range subscriptions {
				if subscription.wants(record.Kind) {
					subscription.consumer(record)
				}
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			f.mu.RLock()
			consumers := f.errConsumers
			f.mu.RUnlock()

			for _, consumer := range consumers {
				consumer(err)
			}
		}
	}
}

// Stop closes the queues and waits until pending events are delivered
func (f *Feed) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	close(f.records)
	close(f.errs)
	started := f.started
	f.mu.Unlock()

	if started {
		f.wg.Wait()
	}
}
