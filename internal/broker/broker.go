// Syncron is a supervisor and archive for externally-triggered command runs.
// Copyright (C) 2026  David Caldwell
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package broker is the in-process topic event bus: MQTT-style filters,
// single-lock fan-out, dead-subscriber reaping.
package broker

import (
	"sync"
	"sync/atomic"

	"github.com/caldwell/syncron/internal/maybeutf8"
	"github.com/caldwell/syncron/internal/metrics"
	"github.com/caldwell/syncron/internal/registry"
)

const subscriberQueueDepth = 256

// Subscription is a live receiver returned by Subscribe. The caller reads
// Events() until Close is called or the process exits; Close is the sole
// cancellation mechanism — the next Publish to reach this subscription
// reaps it from the subscriber list.
type Subscription struct {
	filters []Filter
	ch      chan Event
	closed  int32
}

func (s *Subscription) Events() <-chan Event { return s.ch }

func (s *Subscription) Close() {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.ch)
	}
}

func (s *Subscription) isClosed() bool { return atomic.LoadInt32(&s.closed) == 1 }

// Broker fans events out to subscribers whose filters match the event's
// topic. A single lock guards the subscriber list for the duration of a
// fan-out; subscribers never hold the lock themselves.
// Whether a given run is still "latest" is decided by the caller (the
// registry, which can run a fresh query at publish time) and passed in
// explicitly — the broker itself holds no registry lookup state.
type Broker struct {
	mu   sync.Mutex
	subs []*Subscription
}

func New() *Broker {
	return &Broker{}
}

// Subscribe atomically registers filters with a single receive queue.
func (b *Broker) Subscribe(filters []Filter) *Subscription {
	sub := &Subscription{filters: filters, ch: make(chan Event, subscriberQueueDepth)}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Publish fans event out to every subscriber whose filter matches topic,
// under one exclusive hold of the subscriber list, then sweeps closed
// subscriptions. A full subscriber queue drops the event for that
// subscriber rather than blocking the publisher — the broker promises
// best-effort delivery, not exactly-once.
func (b *Broker) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var fanOut int
	live := b.subs[:0]
	for _, sub := range b.subs {
		if sub.isClosed() {
			continue
		}
		for _, f := range sub.filters {
			if f.Matches(event.Topic) {
				select {
				case sub.ch <- event:
					fanOut++
				default:
				}
				break
			}
		}
		live = append(live, sub)
	}
	b.subs = live

	metrics.ObserveBrokerPublish(fanOut)
	metrics.SetBrokerSubscriptions(len(live))
}

func jobTopic(user, jobID string) string { return "job/" + user + "/" + jobID }
func latestTopic(user, jobID string) string { return jobTopic(user, jobID) + "/latest" }
func runTopic(user, jobID, runID string) string { return jobTopic(user, jobID) + "/run/" + runID }

// PublishJobCreate announces the first appearance of a (user, id) pair.
func (b *Broker) PublishJobCreate(job *registry.Job) {
	b.Publish(Event{Topic: "job", Detail: Detail{Kind: JobCreate}})
}

// PublishJobUpdate announces a settings change.
func (b *Broker) PublishJobUpdate(job *registry.Job) {
	b.Publish(Event{Topic: jobTopic(job.User, job.ID), Detail: Detail{Kind: JobUpdate}})
}

// PublishJobDelete announces manual job deletion.
func (b *Broker) PublishJobDelete(job *registry.Job) {
	b.Publish(Event{Topic: jobTopic(job.User, job.ID), Detail: Detail{Kind: JobDelete}})
}

// PublishRunCreate announces a new run row, also on /latest when isLatest is
// true; the registry passes true, since a freshly created run is the latest
// by construction.
func (b *Broker) PublishRunCreate(run *registry.Run, job *registry.Job, isLatest bool) {
	b.publishDual(job, run, isLatest, Detail{Kind: RunCreate})
}

// PublishRunUpdate announces a status transition.
func (b *Broker) PublishRunUpdate(run *registry.Run, job *registry.Job, isLatest bool) {
	b.publishDual(job, run, isLatest, Detail{Kind: RunUpdate})
}

// PublishRunUpdateLogLen announces an on-demand log-length snapshot.
func (b *Broker) PublishRunUpdateLogLen(run *registry.Run, job *registry.Job, isLatest bool) {
	b.publishDual(job, run, isLatest, Detail{Kind: RunUpdateLogLen})
}

// PublishRunUpdateProgress announces an on-demand progress snapshot.
func (b *Broker) PublishRunUpdateProgress(run *registry.Run, job *registry.Job, isLatest bool) {
	b.publishDual(job, run, isLatest, Detail{Kind: RunUpdateProgress})
}

// PublishRunLogAppend announces one stdout/stderr chunk.
func (b *Broker) PublishRunLogAppend(run *registry.Run, job *registry.Job, isLatest bool, chunk []byte) {
	detail := Detail{Kind: RunLogAppend, Chunk: maybeutf8.New(chunk)}
	runID := registry.RunIDString(run.Start)
	b.Publish(Event{Topic: runTopic(job.User, job.ID, runID) + "/log", Detail: detail})
	if isLatest {
		b.Publish(Event{Topic: latestTopic(job.User, job.ID) + "/log", Detail: detail})
	}
}

// PublishRunDelete announces a pruned run.
func (b *Broker) PublishRunDelete(run *registry.Run, job *registry.Job, isLatest bool, reason string) {
	b.publishDual(job, run, isLatest, Detail{Kind: RunDelete, Reason: reason})
}

// PublishPruneProgress announces periodic progress during a long prune.
func (b *Broker) PublishPruneProgress(job *registry.Job, total int, current []byte) {
	b.Publish(Event{Topic: jobTopic(job.User, job.ID) + "/prune", Detail: Detail{Kind: PruneProgress, Total: total, Current: current}})
}

func (b *Broker) publishDual(job *registry.Job, run *registry.Run, isLatest bool, detail Detail) {
	runID := registry.RunIDString(run.Start)
	b.Publish(Event{Topic: runTopic(job.User, job.ID, runID), Detail: detail})
	if isLatest {
		b.Publish(Event{Topic: latestTopic(job.User, job.ID), Detail: detail})
	}
}
