// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package incoming

import (
	"slices"

	"github.com/absmach/fluxclient/topics"
)

// GlobalKind selects which publishes a global flow receives.
type GlobalKind int

const (
	// GlobalAll receives every publish.
	GlobalAll GlobalKind = iota
	// GlobalRemaining receives publishes that matched no subscription.
	GlobalRemaining
)

type subscription struct {
	filter string
	match  string
	flows  []*Flow
}

// Flows maps topic filters to the flows subscribed to them. It implements
// Matcher and is confined to the event loop.
type Flows struct {
	subs      []*subscription
	byFilter  map[string]*subscription
	all       []*Flow
	remaining []*Flow
	filters   map[*Flow]int
}

// NewFlows returns an empty registry.
func NewFlows() *Flows {
	return &Flows{
		byFilter: make(map[string]*subscription),
		filters:  make(map[*Flow]int),
	}
}

// Subscribe registers f for filter. A flow can be registered for several
// filters and a filter can hold several flows.
func (r *Flows) Subscribe(filter string, f *Flow) error {
	if err := topics.ValidateTopicFilter(filter); err != nil {
		return err
	}
	sub, ok := r.byFilter[filter]
	if !ok {
		_, match, _ := topics.ParseShared(filter)
		sub = &subscription{filter: filter, match: match}
		r.byFilter[filter] = sub
		r.subs = append(r.subs, sub)
	}
	if slices.Contains(sub.flows, f) {
		return nil
	}
	sub.flows = append(sub.flows, f)
	r.filters[f]++
	r.watch(f)
	return nil
}

// SubscribeGlobal registers a flow that is not bound to a filter.
func (r *Flows) SubscribeGlobal(kind GlobalKind, f *Flow) {
	switch kind {
	case GlobalRemaining:
		if !slices.Contains(r.remaining, f) {
			r.remaining = append(r.remaining, f)
		}
	default:
		if !slices.Contains(r.all, f) {
			r.all = append(r.all, f)
		}
	}
	r.watch(f)
}

// Unsubscribe removes filter and completes the flows it leaves without any
// subscription.
func (r *Flows) Unsubscribe(filter string) {
	sub, ok := r.byFilter[filter]
	if !ok {
		return
	}
	delete(r.byFilter, filter)
	r.subs = slices.DeleteFunc(r.subs, func(s *subscription) bool { return s == sub })

	for _, f := range sub.flows {
		r.filters[f]--
		if r.filters[f] > 0 {
			continue
		}
		delete(r.filters, f)
		r.all = slices.DeleteFunc(r.all, func(g *Flow) bool { return g == f })
		r.remaining = slices.DeleteFunc(r.remaining, func(g *Flow) bool { return g == f })
		f.onCancel = nil
		f.Complete(nil)
	}
}

// FindMatching implements Matcher. Flows are returned in subscription order,
// followed by the GlobalAll flows, each at most once. GlobalRemaining flows
// are returned only when no subscription matched.
func (r *Flows) FindMatching(msg *Message) []*Flow {
	var matched []*Flow
	for _, sub := range r.subs {
		if !topics.TopicMatch(sub.match, msg.Topic) {
			continue
		}
		for _, f := range sub.flows {
			if !slices.Contains(matched, f) {
				matched = append(matched, f)
			}
		}
	}
	if len(matched) == 0 {
		matched = append(matched, r.remaining...)
	}
	for _, f := range r.all {
		if !slices.Contains(matched, f) {
			matched = append(matched, f)
		}
	}
	return matched
}

// Remove unregisters f from every filter and global registration.
func (r *Flows) Remove(f *Flow) {
	if r.filters[f] > 0 {
		delete(r.filters, f)
		r.subs = slices.DeleteFunc(r.subs, func(sub *subscription) bool {
			sub.flows = slices.DeleteFunc(sub.flows, func(g *Flow) bool { return g == f })
			if len(sub.flows) > 0 {
				return false
			}
			delete(r.byFilter, sub.filter)
			return true
		})
	}
	r.all = slices.DeleteFunc(r.all, func(g *Flow) bool { return g == f })
	r.remaining = slices.DeleteFunc(r.remaining, func(g *Flow) bool { return g == f })
}

// Filters returns the registered filters in subscription order.
func (r *Flows) Filters() []string {
	ret := make([]string, 0, len(r.subs))
	for _, sub := range r.subs {
		ret = append(ret, sub.filter)
	}
	return ret
}

// Clear unregisters every flow and completes it once with err.
func (r *Flows) Clear(err error) {
	var flows []*Flow
	for _, sub := range r.subs {
		flows = append(flows, sub.flows...)
	}
	flows = append(flows, r.all...)
	flows = append(flows, r.remaining...)

	r.subs = nil
	r.byFilter = make(map[string]*subscription)
	r.filters = make(map[*Flow]int)
	r.all = nil
	r.remaining = nil

	seen := make(map[*Flow]struct{}, len(flows))
	for _, f := range flows {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		f.onCancel = nil
		f.Complete(err)
	}
}

func (r *Flows) watch(f *Flow) {
	f.onCancel = r.Remove
}
