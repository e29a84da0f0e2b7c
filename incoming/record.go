// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package incoming

import "github.com/absmach/fluxclient/internal/handlelist"

// record is an admitted message together with the flows still owed a
// delivery and, for QoS 1 and 2, the acknowledgements still owed by them.
type record struct {
	msg         *Message
	flows       *handlelist.List[*Flow]
	id          uint64
	missingAcks int
}

func newRecord(msg *Message, flows []*Flow) *record {
	r := &record{
		msg:   msg,
		flows: handlelist.New[*Flow](len(flows)),
	}
	for _, f := range flows {
		r.flows.PushBack(f)
	}
	return r
}

func (r *record) delivered() bool {
	return r.flows.Len() == 0
}

func (r *record) acknowledged() bool {
	return r.missingAcks == 0
}

// acknowledge reports whether the last owed acknowledgement arrived.
func (r *record) acknowledge() bool {
	r.missingAcks--
	return r.missingAcks == 0
}
