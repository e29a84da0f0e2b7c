// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package topics implements MQTT topic name and filter rules.
package topics

import "strings"

const (
	levelSeparator = "/"
	singleLevel    = "+"
	multiLevel     = "#"
)

// TopicMatch reports whether topic matches filter.
//
// '+' matches exactly one level and '#' matches the parent level and any
// number of children. Topics starting with '$' are only matched by filters
// whose first level is not a wildcard.
func TopicMatch(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if filter == topic {
		return true
	}
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, singleLevel) || strings.HasPrefix(filter, multiLevel)) {
		return false
	}

	for {
		fLevel, fRest, fMore := strings.Cut(filter, levelSeparator)
		if fLevel == multiLevel {
			return true
		}
		tLevel, tRest, tMore := strings.Cut(topic, levelSeparator)
		if fLevel != singleLevel && fLevel != tLevel {
			return false
		}
		switch {
		case fMore && tMore:
			filter, topic = fRest, tRest
		case !fMore && !tMore:
			return true
		case fMore && !tMore:
			// "a/#" matches "a".
			return fRest == multiLevel
		default:
			return false
		}
	}
}
