// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxTopicLength is the longest topic or filter encodable in a packet.
const MaxTopicLength = 65535

// Validation errors.
var (
	ErrInvalidTopicName   = errors.New("invalid topic name: contains wildcards or illegal characters")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
	ErrInvalidShareName   = errors.New("invalid shared subscription: share name must be non-empty and free of wildcards")
)

// ValidateTopicName checks if the topic name is valid for PUBLISH (no wildcards).
func ValidateTopicName(topic string) error {
	if !validString(topic) {
		return ErrInvalidTopicName
	}
	if strings.ContainsAny(topic, singleLevel+multiLevel) {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateTopicFilter checks a SUBSCRIBE or UNSUBSCRIBE filter, including the
// $share/{ShareName}/{TopicFilter} form.
func ValidateTopicFilter(filter string) error {
	if !validString(filter) {
		return ErrInvalidTopicFilter
	}
	if IsShared(filter) {
		name, rest, ok := ParseShared(filter)
		if !ok || strings.ContainsAny(name, singleLevel+multiLevel) {
			return ErrInvalidShareName
		}
		filter = rest
	}

	levels := strings.Split(filter, levelSeparator)
	for i, level := range levels {
		switch {
		case level == multiLevel:
			if i != len(levels)-1 {
				return ErrInvalidTopicFilter
			}
		case level == singleLevel:
		case strings.ContainsAny(level, singleLevel+multiLevel):
			// Wildcards must occupy a whole level.
			return ErrInvalidTopicFilter
		}
	}
	return nil
}

func validString(s string) bool {
	return s != "" && len(s) <= MaxTopicLength && utf8.ValidString(s) && !strings.ContainsRune(s, 0)
}
