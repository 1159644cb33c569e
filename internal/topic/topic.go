// Package topic parses topic strings into the resource type and subject they
// address, and implements MQTT topic filter matching.
package topic

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/raptorbox/raptor-broker/internal/policy"
)

const (
	sep         = "/"
	singleLevel = "+"
	multiLevel  = "#"
)

// Result of classifying a topic.
type Result struct {
	Type    policy.ResourceType
	Subject string
	Valid   bool
}

// Classify splits t into resource type and subject id.
// Unknown resource types are still valid here; rejecting them is up to the
// caller's policy. A wildcard can never name a subject.
func Classify(t string) Result {
	levels := strings.SplitN(t, sep, 3)
	r := Result{Type: policy.ResourceType(levels[0])}
	if len(levels) < 2 {
		return r
	}

	r.Subject = levels[1]
	switch r.Subject {
	case "", singleLevel, multiLevel:
		return r
	}

	r.Valid = true
	return r
}

// Match reports whether topic name matches topic filter.
// [MQTT-4.7.2-1] names starting with '$' are not matched by a leading wildcard.
func Match(filter, name string) bool {
	if filter == "" || name == "" {
		return false
	}
	if name[0] == '$' && (filter[0] == '+' || filter[0] == '#') {
		return false
	}

	f, n := strings.Split(filter, sep), strings.Split(name, sep)
	for i, fl := range f {
		switch fl {
		case multiLevel:
			return true
		case singleLevel:
			if i >= len(n) {
				return false
			}
		default:
			if i >= len(n) || fl != n[i] {
				return false
			}
		}
	}

	return len(f) == len(n)
}

var (
	ErrEmpty         = errors.New("empty topic")
	ErrInvalidUTF    = errors.New("invalid UTF8")
	ErrWildcards     = errors.New("contains wildcard characters")
	ErrBadMultiLevel = errors.New("multi-level wildcard must be last and occupy a whole level")
	ErrBadSingle     = errors.New("single-level wildcard must occupy a whole level")
)

// ValidName checks a topic name used in PUBLISH.
func ValidName(name string) error {
	if name == "" { // [MQTT-4.7.3-1]
		return ErrEmpty
	}
	return checkUTF8([]byte(name), true) // [MQTT-3.3.2-2]
}

// ValidFilter checks a topic filter used in SUBSCRIBE and UNSUBSCRIBE.
func ValidFilter(filter string) error {
	if filter == "" {
		return ErrEmpty
	}
	if err := checkUTF8([]byte(filter), false); err != nil {
		return err
	}

	levels := strings.Split(filter, sep)
	for i, l := range levels {
		if strings.Contains(l, multiLevel) && (l != multiLevel || i != len(levels)-1) { // [MQTT-4.7.1-2]
			return ErrBadMultiLevel
		}
		if strings.Contains(l, singleLevel) && l != singleLevel { // [MQTT-4.7.1-3]
			return ErrBadSingle
		}
	}
	return nil
}

// [MQTT-1.5.3-1] [MQTT-1.5.3-3]
func checkUTF8(str []byte, checkWildCards bool) error {
	for i := 0; i < len(str); {
		if str[i] == 0 { // [MQTT-1.5.3-2]
			return ErrInvalidUTF
		}

		if checkWildCards && (str[i] == '+' || str[i] == '#') {
			return ErrWildcards
		} else if str[i]&0x80 == 0 {
			i++
		} else {
			r, size := utf8.DecodeRune(str[i:])
			if r == utf8.RuneError && size == 1 {
				return ErrInvalidUTF
			}
			i += size
		}
	}
	return nil
}

// CheckUTF8 validates an MQTT UTF-8 encoded string such as a client id or
// user name.
func CheckUTF8(b []byte) error {
	return checkUTF8(b, false)
}
