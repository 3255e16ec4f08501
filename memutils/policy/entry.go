package policy

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/ermalloc/memutils"
)

// Entry is the untyped form of a policy: a kind plus an opaque, kind-specific payload. It exists for
// callers that receive policies from outside the program (flags, configuration, foreign callers) and is
// converted into a typed Policy with Entry.Policy.
//
// The payload for KindRedundancy may be nil (all defaults), an int or uint32 replica count, or a Redundancy
// value. KindNone ignores its payload.
type Entry struct {
	Kind Kind
	Data any
}

// Policy converts the entry into a typed Policy. Unknown kinds and unusable payloads are rejected with an
// error wrapping memutils.ErrInvalidPolicy.
func (e Entry) Policy() (Policy, error) {
	switch e.Kind {
	case KindNone:
		return None{}, nil
	case KindRedundancy:
		switch data := e.Data.(type) {
		case nil:
			return Redundancy{}, nil
		case int:
			return Redundancy{Replicas: data}, nil
		case uint32:
			return Redundancy{Replicas: int(data)}, nil
		case Redundancy:
			return data, nil
		default:
			return nil, errors.Wrapf(memutils.ErrInvalidPolicy, "redundancy payload of type %T is not supported", e.Data)
		}
	}

	return nil, errors.Wrapf(memutils.ErrInvalidPolicy, "unknown policy kind %d", uint32(e.Kind))
}

// FromEntries converts a sequence of entries into a List. The list is not validated beyond the
// conversion of each entry.
func FromEntries(entries ...Entry) (List, error) {
	if len(entries) > MaxPolicies {
		return nil, errors.Wrapf(memutils.ErrInvalidPolicy, "%d policies were provided, but at most %d may be applied to a region", len(entries), MaxPolicies)
	}

	list := make(List, 0, len(entries))
	for index, entry := range entries {
		p, err := entry.Policy()
		if err != nil {
			return nil, errors.Wrapf(err, "entry %d", index)
		}
		list = append(list, p)
	}

	return list, nil
}

// ParseList reads a comma-separated policy list such as "redundancy:5/3,none". Redundancy accepts an
// optional ":replicas" or ":replicas/threshold" suffix. An empty string is an empty list.
func ParseList(text string) (List, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	var entries []Entry
	for _, field := range strings.Split(text, ",") {
		name, config, _ := strings.Cut(strings.TrimSpace(field), ":")

		switch strings.ToLower(name) {
		case "none", "nil":
			entries = append(entries, Entry{Kind: KindNone})
		case "redundancy", "red":
			redundancy, err := parseRedundancy(config)
			if err != nil {
				return nil, err
			}
			entries = append(entries, Entry{Kind: KindRedundancy, Data: redundancy})
		default:
			return nil, errors.Wrapf(memutils.ErrInvalidPolicy, "unknown policy %q", name)
		}
	}

	return FromEntries(entries...)
}

func parseRedundancy(config string) (Redundancy, error) {
	var redundancy Redundancy
	if config == "" {
		return redundancy, nil
	}

	replicas, threshold, hasThreshold := strings.Cut(config, "/")
	var err error
	redundancy.Replicas, err = strconv.Atoi(replicas)
	if err != nil {
		return redundancy, errors.Wrapf(memutils.ErrInvalidPolicy, "redundancy replica count %q is not a number", replicas)
	}

	if hasThreshold {
		redundancy.Threshold, err = strconv.Atoi(threshold)
		if err != nil {
			return redundancy, errors.Wrapf(memutils.ErrInvalidPolicy, "redundancy threshold %q is not a number", threshold)
		}
	}

	return redundancy, nil
}
