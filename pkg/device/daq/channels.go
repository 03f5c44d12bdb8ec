package daq

import (
	"fmt"
	"strings"

	"github.com/norasector/tandem/pkg/attr"
)

var ErrChannelSpec = fmt.Errorf("%w: bad channel spec", attr.ErrConfiguration)

type Channel struct {
	Name  string `yaml:"name"`
	Label string `yaml:"label"`
}

// ParseChannels reads a list like "AIN0<lick>, AIN1". A channel without a
// label is labelled with its own name. Names and labels must be unique.
func ParseChannels(spec string) ([]Channel, error) {
	var out []Channel
	names := make(map[string]bool)
	labels := make(map[string]bool)

	for _, part := range strings.Split(spec, ",") {
		lt, gt := strings.Index(part, "<"), strings.Index(part, ">")
		var ch Channel
		switch {
		case lt == -1 && gt == -1:
			ch.Name = strings.ReplaceAll(part, " ", "")
			ch.Label = ch.Name
		case lt == -1 || gt == -1:
			return nil, fmt.Errorf("%w: unbalanced label in %q", ErrChannelSpec, part)
		case gt < lt:
			return nil, fmt.Errorf("%w: label closes before it opens in %q", ErrChannelSpec, part)
		default:
			ch.Name = strings.ReplaceAll(part[:lt], " ", "")
			ch.Label = part[lt+1 : gt]
		}

		if ch.Name == "" {
			return nil, fmt.Errorf("%w: empty channel name in %q", ErrChannelSpec, spec)
		}
		if names[ch.Name] {
			return nil, fmt.Errorf("%w: duplicate channel %s", ErrChannelSpec, ch.Name)
		}
		if labels[ch.Label] {
			return nil, fmt.Errorf("%w: duplicate label %s", ErrChannelSpec, ch.Label)
		}
		names[ch.Name], labels[ch.Label] = true, true
		out = append(out, ch)
	}
	return out, nil
}

func channelNames(chs []Channel) []string {
	out := make([]string, len(chs))
	for i, ch := range chs {
		out[i] = ch.Name
	}
	return out
}

// Index returns the position of the channel with the given name or label.
func Index(chs []Channel, key string) int {
	for i, ch := range chs {
		if ch.Name == key || ch.Label == key {
			return i
		}
	}
	return -1
}
