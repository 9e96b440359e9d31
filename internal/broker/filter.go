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

package broker

import (
	"fmt"
	"strings"
)

// Filter is a parsed MQTT-style topic filter: '+' matches exactly one
// segment, a trailing '#' matches zero or more trailing segments.
type Filter struct {
	segments []string
	multi    bool
	raw      string
}

// ParseFilter validates and compiles a filter string. '+' or '#' may only
// appear as an entire segment, and '#' may only be the final segment.
func ParseFilter(s string) (Filter, error) {
	parts := strings.Split(s, "/")
	for i, seg := range parts {
		if strings.Contains(seg, "+") && seg != "+" {
			return Filter{}, fmt.Errorf("broker: invalid filter %q: '+' must fill a whole segment", s)
		}
		if strings.Contains(seg, "#") {
			if seg != "#" {
				return Filter{}, fmt.Errorf("broker: invalid filter %q: '#' must fill a whole segment", s)
			}
			if i != len(parts)-1 {
				return Filter{}, fmt.Errorf("broker: invalid filter %q: '#' must be the last segment", s)
			}
		}
	}

	f := Filter{raw: s}
	if len(parts) > 0 && parts[len(parts)-1] == "#" {
		f.multi = true
		f.segments = parts[:len(parts)-1]
	} else {
		f.segments = parts
	}
	return f, nil
}

// MustParseFilter panics on invalid input, so it suits only fixed filter
// strings, never user-supplied ones.
func MustParseFilter(s string) Filter {
	f, err := ParseFilter(s)
	if err != nil {
		panic(err)
	}
	return f
}

func (f Filter) String() string { return f.raw }

// Matches reports whether topic satisfies the filter.
func (f Filter) Matches(topic string) bool {
	topicSegs := strings.Split(topic, "/")

	if f.multi {
		if len(topicSegs) < len(f.segments) {
			return false
		}
	} else if len(topicSegs) != len(f.segments) {
		return false
	}

	for i, seg := range f.segments {
		if seg == "+" {
			continue
		}
		if seg != topicSegs[i] {
			return false
		}
	}
	return true
}
