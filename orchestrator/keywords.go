// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"regexp"
	"strings"
	"unicode"

	"agentrouter/shared/types"
)

// Keyword lists are matched case-insensitively on word boundaries.
// A trailing '*' turns an entry into a prefix match ("bucket*" matches
// "buckets"); multi-word entries match as phrases.

var managementKeywords = []string{
	"create*", "delet*", "make", "deploy*", "configur*", "set up", "setup",
	"manag*", "provision*", "remove", "bucket*", "database*", "firestore", "instance*",
}

var architectureKeywords = []string{
	"design*", "architect*", "diagram*", "pattern*", "structur*", "scalab*", "topolog*",
}

// newTaskTriggers mark a prompt that starts a new task even mid-conversation
var newTaskTriggers = []string{
	"create*", "delet*", "remove", "design*", "recommend*", "suggest*", "build",
	"deploy", "help me with", "i want to", "i need to", "new", "another", "start over",
}

// gcpRegionPattern matches location answers such as us-central1 or europe-west4-b
var gcpRegionPattern = regexp.MustCompile(`\b(us|europe|asia|australia|northamerica|southamerica|me|africa)-[a-z]+[0-9]+(-[a-z])?\b`)

// CueSet recognises follow-up answers for one agent's in-progress task
type CueSet struct {
	Keywords []string
	Patterns []*regexp.Regexp
}

// Matches reports whether the lowercased prompt contains any cue
func (c CueSet) Matches(lowered string) bool {
	if containsAnyKeyword(lowered, c.Keywords) {
		return true
	}
	for _, p := range c.Patterns {
		if p.MatchString(lowered) {
			return true
		}
	}
	return false
}

// defaultContinuationCues are keyed by the agent that owns the task.
// Management follow-ups answer parameters (names, locations, booleans),
// architecture follow-ups clarify scale and budget.
func defaultContinuationCues() map[string]CueSet {
	return map[string]CueSet{
		string(types.AgentManagement): {
			Keywords: []string{
				"region*", "location*", "zone*", "name*", "called", "yes", "no", "yeah", "nope",
				"true", "false", "ok", "okay", "proceed", "confirm*", "go ahead",
				"standard", "nearline", "coldline", "archive", "multi-region*",
				"public", "private", "versioning", "project*",
			},
			Patterns: []*regexp.Regexp{gcpRegionPattern},
		},
		string(types.AgentArchitecture): {
			Keywords: []string{
				"user*", "request*", "traffic", "budget*", "scale", "latency", "throughput",
				"availability", "uptime", "per second", "per day", "per month", "million*",
				"thousand*", "qps", "rps", "tb", "gb", "concurrent", "peak", "region*", "cost*",
			},
			Patterns: []*regexp.Regexp{gcpRegionPattern},
		},
		string(types.AgentAdvisor): {
			Keywords: []string{
				"cost*", "pric*", "budget*", "compar*", "complian*", "what about", "how about",
				"which one", "tell me more", "more detail*", "explain", "why", "cheaper", "alternative*",
			},
		},
	}
}

func isWordChar(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// containsKeyword matches kw in lowered text on word boundaries
func containsKeyword(lowered, kw string) bool {
	prefix := strings.HasSuffix(kw, "*")
	kw = strings.TrimSuffix(kw, "*")
	if kw == "" {
		return false
	}

	for offset := 0; offset < len(lowered); {
		i := strings.Index(lowered[offset:], kw)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(kw)

		leftOK := start == 0 || !isWordChar(lastRune(lowered[:start]))
		rightOK := prefix || end == len(lowered) || !isWordChar(firstRune(lowered[end:]))
		if leftOK && rightOK {
			return true
		}
		offset = start + 1
	}
	return false
}

func containsAnyKeyword(lowered string, keywords []string) bool {
	for _, kw := range keywords {
		if containsKeyword(lowered, kw) {
			return true
		}
	}
	return false
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}

func lastRune(s string) rune {
	r := []rune(s)
	if len(r) == 0 {
		return 0
	}
	return r[len(r)-1]
}
