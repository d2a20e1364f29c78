// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package eventlog

// Side names the bench an event applies to.
type Side string

const (
	SideHome Side = "home"
	SideAway Side = "away"
)

// PointPayload scores a rally. Delta defaults to 1; a compensating event
// (scoring correction) carries -1. The log is append-only, so corrections
// are new events, never edits.
type PointPayload struct {
	Team  Side `json:"team"`
	Delta int  `json:"delta,omitempty"`
}

// TimeoutPayload records a bench timeout.
type TimeoutPayload struct {
	Team Side `json:"team"`
}

// LineupPayload sets a team's six on court for the set wholesale.
type LineupPayload struct {
	Team    Side  `json:"team"`
	Numbers []int `json:"numbers"`
}

// SubstitutionPayload swaps one shirt number for another in the current
// lineup.
type SubstitutionPayload struct {
	Team Side `json:"team"`
	Out  int  `json:"out"`
	In   int  `json:"in"`
}

// SanctionPayload records a card against a player or bench.
type SanctionPayload struct {
	Team   Side   `json:"team"`
	Number int    `json:"number,omitempty"`
	Card   string `json:"card"` // warning, penalty, expulsion, disqualification
}

// SetEndPayload closes the current set. Final marks the whole match
// finished; otherwise the next set is opened automatically.
type SetEndPayload struct {
	Final bool `json:"final,omitempty"`
}

// RemarkPayload is free-text scorer commentary.
type RemarkPayload struct {
	Text string `json:"text"`
}

// lineup is the derived on-court aggregate cached per set. It is a pure
// function of the set's lineup and substitution events.
type lineup struct {
	Home []int `json:"home,omitempty"`
	Away []int `json:"away,omitempty"`
}
