package model

import (
	"fmt"
	"strings"
	"time"
)

// Reaction is a vote kind on a review.
type Reaction string

const (
	Helpful    Reaction = "Helpful"
	NotHelpful Reaction = "NotHelpful"
)

// Reactions lists every known reaction in display
// order.
var Reactions = []Reaction{Helpful, NotHelpful}

// ParseReaction accepts a reaction name in any case.
func ParseReaction(s string) (Reaction, error) {
	for _, r := range Reactions {
		if strings.EqualFold(strings.TrimSpace(s), string(r)) {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown reaction %q", s)
}

// Valid reports whether r is a known reaction.
func (r Reaction) Valid() bool {
	for _, known := range Reactions {
		if r == known {
			return true
		}
	}
	return false
}

// Review is one reader's review of an article together
// with its vote tallies. VoterChoices holds at most one
// live reaction per voter and VoteCounts is always the
// histogram of VoterChoices.
type Review struct {
	ID           ObjectID
	ArticleID    ObjectID
	Author       Address
	Content      string
	CreatedAt    time.Time
	VoteCounts   map[Reaction]uint64
	VoterChoices map[Address]Reaction
}

// Count returns the tally for r.
func (r Review) Count(reaction Reaction) uint64 {
	return r.VoteCounts[reaction]
}

// ChoiceOf returns the live reaction of voter, if any.
func (r Review) ChoiceOf(voter Address) (Reaction, bool) {
	if choice, ok := r.VoterChoices[voter]; ok {
		return choice, true
	}
	for addr, choice := range r.VoterChoices {
		if addr.Equal(voter) {
			return choice, true
		}
	}
	return "", false
}

// ApplyVote returns a copy of r with voter's reaction
// set to reaction. A previous reaction by the same voter
// is replaced: its tally drops by one before the new
// tally grows by one. changed is false when the voter
// already held reaction.
func (r Review) ApplyVote(
	voter Address,
	reaction Reaction,
) (next Review, changed bool) {
	next = r.clone()
	prev, had := next.ChoiceOf(voter)
	if had && prev == reaction {
		return next, false
	}
	if had {
		for addr := range next.VoterChoices {
			if addr.Equal(voter) {
				delete(next.VoterChoices, addr)
			}
		}
		if next.VoteCounts[prev] > 0 {
			next.VoteCounts[prev]--
		}
	}
	next.VoterChoices[voter] = reaction
	next.VoteCounts[reaction]++
	return next, true
}

func (r Review) clone() Review {
	c := r
	c.VoteCounts = make(map[Reaction]uint64, len(r.VoteCounts))
	for k, v := range r.VoteCounts {
		c.VoteCounts[k] = v
	}
	c.VoterChoices = make(map[Address]Reaction, len(r.VoterChoices))
	for k, v := range r.VoterChoices {
		c.VoterChoices[k] = v
	}
	return c
}

// ReviewView is a review projected for one viewer. The
// viewer fields are derived on every read and never
// stored.
type ReviewView struct {
	Review
	IsCurrentUserReview bool
	CurrentUserVote     *Reaction
}

// HelpfulCount is the Helpful tally.
func (v ReviewView) HelpfulCount() uint64 { return v.Count(Helpful) }

// NotHelpfulCount is the NotHelpful tally.
func (v ReviewView) NotHelpfulCount() uint64 { return v.Count(NotHelpful) }

// ViewFor annotates r for viewer. An empty viewer
// (not connected) gets no annotations.
func (r Review) ViewFor(viewer Address) ReviewView {
	view := ReviewView{Review: r}
	if viewer.IsZero() {
		return view
	}
	view.IsCurrentUserReview = r.Author.Equal(viewer)
	if choice, ok := r.ChoiceOf(viewer); ok {
		c := choice
		view.CurrentUserVote = &c
	}
	return view
}
