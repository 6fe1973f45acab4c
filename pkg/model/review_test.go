package model

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func emptyReview() Review {
	return Review{
		ID:           "0x01",
		Author:       "0xaa",
		VoteCounts:   map[Reaction]uint64{},
		VoterChoices: map[Address]Reaction{},
	}
}

func TestApplyVoteReplacesPreviousReaction(t *testing.T) {
	t.Parallel()

	before := emptyReview()
	before.VoteCounts[Helpful] = 3
	before.VoteCounts[NotHelpful] = 1

	afterFirst, changed := before.ApplyVote("0xbb", Helpful)
	require.True(t, changed)
	require.Equal(t, uint64(4), afterFirst.Count(Helpful))

	afterSecond, changed := afterFirst.ApplyVote("0xbb", NotHelpful)
	require.True(t, changed)
	require.Equal(t, before.Count(Helpful), afterSecond.Count(Helpful))
	require.Equal(t, before.Count(NotHelpful)+1, afterSecond.Count(NotHelpful))

	choice, ok := afterSecond.ChoiceOf("0xbb")
	require.True(t, ok)
	require.Equal(t, NotHelpful, choice)
}

func TestApplyVoteSameReactionIsNoop(t *testing.T) {
	t.Parallel()

	r, _ := emptyReview().ApplyVote("0xbb", Helpful)
	again, changed := r.ApplyVote("0xbb", Helpful)
	require.False(t, changed)
	require.Equal(t, uint64(1), again.Count(Helpful))
}

func TestApplyVoteDoesNotMutateReceiver(t *testing.T) {
	t.Parallel()

	r := emptyReview()
	_, _ = r.ApplyVote("0xbb", Helpful)
	require.Empty(t, r.VoterChoices)
	require.Zero(t, r.Count(Helpful))
}

func TestApplyVoteMatchesNormalisedVoter(t *testing.T) {
	t.Parallel()

	r, _ := emptyReview().ApplyVote("0xBB", Helpful)
	r, _ = r.ApplyVote("0x00bb", NotHelpful)
	require.Len(t, r.VoterChoices, 1)
	require.Zero(t, r.Count(Helpful))
	require.Equal(t, uint64(1), r.Count(NotHelpful))
}

// Tallies must always equal the histogram of live
// voter choices, whatever order votes arrive in.
func TestApplyVoteTalliesMatchChoices(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		voters := []Address{"0x01", "0x02", "0x03", "0x04"}
		r := emptyReview()

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			voter := rapid.SampledFrom(voters).Draw(t, "voter")
			reaction := rapid.SampledFrom(Reactions).Draw(t, "reaction")
			r, _ = r.ApplyVote(voter, reaction)

			hist := map[Reaction]uint64{}
			for _, c := range r.VoterChoices {
				hist[c]++
			}
			for _, reaction := range Reactions {
				if hist[reaction] != r.Count(reaction) {
					t.Fatalf(
						"tally %s=%d, choices say %d",
						reaction, r.Count(reaction), hist[reaction],
					)
				}
			}
		}
	})
}

func TestViewForAnnotatesViewer(t *testing.T) {
	t.Parallel()

	r, _ := emptyReview().ApplyVote("0xcc", NotHelpful)

	own := r.ViewFor("0xaa")
	require.True(t, own.IsCurrentUserReview)
	require.Nil(t, own.CurrentUserVote)

	voter := r.ViewFor("0xcc")
	require.False(t, voter.IsCurrentUserReview)
	require.NotNil(t, voter.CurrentUserVote)
	require.Equal(t, NotHelpful, *voter.CurrentUserVote)
	require.Equal(t, uint64(1), voter.NotHelpfulCount())

	anon := r.ViewFor("")
	require.False(t, anon.IsCurrentUserReview)
	require.Nil(t, anon.CurrentUserVote)
}

func TestParseReaction(t *testing.T) {
	t.Parallel()

	r, err := ParseReaction("nothelpful")
	require.NoError(t, err)
	require.Equal(t, NotHelpful, r)

	_, err = ParseReaction("Meh")
	require.Error(t, err)
}
