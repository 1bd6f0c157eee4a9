package challenge

import (
	"sort"

	"caseflow/voting"
)

// Resolution is the engine's verdict over one case's challenges. The final
// choices cover the full original panel: unchallenged validators carry their
// recorded vote through unmodified.
type Resolution struct {
	FinalChoices        map[string]voting.Choice
	FlippedValidators   []string
	PunishedValidators  []string
	RewardedChallengers []string
	PunishedChallengers []string
	SupportCount        int
	RejectCount         int
	Upheld              bool
	OutcomeChanged      bool
}

// Resolve computes, for each challenged validator, whether a strict majority
// of opposing challengers reverses the vote, then recounts the aggregate
// outcome over the whole panel. A tie between supporters and opponents leaves
// the vote unchanged.
//
// The result is a pure function of the votes, the challenges, and the
// pre-challenge outcome; rerunning it on identical input yields identical
// output.
func Resolve(votes []voting.Vote, challenges []Challenge, prevUpheld bool) Resolution {
	res := Resolution{
		FinalChoices: make(map[string]voting.Choice, len(votes)),
	}
	for _, v := range votes {
		res.FinalChoices[v.ValidatorID] = v.Choice
	}

	type tally struct {
		support []string
		oppose  []string
	}
	byTarget := make(map[string]*tally)
	for _, c := range challenges {
		t := byTarget[c.TargetValidatorID]
		if t == nil {
			t = &tally{}
			byTarget[c.TargetValidatorID] = t
		}
		if c.Stance == StanceOppose {
			t.oppose = append(t.oppose, c.ChallengerID)
		} else {
			t.support = append(t.support, c.ChallengerID)
		}
	}

	// Deterministic iteration order over challenged validators.
	targets := make([]string, 0, len(byTarget))
	for id := range byTarget {
		targets = append(targets, id)
	}
	sort.Strings(targets)

	for _, target := range targets {
		t := byTarget[target]
		choice, voted := res.FinalChoices[target]
		if !voted {
			continue
		}

		if len(t.oppose) > len(t.support) {
			// Strict oppose-majority reverses the vote. Opposers won,
			// supporters and the validator are punished.
			res.FinalChoices[target] = flip(choice)
			res.FlippedValidators = append(res.FlippedValidators, target)
			res.PunishedValidators = append(res.PunishedValidators, target)
			res.RewardedChallengers = append(res.RewardedChallengers, t.oppose...)
			res.PunishedChallengers = append(res.PunishedChallengers, t.support...)
		} else {
			// Tie or support-majority: the vote stands.
			res.RewardedChallengers = append(res.RewardedChallengers, t.support...)
			res.PunishedChallengers = append(res.PunishedChallengers, t.oppose...)
		}
	}

	for _, choice := range res.FinalChoices {
		if choice == voting.ChoiceSupport {
			res.SupportCount++
		} else {
			res.RejectCount++
		}
	}
	res.Upheld = res.SupportCount > res.RejectCount
	res.OutcomeChanged = res.Upheld != prevUpheld

	return res
}

func flip(c voting.Choice) voting.Choice {
	if c == voting.ChoiceSupport {
		return voting.ChoiceReject
	}
	return voting.ChoiceSupport
}
