package challenge

import (
	"reflect"
	"testing"

	"caseflow/voting"
)

func vote(validator string, c voting.Choice) voting.Vote {
	return voting.Vote{CaseID: "case-1", ValidatorID: validator, Choice: c}
}

func obj(challenger, target string, s Stance) Challenge {
	return Challenge{CaseID: "case-1", ChallengerID: challenger, TargetValidatorID: target, Stance: s}
}

func TestResolve_NoChallengesPreservesOutcome(t *testing.T) {
	votes := []voting.Vote{
		vote("v1", voting.ChoiceSupport),
		vote("v2", voting.ChoiceSupport),
		vote("v3", voting.ChoiceReject),
	}

	res := Resolve(votes, nil, true)

	if res.SupportCount != 2 || res.RejectCount != 1 {
		t.Errorf("recount: support=%d reject=%d", res.SupportCount, res.RejectCount)
	}
	if !res.Upheld {
		t.Errorf("expected outcome upheld")
	}
	if res.OutcomeChanged {
		t.Errorf("expected no outcome change without challenges")
	}
	if len(res.FlippedValidators) != 0 || len(res.PunishedValidators) != 0 {
		t.Errorf("expected no flips or punishments")
	}
}

func TestResolve_OpposeMajorityFlipsVoteAndOutcome(t *testing.T) {
	// 3/2 upheld before challenges; flipping one supporter turns it 2/3.
	votes := []voting.Vote{
		vote("v1", voting.ChoiceSupport),
		vote("v2", voting.ChoiceSupport),
		vote("v3", voting.ChoiceSupport),
		vote("v4", voting.ChoiceReject),
		vote("v5", voting.ChoiceReject),
	}
	challenges := []Challenge{
		obj("c1", "v1", StanceOppose),
		obj("c2", "v1", StanceOppose),
		obj("c3", "v1", StanceOppose),
		obj("c4", "v1", StanceSupport),
	}

	res := Resolve(votes, challenges, true)

	if res.FinalChoices["v1"] != voting.ChoiceReject {
		t.Errorf("expected v1's vote reversed, got %s", res.FinalChoices["v1"])
	}
	if res.SupportCount != 2 || res.RejectCount != 3 {
		t.Errorf("recount: support=%d reject=%d", res.SupportCount, res.RejectCount)
	}
	if res.Upheld {
		t.Errorf("expected outcome no longer upheld")
	}
	if !res.OutcomeChanged {
		t.Errorf("expected outcome change flag")
	}
	if !reflect.DeepEqual(res.FlippedValidators, []string{"v1"}) {
		t.Errorf("flipped: got %v", res.FlippedValidators)
	}
	if !reflect.DeepEqual(res.PunishedValidators, []string{"v1"}) {
		t.Errorf("punished validators: got %v", res.PunishedValidators)
	}
	if !reflect.DeepEqual(res.RewardedChallengers, []string{"c1", "c2", "c3"}) {
		t.Errorf("rewarded challengers: got %v", res.RewardedChallengers)
	}
	if !reflect.DeepEqual(res.PunishedChallengers, []string{"c4"}) {
		t.Errorf("punished challengers: got %v", res.PunishedChallengers)
	}
}

func TestResolve_TieLeavesVoteStanding(t *testing.T) {
	votes := []voting.Vote{
		vote("v1", voting.ChoiceSupport),
		vote("v2", voting.ChoiceSupport),
		vote("v3", voting.ChoiceReject),
	}
	challenges := []Challenge{
		obj("c1", "v1", StanceOppose),
		obj("c2", "v1", StanceSupport),
	}

	res := Resolve(votes, challenges, true)

	if res.FinalChoices["v1"] != voting.ChoiceSupport {
		t.Errorf("expected v1's vote to stand on a tie, got %s", res.FinalChoices["v1"])
	}
	if len(res.FlippedValidators) != 0 {
		t.Errorf("expected no flips on a tie, got %v", res.FlippedValidators)
	}
	if !reflect.DeepEqual(res.RewardedChallengers, []string{"c2"}) {
		t.Errorf("rewarded: got %v", res.RewardedChallengers)
	}
	if !reflect.DeepEqual(res.PunishedChallengers, []string{"c1"}) {
		t.Errorf("punished: got %v", res.PunishedChallengers)
	}
	if res.OutcomeChanged {
		t.Errorf("expected outcome unchanged")
	}
}

func TestResolve_SupportMajorityRewardsSupporters(t *testing.T) {
	votes := []voting.Vote{vote("v1", voting.ChoiceReject)}
	challenges := []Challenge{
		obj("c1", "v1", StanceSupport),
		obj("c2", "v1", StanceSupport),
		obj("c3", "v1", StanceOppose),
	}

	res := Resolve(votes, challenges, false)

	if res.FinalChoices["v1"] != voting.ChoiceReject {
		t.Errorf("expected vote to stand, got %s", res.FinalChoices["v1"])
	}
	if !reflect.DeepEqual(res.RewardedChallengers, []string{"c1", "c2"}) {
		t.Errorf("rewarded: got %v", res.RewardedChallengers)
	}
	if !reflect.DeepEqual(res.PunishedChallengers, []string{"c3"}) {
		t.Errorf("punished: got %v", res.PunishedChallengers)
	}
}

func TestResolve_SkipsTargetsWithoutVotes(t *testing.T) {
	votes := []voting.Vote{vote("v1", voting.ChoiceSupport)}
	challenges := []Challenge{
		obj("c1", "ghost", StanceOppose),
		obj("c2", "ghost", StanceOppose),
	}

	res := Resolve(votes, challenges, true)

	if _, ok := res.FinalChoices["ghost"]; ok {
		t.Errorf("expected no final choice for a non-voting target")
	}
	if res.SupportCount != 1 || res.RejectCount != 0 {
		t.Errorf("recount: support=%d reject=%d", res.SupportCount, res.RejectCount)
	}
	if len(res.RewardedChallengers)+len(res.PunishedChallengers) != 0 {
		t.Errorf("expected no challenger outcomes for a skipped target")
	}
}

func TestResolve_MultipleTargetsDeterministicOrder(t *testing.T) {
	votes := []voting.Vote{
		vote("vb", voting.ChoiceSupport),
		vote("va", voting.ChoiceSupport),
		vote("vc", voting.ChoiceReject),
	}
	challenges := []Challenge{
		obj("c1", "vb", StanceOppose),
		obj("c2", "va", StanceOppose),
	}

	first := Resolve(votes, challenges, true)
	for i := 0; i < 10; i++ {
		again := Resolve(votes, challenges, true)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("resolution not deterministic: %+v vs %+v", first, again)
		}
	}
	// Targets are processed in sorted order, so punished validators come out
	// sorted as well.
	if !reflect.DeepEqual(first.PunishedValidators, []string{"va", "vb"}) {
		t.Errorf("punished validators: got %v", first.PunishedValidators)
	}
}
