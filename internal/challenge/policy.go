package challenge

import (
	"context"
	"errors"
	"hash/fnv"

	"questd/internal/domain"
)

// SelectInput is everything a policy may look at for one user.
type SelectInput struct {
	UserID      string
	Date        domain.Date
	Definitions []domain.ChallengeDefinition
	// History holds the user's most recent assignments, newest first.
	History []domain.ChallengeAssignment
}

// Policy picks the definition to assign. Implementations must not mutate the input.
type Policy interface {
	Select(ctx context.Context, in SelectInput) (domain.ChallengeDefinition, error)
}

// PolicyFunc adapts a plain function to Policy.
type PolicyFunc func(ctx context.Context, in SelectInput) (domain.ChallengeDefinition, error)

func (f PolicyFunc) Select(ctx context.Context, in SelectInput) (domain.ChallengeDefinition, error) {
	return f(ctx, in)
}

// WeightedPolicy draws a definition with probability proportional to its
// Weight (non-positive counts as 1), skipping definitions the user had
// recently unless that would leave nothing. The draw is seeded from
// (UserID, Date), so a given user and day always map to the same choice.
type WeightedPolicy struct{}

func (WeightedPolicy) Select(_ context.Context, in SelectInput) (domain.ChallengeDefinition, error) {
	if len(in.Definitions) == 0 {
		return domain.ChallengeDefinition{}, ErrNoDefinitions
	}

	recent := make(map[string]struct{}, len(in.History))
	for _, a := range in.History {
		recent[a.DefinitionID] = struct{}{}
	}
	candidates := make([]domain.ChallengeDefinition, 0, len(in.Definitions))
	for _, d := range in.Definitions {
		if _, seen := recent[d.ID]; !seen {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		candidates = in.Definitions
	}

	var total uint64
	for _, d := range candidates {
		total += weightOf(d)
	}
	if total == 0 {
		return domain.ChallengeDefinition{}, errors.New("no selectable definitions")
	}

	pick := seed(in.UserID, in.Date) % total
	for _, d := range candidates {
		w := weightOf(d)
		if pick < w {
			return d, nil
		}
		pick -= w
	}
	return candidates[len(candidates)-1], nil
}

func weightOf(d domain.ChallengeDefinition) uint64 {
	if d.Weight <= 0 {
		return 1
	}
	return uint64(d.Weight)
}

func seed(userID string, date domain.Date) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(userID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(date))
	return h.Sum64()
}
