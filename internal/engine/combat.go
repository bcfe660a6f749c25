package engine

import "github.com/DoyleJ11/quiz-sync/pkg/types"

// resolveCombat overwrites health from the roster and derives animations.
// Nothing here computes damage; the roster is the only source of health.
//
// With an attacked id the target takes damage (or dies) and everyone else
// attacks. The roster-only broadcast carries no target, so whoever lost
// health counts as hit; if nobody did, animations are left alone.
func resolveCombat(s *State, attacked *int64, roster []types.RosterEntry) error {
	if attacked != nil && s.player(*attacked) == nil {
		return ErrUnknownPlayer
	}

	before := map[int64]int{s.Self.ID: s.Self.Health, s.Opponent.ID: s.Opponent.Health}
	for _, e := range roster {
		if p := s.player(e.MemberID); p != nil {
			p.Health = clampHealth(e.Life)
			if e.Score != nil {
				p.Score = *e.Score
			}
		}
	}

	hit := func(p *Player) bool { return p.Health < before[p.ID] }
	if attacked != nil {
		target := *attacked
		hit = func(p *Player) bool { return p.ID == target }
	} else if !hit(&s.Self) && !hit(&s.Opponent) {
		return nil
	}

	for _, p := range s.players() {
		if p.Animation == AnimDead {
			continue
		}
		switch {
		case !hit(p):
			p.Animation = AnimAttack
		case p.Health <= 0:
			p.Animation = AnimDead
		default:
			p.Animation = AnimDamage
		}
	}
	return nil
}

// settle ends an attack or damage animation. It reports whether anything
// changed.
func settle(p *Player) bool {
	if p.Animation != AnimAttack && p.Animation != AnimDamage {
		return false
	}
	if p.Health <= 0 {
		p.Animation = AnimDead
	} else {
		p.Animation = AnimIdle
	}
	return true
}

func clampHealth(h int) int {
	return min(max(h, 0), MaxHealth)
}
