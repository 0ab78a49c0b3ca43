package rollout

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrStagingOccupied is returned when a stage attempt finds the single
	// staging slot taken.
	ErrStagingOccupied = errors.New("rollout: staging slot occupied")
	// ErrNoStaging is returned when a staging transition finds no staged
	// candidate.
	ErrNoStaging = errors.New("rollout: no staging candidate")
	// ErrEmptyQueue is returned when the queue has no candidate to stage.
	ErrEmptyQueue = errors.New("rollout: queue is empty")
)

// State is the full rollout state: the live and staging candidate ids, the
// candidate map, and the queue of QUEUED candidate ids ordered by
// descending improvement. All transitions operate on this value and the
// only persistence boundary is the atomic state-file write.
type State struct {
	LiveID     string                `json:"live_config_id,omitempty"`
	StagingID  string                `json:"staging_id,omitempty"`
	Candidates map[string]*Candidate `json:"candidates"`
	Queue      []string              `json:"queue"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// NewState creates an empty rollout state.
func NewState() *State {
	return &State{Candidates: map[string]*Candidate{}}
}

// Live returns the promoted live candidate, or nil.
func (s *State) Live() *Candidate {
	if s.LiveID == "" {
		return nil
	}
	return s.Candidates[s.LiveID]
}

// Staging returns the staged candidate, or nil.
func (s *State) Staging() *Candidate {
	if s.StagingID == "" {
		return nil
	}
	return s.Candidates[s.StagingID]
}

// Validate enforces the rollout invariants: at most one STAGING candidate,
// the queue holds only QUEUED ids, and the live id points to a PROMOTED
// candidate.
func (s *State) Validate() error {
	staging := 0
	for id, c := range s.Candidates {
		if c.ID != id {
			return fmt.Errorf("rollout: candidate map key %s does not match id %s", id, c.ID)
		}
		if c.Status == StatusStaging {
			staging++
		}
	}
	if staging > 1 {
		return fmt.Errorf("rollout: %d candidates in STAGING, at most 1 allowed", staging)
	}

	if s.StagingID != "" {
		c, ok := s.Candidates[s.StagingID]
		if !ok || c.Status != StatusStaging {
			return fmt.Errorf("rollout: staging id %s does not point to a STAGING candidate", s.StagingID)
		}
	} else if staging != 0 {
		return fmt.Errorf("rollout: STAGING candidate present but staging id empty")
	}

	if s.LiveID != "" {
		c, ok := s.Candidates[s.LiveID]
		if !ok || c.Status != StatusPromoted {
			return fmt.Errorf("rollout: live id %s does not point to a PROMOTED candidate", s.LiveID)
		}
	}

	seen := make(map[string]struct{}, len(s.Queue))
	for _, id := range s.Queue {
		c, ok := s.Candidates[id]
		if !ok {
			return fmt.Errorf("rollout: queue references unknown candidate %s", id)
		}
		if c.Status != StatusQueued {
			return fmt.Errorf("rollout: queue holds candidate %s with status %s", id, c.Status)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("rollout: queue holds candidate %s twice", id)
		}
		seen[id] = struct{}{}
	}

	return nil
}

// Enqueue adds a new candidate to the queue, keeping the queue sorted by
// descending improvement.
func (s *State) Enqueue(c *Candidate, now time.Time) error {
	if c.Status != StatusQueued {
		return fmt.Errorf("rollout: cannot enqueue candidate %s with status %s", c.ID, c.Status)
	}
	if _, exists := s.Candidates[c.ID]; exists {
		return fmt.Errorf("rollout: candidate %s already known", c.ID)
	}

	s.Candidates[c.ID] = c
	s.Queue = append(s.Queue, c.ID)
	sort.SliceStable(s.Queue, func(i, j int) bool {
		return s.Candidates[s.Queue[i]].Improvement > s.Candidates[s.Queue[j]].Improvement
	})
	s.UpdatedAt = now.UTC()

	log.Info().
		Str("candidate_id", c.ID).
		Str("tier", string(c.Tier)).
		Float64("improvement", c.Improvement).
		Int("queue_len", len(s.Queue)).
		Msg("Candidate enqueued")

	return s.Validate()
}

// StageNext moves the queue head into the staging slot. The queue head is
// always the highest-improvement QUEUED candidate.
func (s *State) StageNext(now time.Time) (*Candidate, error) {
	if s.StagingID != "" {
		return nil, ErrStagingOccupied
	}
	if len(s.Queue) == 0 {
		return nil, ErrEmptyQueue
	}

	id := s.Queue[0]
	s.Queue = s.Queue[1:]

	c := s.Candidates[id]
	c.Status = StatusStaging
	staged := now.UTC()
	c.StagedAt = &staged
	s.StagingID = id
	s.UpdatedAt = staged

	log.Info().
		Str("candidate_id", id).
		Str("tier", string(c.Tier)).
		Msg("Candidate moved to staging")

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// PromoteStaging promotes the staged candidate: it becomes the live
// configuration and the staging slot is freed.
func (s *State) PromoteStaging(now time.Time) (*Candidate, error) {
	c := s.Staging()
	if c == nil {
		return nil, ErrNoStaging
	}

	c.Status = StatusPromoted
	promoted := now.UTC()
	c.PromotedAt = &promoted

	// A previously live candidate stays PROMOTED in history; only the
	// pointer moves.
	s.LiveID = c.ID
	s.StagingID = ""
	s.UpdatedAt = promoted

	log.Info().
		Str("candidate_id", c.ID).
		Str("config_version", c.ConfigVersion).
		Msg("Candidate promoted to live")

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// DiscardStaging discards the staged candidate with a reason. Discarded
// candidates never re-enter the queue.
func (s *State) DiscardStaging(reason string, now time.Time) (*Candidate, error) {
	c := s.Staging()
	if c == nil {
		return nil, ErrNoStaging
	}

	c.Status = StatusDiscarded
	discarded := now.UTC()
	c.DiscardedAt = &discarded
	c.DiscardReason = reason
	s.StagingID = ""
	s.UpdatedAt = discarded

	log.Info().
		Str("candidate_id", c.ID).
		Str("reason", reason).
		Msg("Candidate discarded")

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
