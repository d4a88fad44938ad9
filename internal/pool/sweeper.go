package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/landlink/landlink/internal/logging"
	"github.com/landlink/landlink/internal/metrics"
	"github.com/landlink/landlink/internal/tokens"
	"github.com/landlink/landlink/internal/traces"
)

// DefaultSweepPageSize is how many tokens a sweep reads per page.
const DefaultSweepPageSize = 200

// TokenLister lists tokens; tokens.Store satisfies it.
type TokenLister interface {
	List(ctx context.Context, f tokens.ListFilter) ([]*tokens.Token, error)
}

// SweepFailure is a token the sweep could not move.
type SweepFailure struct {
	TokenID string `json:"tokenId"`
	Error   string `json:"error"`
}

// SweepResult summarises one sweep of a program.
type SweepResult struct {
	ProgramID   string         `json:"programId"`
	Reason      TransferReason `json:"reason"`
	Transferred int            `json:"transferred"`
	Skipped     int            `json:"skipped"`
	Failed      []SweepFailure `json:"failed"`
}

// Complete reports whether every token seen was handled.
func (r *SweepResult) Complete() bool {
	return len(r.Failed) == 0
}

// Sweeper moves the ACTIVE tokens of a program that left ACTIVE into the
// pool. Each token moves in its own unit of work, so a sweep interrupted
// part way is finished by running it again.
type Sweeper struct {
	pool     *Service
	tokens   TokenLister
	pageSize int
}

// NewSweeper creates a sweeper.
func NewSweeper(pool *Service, tokenLister TokenLister) *Sweeper {
	return &Sweeper{pool: pool, tokens: tokenLister, pageSize: DefaultSweepPageSize}
}

// Sweep transfers every ACTIVE token of programID. Tokens that stopped
// being ACTIVE meanwhile are skipped; tokens that fail to move are listed in
// the result and left for the next sweep. Only a listing failure aborts.
func (s *Sweeper) Sweep(ctx context.Context, programID string, reason TransferReason) (res *SweepResult, err error) {
	ctx, span := traces.StartSpan(ctx, "pool.Sweep", traces.ProgramID(programID))
	defer func() { traces.End(span, err) }()

	if !reason.Valid() {
		return nil, ErrInvalidReason
	}

	res = &SweepResult{ProgramID: programID, Reason: reason, Failed: []SweepFailure{}}
	metrics.SweepsTotal.WithLabelValues(string(reason)).Inc()

	after := ""
	for {
		batch, err := s.tokens.List(ctx, tokens.ListFilter{
			ProgramID: programID,
			Status:    tokens.StatusActive,
			After:     after,
			Limit:     s.pageSize,
		})
		if err != nil {
			return res, fmt.Errorf("list active tokens of %s: %w", programID, err)
		}

		for _, t := range batch {
			_, err := s.pool.Transfer(ctx, t.ID, reason)
			switch {
			case err == nil:
				res.Transferred++
				metrics.SweptTokensTotal.WithLabelValues("transferred").Inc()
			case errors.Is(err, ErrNotTransferable):
				res.Skipped++
				metrics.SweptTokensTotal.WithLabelValues("skipped").Inc()
			default:
				res.Failed = append(res.Failed, SweepFailure{TokenID: t.ID, Error: err.Error()})
				metrics.SweptTokensTotal.WithLabelValues("failed").Inc()
				logging.L(ctx).Warn("token not swept",
					"program_id", programID,
					"token_id", t.ID,
					"error", err,
				)
			}
		}

		if len(batch) < s.pageSize {
			break
		}
		after = batch[len(batch)-1].ID
	}

	logging.L(ctx).Info("program swept",
		"program_id", programID,
		"reason", reason,
		"transferred", res.Transferred,
		"skipped", res.Skipped,
		"failed", len(res.Failed),
	)
	return res, nil
}
