// Package archive stores the final record of every resolved proposal in
// object storage.
package archive

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/models"
)

// Record is the archived shape of a resolved proposal.
type Record struct {
	Proposal   models.Proposal      `json:"proposal"`
	Votes      []models.Vote        `json:"votes"`
	Summary    models.VotingSummary `json:"summary"`
	ArchivedAt time.Time            `json:"archivedAt"`
}

type Archiver interface {
	Archive(ctx context.Context, rec Record) (string, error)
}

// ObjectKey places a record at
//
//	<prefix>/movement/YYYY/MM/DD/<sessionID>/<proposalID>.json
//
// dated by the proposal's resolution time, falling back to ArchivedAt.
func ObjectKey(prefix string, rec Record) string {
	ts := rec.ArchivedAt
	if rec.Proposal.ResolvedAt != nil {
		ts = *rec.Proposal.ResolvedAt
	}
	ts = ts.UTC()
	year, month, day := ts.Date()
	return path.Join(prefix, "movement",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		rec.Proposal.SessionID,
		fmt.Sprintf("%s.json", rec.Proposal.ID),
	)
}
