package notify

import (
	"context"
	"errors"
	"log"
	"os"

	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/models"
)

// LogPublisher writes one line per notification.
type LogPublisher struct {
	logger *log.Logger
}

func NewLogPublisher(logger *log.Logger) *LogPublisher {
	if logger == nil {
		logger = log.New(os.Stdout, "[notify] ", log.LstdFlags)
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, n models.Notification) error {
	target := n.TargetVoterID
	if target == "" {
		target = "*"
	}
	p.logger.Printf("%s session=%s proposal=%s to=%s status=%s: %s", n.Kind, n.SessionID, n.ProposalID, target, n.Status, n.Message)
	return nil
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, n models.Notification) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
