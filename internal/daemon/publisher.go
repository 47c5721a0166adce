package daemon

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/watchdog/internal/logfields"
)

// NATS subjects for downstream consumers (alerting, digests).
const (
	subjectCaseCreated  = "watchdog.case.created"
	subjectCaseMerged   = "watchdog.case.merged"
	subjectSourceFailed = "watchdog.source.failed"
)

// Publisher bridges pipeline events onto NATS. Publishing is best
// effort: a dead broker never blocks or fails the pipeline.
type Publisher struct {
	conn  *nats.Conn
	runID func() string
	log   *slog.Logger
}

// NewPublisher connects to the broker. The runID callback stamps every
// envelope with the tick that produced the event.
func NewPublisher(url string, runID func() string) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, runID: runID, log: slog.Default()}, nil
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
	}
}

type eventEnvelope struct {
	RunID string    `json:"run_id"`
	Time  time.Time `json:"time"`

	CaseID     int64  `json:"case_id,omitempty"`
	DocumentID int64  `json:"document_id,omitempty"`
	Category   string `json:"category,omitempty"`
	SourceID   int64  `json:"source_id,omitempty"`
	Platform   string `json:"platform,omitempty"`
	Cause      string `json:"cause,omitempty"`
}

func (p *Publisher) publish(subject string, env eventEnvelope) {
	env.RunID = p.runID()
	env.Time = time.Now().UTC()
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn("event publish failed", "subject", subject, logfields.Error(err))
	}
}

// CaseCreated implements pipeline.Events.
func (p *Publisher) CaseCreated(caseID, docID int64, category string) {
	p.publish(subjectCaseCreated, eventEnvelope{CaseID: caseID, DocumentID: docID, Category: category})
}

// CaseMerged implements pipeline.Events.
func (p *Publisher) CaseMerged(caseID, docID int64) {
	p.publish(subjectCaseMerged, eventEnvelope{CaseID: caseID, DocumentID: docID})
}

// SourceFailed implements pipeline.Events.
func (p *Publisher) SourceFailed(sourceID int64, platform, cause string) {
	p.publish(subjectSourceFailed, eventEnvelope{SourceID: sourceID, Platform: platform, Cause: cause})
}
