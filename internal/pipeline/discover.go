package pipeline

import (
	"context"
	"sync"
	"time"

	"git.home.luguber.info/inful/watchdog/internal/logfields"
	"git.home.luguber.info/inful/watchdog/internal/store"
)

// discoverConcurrency bounds how many sources run connectors at once.
const discoverConcurrency = 8

// DiscoverStats summarizes one discovery round.
type DiscoverStats struct {
	Sources  int
	NewDocs  int
	Failures int
}

// RunDiscover runs connectors for enabled sources and upserts what
// they find. sourceID restricts the run to one source when non-zero.
// A failing source never fails the round; it is recorded on the
// source row.
func (p *Pipeline) RunDiscover(ctx context.Context, sourceID int64) (*DiscoverStats, error) {
	var sources []*store.Source
	if sourceID != 0 {
		src, err := p.store.GetSource(ctx, sourceID)
		if err != nil {
			return nil, err
		}
		sources = []*store.Source{src}
	} else {
		var err error
		sources, err = p.store.ListSources(ctx, true)
		if err != nil {
			return nil, err
		}
	}

	stats := &DiscoverStats{Sources: len(sources)}
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, discoverConcurrency)
	)
	for _, src := range sources {
		wg.Add(1)
		go func(src *store.Source) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			newDocs, err := p.discoverSource(ctx, src)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failures++
			} else {
				stats.NewDocs += newDocs
			}
		}(src)
	}
	wg.Wait()
	return stats, ctx.Err()
}

func (p *Pipeline) discoverSource(ctx context.Context, src *store.Source) (int, error) {
	start := time.Now()
	log := p.log.With(logfields.Source(src.ID), logfields.Municipality(src.Municipality), logfields.Platform(src.Platform))

	conn, err := p.connect(src)
	if err != nil {
		log.Error("connector construction failed", logfields.Error(err))
		_ = p.store.RecordSourceFailure(ctx, src.ID, err.Error())
		p.rec.IncSourceFailure(src.Platform)
		p.events.SourceFailed(src.ID, src.Platform, err.Error())
		return 0, err
	}

	refs, err := conn.Discover(ctx)
	if err != nil {
		log.Warn("discovery failed", logfields.Error(err))
		_ = p.store.RecordSourceFailure(ctx, src.ID, err.Error())
		p.rec.IncSourceFailure(src.Platform)
		p.events.SourceFailed(src.ID, src.Platform, err.Error())
		return 0, err
	}

	newDocs := 0
	for _, ref := range refs {
		doc := &store.Document{
			SourceID:    src.ID,
			ExternalID:  ref.ExternalID,
			DocType:     ref.DocType,
			Title:       ref.Title,
			Body:        ref.Body,
			MeetingDate: ref.MeetingDate,
			PublishedAt: ref.PublishedAt,
			SourceURL:   ref.SourceURL,
		}
		id, isNew, err := p.store.UpsertDocument(ctx, doc, ref.FileURLs)
		if err != nil {
			log.Warn("upsert failed", logfields.ExternalID(ref.ExternalID), logfields.Error(err))
			continue
		}
		if isNew {
			newDocs++
			log.Debug("document discovered", logfields.Document(id), logfields.ExternalID(ref.ExternalID))
		}
	}

	if err := p.store.RecordSourceSuccess(ctx, src.ID); err != nil {
		return newDocs, err
	}
	p.rec.AddDocumentsDiscovered(src.Platform, newDocs)
	log.Info("discovery complete", "new_documents", newDocs, "refs", len(refs),
		logfields.DurationMS(float64(time.Since(start).Milliseconds())))
	return newDocs, nil
}
