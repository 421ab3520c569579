package ingest

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/ipcasj/ethhook/internal/repo"
	"github.com/ipcasj/ethhook/internal/subindex"
)

// changeNotice is the pub/sub wire form of an endpoint change. It carries
// only the endpoint ID; the listener re-reads the row so signing secrets
// never cross the channel and the index always reflects the stored state.
type changeNotice struct {
	Kind       subindex.ChangeKind `json:"kind"`
	EndpointID string              `json:"endpoint_id"`
}

// EndpointChangeListener subscribes to the admin API's endpoint change
// channel and applies each notification to the subscription index.
type EndpointChangeListener struct {
	client  *redis.Client
	channel string
	db      *gorm.DB
	index   *subindex.Index
	log     zerolog.Logger
}

// NewEndpointChangeListener wires a listener over the given channel.
func NewEndpointChangeListener(client *redis.Client, channel string, db *gorm.DB, idx *subindex.Index, log zerolog.Logger) *EndpointChangeListener {
	return &EndpointChangeListener{
		client:  client,
		channel: channel,
		db:      db,
		index:   idx,
		log:     log.With().Str("component", "change-listener").Logger(),
	}
}

// Run applies change notifications until ctx is canceled.
func (l *EndpointChangeListener) Run(ctx context.Context) error {
	sub := l.client.Subscribe(ctx, l.channel)
	defer sub.Close()

	l.log.Info().Str("channel", l.channel).Msg("endpoint change listener started")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			l.handle(ctx, msg.Payload)
		}
	}
}

func (l *EndpointChangeListener) handle(ctx context.Context, payload string) {
	var notice changeNotice
	if err := json.Unmarshal([]byte(payload), &notice); err != nil {
		l.log.Error().Err(err).Msg("malformed change notice dropped")
		return
	}
	if notice.EndpointID == "" {
		l.log.Error().Msg("change notice without endpoint id dropped")
		return
	}

	change := subindex.Change{Kind: notice.Kind}
	change.Endpoint.ID = notice.EndpointID

	if notice.Kind != subindex.ChangeDelete {
		ep, err := repo.GetEndpoint(ctx, l.db, notice.EndpointID)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			// Row vanished between notice and read; fall through to a
			// delete so the index cannot keep a ghost endpoint.
			change.Kind = subindex.ChangeDelete
		case err != nil:
			l.log.Error().Err(err).Str("endpoint_id", notice.EndpointID).
				Msg("endpoint read failed, change skipped")
			return
		default:
			change.Kind = subindex.ChangeUpsert
			change.Endpoint = *ep
		}
	}

	l.index.Apply(change)
	l.log.Info().
		Str("endpoint_id", notice.EndpointID).
		Str("kind", string(change.Kind)).
		Int("indexed", l.index.Len()).
		Msg("endpoint change applied")
}
