// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mobiletoly/scoresync/store"
)

// fkField describes one foreign-key field of an outbox payload: which JSON
// key holds a local id, and which collection that id points into.
type fkField struct {
	field      string
	collection string
}

// fkFields is the single registry of foreign references per resource kind.
// All resolution goes through it, keyed by (collection, local id), instead of
// ad-hoc per-resource lookups.
var fkFields = map[store.Resource][]fkField{
	store.ResourcePlayer:  {{"teamId", "teams"}},
	store.ResourceMatch:   {{"homeTeamId", "teams"}, {"awayTeamId", "teams"}},
	store.ResourceSet:     {{"matchId", "matches"}},
	store.ResourceEvent:   {{"matchId", "matches"}},
	store.ResourceReferee: {{"matchId", "matches"}},
	store.ResourceScorer:  {{"matchId", "matches"}},
}

// refResolver resolves local ids to remote ids, caching lookups for the
// lifetime of one drain cycle.
type refResolver struct {
	store *store.Store
	cache map[string]*string // collection+"/"+localID -> externalID (nil = unresolvable)
}

func newRefResolver(st *store.Store) *refResolver {
	return &refResolver{store: st, cache: make(map[string]*string)}
}

func (r *refResolver) resolve(ctx context.Context, collection, localID string) (*string, error) {
	key := collection + "/" + localID
	if cached, ok := r.cache[key]; ok {
		return cached, nil
	}
	externalID, ok, err := r.store.ExternalID(ctx, collection, localID)
	if err != nil {
		return nil, err
	}
	var resolved *string
	if ok {
		resolved = &externalID
	}
	r.cache[key] = resolved
	return resolved, nil
}

// resolvePayload rewrites every foreign-key field of a job payload from the
// local id captured at enqueue time to the referenced entity's externalId.
// An unresolvable reference degrades to null rather than failing the job;
// a job already marked sent is never retroactively corrected.
func (r *refResolver) resolvePayload(ctx context.Context, job *store.OutboxJob) (json.RawMessage, error) {
	refs := fkFields[job.Resource]
	if len(refs) == 0 {
		return job.Payload, nil
	}

	var payload map[string]any
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse job %d payload: %w", job.ID, err)
	}

	for _, ref := range refs {
		localID, ok := payload[ref.field].(string)
		if !ok || localID == "" {
			continue
		}
		resolved, err := r.resolve(ctx, ref.collection, localID)
		if err != nil {
			return nil, err
		}
		if resolved == nil {
			payload[ref.field] = nil
		} else {
			payload[ref.field] = *resolved
		}
	}

	out, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resolved payload: %w", err)
	}
	return out, nil
}
