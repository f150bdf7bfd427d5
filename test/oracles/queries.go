package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_obligation_not_overpaid",
			SQL: `WITH init AS (
                      SELECT e.id, (ev.event->>'amount')::bigint AS amount
                      FROM entities e JOIN entity_events ev ON ev.entity_id = e.id
                      WHERE e.entity_type = 'obligation' AND ev.event_type = 'initialized'),
                  paid AS (
                      SELECT ev.entity_id AS id, SUM((ev.event->>'amount')::bigint) AS paid
                      FROM entity_events ev JOIN entities e ON e.id = ev.entity_id
                      WHERE e.entity_type = 'obligation' AND ev.event_type = 'payment_allocated'
                      GROUP BY ev.entity_id)
                  SELECT i.id, i.amount, p.paid FROM init i JOIN paid p ON p.id = i.id
                  WHERE p.paid > i.amount`,
		},
		{
			Name: "O2_event_sequence_gap_free",
			SQL: `SELECT entity_id, COUNT(*), MAX(sequence) FROM entity_events
                  GROUP BY entity_id HAVING MAX(sequence) <> COUNT(*) OR MIN(sequence) <> 1`,
		},
		{
			Name: "O3_payment_recorded_once",
			SQL: `SELECT entity_id, event->>'payment_id', COUNT(*) FROM entity_events
                  WHERE event_type = 'payment_recorded'
                  GROUP BY entity_id, event->>'payment_id' HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_payment_amount_conserved",
			SQL: `SELECT p.entity_id FROM entity_events p
                  JOIN entity_events a ON a.entity_id = p.entity_id AND a.event_type = 'allocations_recorded'
                  JOIN entities e ON e.id = p.entity_id AND e.entity_type = 'payment'
                  WHERE p.event_type = 'initialized'
                    AND (a.event->'breakdown'->>'disbursal')::bigint
                      + (a.event->'breakdown'->>'interest')::bigint
                      + (a.event->>'unallocated')::bigint <> (p.event->>'amount')::bigint`,
		},
		{
			Name: "O5_allocation_matches_obligation",
			SQL: `SELECT pa.entity_id, SUM((pa.event->>'amount')::bigint) AS on_payments, SUM(ob.amount) AS on_obligations
                  FROM entity_events pa
                  JOIN entities e ON e.id = pa.entity_id AND e.entity_type = 'payment'
                  LEFT JOIN LATERAL (
                      SELECT SUM((ev.event->>'amount')::bigint) AS amount FROM entity_events ev
                      WHERE ev.event_type = 'payment_allocated' AND ev.event->>'payment_id' = pa.entity_id::text
                  ) ob ON true
                  WHERE pa.event_type = 'allocations_recorded'
                  GROUP BY pa.entity_id
                  HAVING SUM((pa.event->'breakdown'->>'disbursal')::bigint + (pa.event->'breakdown'->>'interest')::bigint)
                         <> COALESCE(SUM(ob.amount), 0)`,
		},
		{
			Name: "O6_stale_job_lease",
			SQL: `SELECT id, job_type, lease_expires_at FROM jobs
                  WHERE state = 'running' AND lease_expires_at < now() - interval '2 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
